// Package config handles grokfast configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--p, --filter, --lamb, etc.)
//  2. Environment variables (GROKFAST_*)
//  3. Config file (grokfast.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables (all use GROKFAST_ prefix):
//
// Dataset:
//   - GROKFAST_P=97
//   - GROKFAST_TRAIN_FRACTION=0.5
//
// Training:
//   - GROKFAST_BUDGET=150000
//   - GROKFAST_BATCH_SIZE=512
//   - GROKFAST_LR=0.001
//   - GROKFAST_OPTIMIZER="adamw"
//   - GROKFAST_SEED=0
//   - GROKFAST_LOW_RANK_UPDATE=false
//
// Model:
//   - GROKFAST_DIM=128
//   - GROKFAST_FREEZE_ATTENTION=false
//   - GROKFAST_FREEZE_FIRST_BLOCK=false
//
// Filter:
//   - GROKFAST_FILTER="none", "ma", "ema", "smoother" or "kalman"
//   - GROKFAST_LAMB=5.0
//   - GROKFAST_WINDOW_SIZE=100
//   - GROKFAST_ALPHA=0.98
//
// Storage:
//   - GROKFAST_DATA_DIR="./data"
//
// For a complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/grokfast/pkg/gradfilter"
	"github.com/orneryd/grokfast/pkg/optim"
	"github.com/orneryd/grokfast/pkg/train"
)

// Config holds all grokfast configuration.
//
// Configuration is organized into logical sections:
//   - Dataset: modulus and split
//   - Training: budget, batching, optimizer
//   - Filter: gradient filter selection and hyperparameters
//   - Model: transformer architecture
//   - Storage: run history location
//   - Logging: progress output
type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset"`
	Training TrainingConfig `yaml:"training"`
	Filter   FilterConfig   `yaml:"filter"`
	Model    ModelConfig    `yaml:"model"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatasetConfig selects the modular-arithmetic task.
type DatasetConfig struct {
	// P is the prime modulus (GROKFAST_P)
	P int `yaml:"p"`
	// TrainFraction is the share of the grid used for training
	// (GROKFAST_TRAIN_FRACTION)
	TrainFraction float64 `yaml:"train_fraction"`
}

// TrainingConfig holds the loop and optimizer settings.
type TrainingConfig struct {
	// Budget is the total number of optimization steps (GROKFAST_BUDGET)
	Budget int `yaml:"budget"`
	// BatchSize caps the mini-batch size, 0 means full batch
	// (GROKFAST_BATCH_SIZE)
	BatchSize int `yaml:"batch_size"`
	// Seed drives init, split and shuffling (GROKFAST_SEED)
	Seed int64 `yaml:"seed"`
	// Label names the run in logs (GROKFAST_LABEL)
	Label string `yaml:"label"`

	// Optimizer is "adamw" or "sgd" (GROKFAST_OPTIMIZER)
	Optimizer string `yaml:"optimizer"`
	// LR is the base learning rate (GROKFAST_LR)
	LR float64 `yaml:"lr"`
	// Beta1 and Beta2 are the AdamW moment decays (GROKFAST_BETA1/2)
	Beta1 float64 `yaml:"beta1"`
	Beta2 float64 `yaml:"beta2"`
	// WeightDecay is the decoupled decay coefficient (GROKFAST_WEIGHT_DECAY)
	WeightDecay float64 `yaml:"weight_decay"`
	// WarmupSteps is the linear learning-rate warmup length
	// (GROKFAST_WARMUP_STEPS)
	WarmupSteps int `yaml:"warmup_steps"`

	// LowRankUpdate projects matrix gradients onto their top singular
	// directions before the optimizer step (GROKFAST_LOW_RANK_UPDATE)
	LowRankUpdate bool `yaml:"low_rank_update"`
	// UpdateRankFraction sets the kept rank as a fraction of the larger
	// matrix dimension (GROKFAST_UPDATE_RANK_FRACTION)
	UpdateRankFraction float64 `yaml:"update_rank_fraction"`
}

// FilterConfig selects and parameterizes the gradient filter.
type FilterConfig struct {
	// Kind is "none", "ma", "ema", "smoother" or "kalman" (GROKFAST_FILTER)
	Kind string `yaml:"kind"`
	// Lamb is the amplification factor (GROKFAST_LAMB)
	Lamb float64 `yaml:"lamb"`
	// WindowSize is the moving-average window (GROKFAST_WINDOW_SIZE)
	WindowSize int `yaml:"window_size"`
	// Aggregate is "mean" or "sum" for the moving average
	// (GROKFAST_AGGREGATE)
	Aggregate string `yaml:"aggregate"`
	// Warmup requires a full window before the moving average fires
	// (GROKFAST_WARMUP)
	Warmup bool `yaml:"warmup"`
	// Alpha is the EMA decay (GROKFAST_ALPHA)
	Alpha float64 `yaml:"alpha"`
	// Beta and PushBack parameterize the low-pass smoother
	// (GROKFAST_BETA, GROKFAST_PP)
	Beta     float64 `yaml:"beta"`
	PushBack float64 `yaml:"pp"`
	// ProcessNoise and MeasurementNoise parameterize the Kalman filter
	// (GROKFAST_PROCESS_NOISE, GROKFAST_MEASUREMENT_NOISE)
	ProcessNoise     float64 `yaml:"process_noise"`
	MeasurementNoise float64 `yaml:"measurement_noise"`

	// TwoStage delays filtering until StartingPoint steps have passed
	// (GROKFAST_TWO_STAGE, GROKFAST_STARTING_POINT)
	TwoStage      bool `yaml:"two_stage"`
	StartingPoint int  `yaml:"starting_point"`
}

// ModelConfig shapes the transformer.
type ModelConfig struct {
	// Dim is the embedding width (GROKFAST_DIM)
	Dim int `yaml:"dim"`
	// Layers is the number of blocks (GROKFAST_LAYERS)
	Layers int `yaml:"layers"`
	// Heads is the attention head count (GROKFAST_HEADS)
	Heads int `yaml:"heads"`
	// FreezeAttention leaves every attention projection untrained
	// (GROKFAST_FREEZE_ATTENTION)
	FreezeAttention bool `yaml:"freeze_attention"`
	// FreezeFirstBlock leaves the first transformer block untrained
	// (GROKFAST_FREEZE_FIRST_BLOCK)
	FreezeFirstBlock bool `yaml:"freeze_first_block"`
}

// StorageConfig locates the run history database.
type StorageConfig struct {
	// DataDir is the directory for run metrics (GROKFAST_DATA_DIR).
	// Empty disables persistence.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig controls progress output.
type LoggingConfig struct {
	// LogEvery emits a progress line every N epochs, 0 disables
	// (GROKFAST_LOG_EVERY)
	LogEvery int `yaml:"log_every"`
	// Diagnostics enables end-of-run spectral reports
	// (GROKFAST_DIAGNOSTICS)
	Diagnostics bool `yaml:"diagnostics"`
}

// Default returns the built-in defaults: the published grokking setup with
// filtering disabled.
func Default() *Config {
	t := train.DefaultConfig()
	return &Config{
		Dataset: DatasetConfig{
			P:             t.P,
			TrainFraction: t.TrainFraction,
		},
		Training: TrainingConfig{
			Budget:             t.Budget,
			BatchSize:          t.BatchSize,
			Optimizer:          t.Optimizer,
			LR:                 t.AdamW.LR,
			Beta1:              t.AdamW.Beta1,
			Beta2:              t.AdamW.Beta2,
			WeightDecay:        t.AdamW.WeightDecay,
			WarmupSteps:        t.WarmupSteps,
			UpdateRankFraction: 0.5,
		},
		Filter: FilterConfig{
			Kind:             string(gradfilter.None),
			Lamb:             5.0,
			WindowSize:       100,
			Aggregate:        string(gradfilter.AggregateMean),
			Warmup:           true,
			Alpha:            0.98,
			Beta:             0.98,
			PushBack:         0.01,
			ProcessNoise:     1e-4,
			MeasurementNoise: 1e-2,
		},
		Model: ModelConfig{
			Dim:    t.Dim,
			Layers: t.Layers,
			Heads:  t.Heads,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Logging: LoggingConfig{
			LogEvery: t.LogEvery,
		},
	}
}

// LoadFromFile loads configuration with full precedence: defaults, then the
// YAML file, then GROKFAST_* environment variables. A missing file is not
// an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile returns the first existing config file among the standard
// locations, or "" when none exists.
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".grokfast", "config.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "grokfast.yaml"))
	}
	candidates = append(candidates, "grokfast.yaml", "config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func applyEnvVars(cfg *Config) {
	cfg.Dataset.P = getEnvInt("GROKFAST_P", cfg.Dataset.P)
	cfg.Dataset.TrainFraction = getEnvFloat("GROKFAST_TRAIN_FRACTION", cfg.Dataset.TrainFraction)

	cfg.Training.Budget = getEnvInt("GROKFAST_BUDGET", cfg.Training.Budget)
	cfg.Training.BatchSize = getEnvInt("GROKFAST_BATCH_SIZE", cfg.Training.BatchSize)
	cfg.Training.Seed = int64(getEnvInt("GROKFAST_SEED", int(cfg.Training.Seed)))
	cfg.Training.Label = getEnv("GROKFAST_LABEL", cfg.Training.Label)
	cfg.Training.Optimizer = getEnv("GROKFAST_OPTIMIZER", cfg.Training.Optimizer)
	cfg.Training.LR = getEnvFloat("GROKFAST_LR", cfg.Training.LR)
	cfg.Training.Beta1 = getEnvFloat("GROKFAST_BETA1", cfg.Training.Beta1)
	cfg.Training.Beta2 = getEnvFloat("GROKFAST_BETA2", cfg.Training.Beta2)
	cfg.Training.WeightDecay = getEnvFloat("GROKFAST_WEIGHT_DECAY", cfg.Training.WeightDecay)
	cfg.Training.WarmupSteps = getEnvInt("GROKFAST_WARMUP_STEPS", cfg.Training.WarmupSteps)
	cfg.Training.LowRankUpdate = getEnvBool("GROKFAST_LOW_RANK_UPDATE", cfg.Training.LowRankUpdate)
	cfg.Training.UpdateRankFraction = getEnvFloat("GROKFAST_UPDATE_RANK_FRACTION", cfg.Training.UpdateRankFraction)

	cfg.Filter.Kind = getEnv("GROKFAST_FILTER", cfg.Filter.Kind)
	cfg.Filter.Lamb = getEnvFloat("GROKFAST_LAMB", cfg.Filter.Lamb)
	cfg.Filter.WindowSize = getEnvInt("GROKFAST_WINDOW_SIZE", cfg.Filter.WindowSize)
	cfg.Filter.Aggregate = getEnv("GROKFAST_AGGREGATE", cfg.Filter.Aggregate)
	cfg.Filter.Warmup = getEnvBool("GROKFAST_WARMUP", cfg.Filter.Warmup)
	cfg.Filter.Alpha = getEnvFloat("GROKFAST_ALPHA", cfg.Filter.Alpha)
	cfg.Filter.Beta = getEnvFloat("GROKFAST_BETA", cfg.Filter.Beta)
	cfg.Filter.PushBack = getEnvFloat("GROKFAST_PP", cfg.Filter.PushBack)
	cfg.Filter.ProcessNoise = getEnvFloat("GROKFAST_PROCESS_NOISE", cfg.Filter.ProcessNoise)
	cfg.Filter.MeasurementNoise = getEnvFloat("GROKFAST_MEASUREMENT_NOISE", cfg.Filter.MeasurementNoise)
	cfg.Filter.TwoStage = getEnvBool("GROKFAST_TWO_STAGE", cfg.Filter.TwoStage)
	cfg.Filter.StartingPoint = getEnvInt("GROKFAST_STARTING_POINT", cfg.Filter.StartingPoint)

	cfg.Model.Dim = getEnvInt("GROKFAST_DIM", cfg.Model.Dim)
	cfg.Model.Layers = getEnvInt("GROKFAST_LAYERS", cfg.Model.Layers)
	cfg.Model.Heads = getEnvInt("GROKFAST_HEADS", cfg.Model.Heads)
	cfg.Model.FreezeAttention = getEnvBool("GROKFAST_FREEZE_ATTENTION", cfg.Model.FreezeAttention)
	cfg.Model.FreezeFirstBlock = getEnvBool("GROKFAST_FREEZE_FIRST_BLOCK", cfg.Model.FreezeFirstBlock)

	cfg.Storage.DataDir = getEnv("GROKFAST_DATA_DIR", cfg.Storage.DataDir)

	cfg.Logging.LogEvery = getEnvInt("GROKFAST_LOG_EVERY", cfg.Logging.LogEvery)
	cfg.Logging.Diagnostics = getEnvBool("GROKFAST_DIAGNOSTICS", cfg.Logging.Diagnostics)
}

// Validate checks the cross-field constraints flags and files can break.
func (c *Config) Validate() error {
	if c.Dataset.P < 2 {
		return fmt.Errorf("config: p must be >= 2, got %d", c.Dataset.P)
	}
	if c.Dataset.TrainFraction <= 0 || c.Dataset.TrainFraction >= 1 {
		return fmt.Errorf("config: train_fraction must be in (0, 1), got %g", c.Dataset.TrainFraction)
	}
	if c.Training.Budget < 1 {
		return fmt.Errorf("config: budget must be >= 1, got %d", c.Training.Budget)
	}
	if c.Training.Optimizer != "adamw" && c.Training.Optimizer != "sgd" {
		return fmt.Errorf("config: unknown optimizer %q", c.Training.Optimizer)
	}
	if c.Training.LR < 0 {
		return fmt.Errorf("config: lr cannot be negative: %g", c.Training.LR)
	}
	if c.Training.LowRankUpdate &&
		(c.Training.UpdateRankFraction <= 0 || c.Training.UpdateRankFraction > 1) {
		return fmt.Errorf("config: update_rank_fraction must be in (0, 1], got %g", c.Training.UpdateRankFraction)
	}
	if _, err := gradfilter.ParseKind(c.Filter.Kind); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Model.Dim < 1 || c.Model.Layers < 1 || c.Model.Heads < 1 {
		return fmt.Errorf("config: model dim, layers and heads must be positive")
	}
	if c.Model.Dim%c.Model.Heads != 0 {
		return fmt.Errorf("config: dim (%d) must be divisible by heads (%d)", c.Model.Dim, c.Model.Heads)
	}
	return nil
}

// TrainConfig converts the loaded configuration into the trainer's form.
func (c *Config) TrainConfig() (train.Config, error) {
	kind, err := gradfilter.ParseKind(c.Filter.Kind)
	if err != nil {
		return train.Config{}, err
	}
	return train.Config{
		P:             c.Dataset.P,
		TrainFraction: c.Dataset.TrainFraction,
		Budget:        c.Training.Budget,
		BatchSize:     c.Training.BatchSize,
		Seed:          c.Training.Seed,
		Label:         c.Training.Label,
		Optimizer:     c.Training.Optimizer,
		AdamW: optim.AdamWConfig{
			LR:          c.Training.LR,
			Beta1:       c.Training.Beta1,
			Beta2:       c.Training.Beta2,
			Epsilon:     1e-8,
			WeightDecay: c.Training.WeightDecay,
		},
		SGD: optim.SGDConfig{
			LR:          c.Training.LR,
			WeightDecay: c.Training.WeightDecay,
		},
		WarmupSteps: c.Training.WarmupSteps,
		Filter: gradfilter.Config{
			Kind:             kind,
			Lamb:             c.Filter.Lamb,
			WindowSize:       c.Filter.WindowSize,
			Aggregate:        gradfilter.AggregateMode(c.Filter.Aggregate),
			Warmup:           c.Filter.Warmup,
			Alpha:            c.Filter.Alpha,
			Beta:             c.Filter.Beta,
			PushBack:         c.Filter.PushBack,
			ProcessNoise:     c.Filter.ProcessNoise,
			MeasurementNoise: c.Filter.MeasurementNoise,
		},
		TwoStage:            c.Filter.TwoStage,
		StartingPoint:       c.Filter.StartingPoint,
		Dim:                 c.Model.Dim,
		Layers:              c.Model.Layers,
		Heads:               c.Model.Heads,
		FreezeAttention:     c.Model.FreezeAttention,
		FreezeFirstBlock:    c.Model.FreezeFirstBlock,
		LowRankUpdate:       c.Training.LowRankUpdate,
		UpdateRankFraction:  c.Training.UpdateRankFraction,
		LogEvery:            c.Logging.LogEvery,
		SpectralDiagnostics: c.Logging.Diagnostics,
	}, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}
