// Package train wires the dataset, model, gradient filter and optimizer
// into the grokking training loop.
//
// One run enumerates the modular-arithmetic dataset, splits it in half,
// then iterates epochs of mini-batch updates until the optimization step
// budget is spent. Every update follows the same order:
//
//	zero grads -> forward/backward -> filter.Apply -> optimizer.Step
//
// The filter sits between backprop and the optimizer and mutates the
// gradients in place; an optional low-rank projection of matrix gradients
// runs between the two. Per-epoch metrics are recorded to a runstore under
// a fresh run UUID.
package train

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"

	"github.com/orneryd/grokfast/pkg/dataset"
	"github.com/orneryd/grokfast/pkg/diag"
	"github.com/orneryd/grokfast/pkg/gradfilter"
	"github.com/orneryd/grokfast/pkg/model"
	"github.com/orneryd/grokfast/pkg/optim"
	"github.com/orneryd/grokfast/pkg/runstore"
	"github.com/orneryd/grokfast/pkg/tensor"
)

// Config holds everything one training run needs.
type Config struct {
	// P is the prime modulus of the dataset.
	P int
	// TrainFraction is the share of examples used for training.
	TrainFraction float64
	// Budget is the total number of optimization steps.
	Budget int
	// BatchSize caps the mini-batch size. Zero means full batch.
	BatchSize int
	// Seed drives weight init, the split and epoch shuffling.
	Seed int64
	// Label names the run in log output.
	Label string

	// Optimizer selects "adamw" or "sgd".
	Optimizer string
	AdamW     optim.AdamWConfig
	SGD       optim.SGDConfig
	// WarmupSteps is the linear learning-rate warmup length.
	WarmupSteps int

	// Filter configures the gradient filter applied before each step.
	Filter gradfilter.Config
	// TwoStage delays filtering: while the step count is below
	// StartingPoint the filter only observes gradients.
	TwoStage      bool
	StartingPoint int

	// Dim, Layers and Heads shape the transformer.
	Dim    int
	Layers int
	Heads  int
	// FreezeAttention and FreezeFirstBlock leave the affected parameters
	// without gradient buffers; filters and the optimizer skip them.
	FreezeAttention  bool
	FreezeFirstBlock bool

	// LowRankUpdate projects every matrix gradient onto its top singular
	// directions between the filter and the optimizer step.
	LowRankUpdate bool
	// UpdateRankFraction sets the kept rank as a fraction of the larger
	// matrix dimension.
	UpdateRankFraction float64

	// LogEvery emits a progress line every N epochs. Zero disables.
	LogEvery int

	// SpectralDiagnostics computes effective rank and singular entropy of
	// the weight matrices once training finishes.
	SpectralDiagnostics bool
}

// DefaultConfig returns the configuration of the published grokking runs:
// p=97, half the grid for training, AdamW at 1e-3 with 10 warmup steps,
// and no gradient filtering.
func DefaultConfig() Config {
	return Config{
		P:             97,
		TrainFraction: 0.5,
		Budget:        150000,
		BatchSize:     512,
		Optimizer:     "adamw",
		AdamW:         optim.DefaultAdamWConfig(),
		SGD:           optim.DefaultSGDConfig(),
		WarmupSteps:   10,
		Filter:        gradfilter.Config{Kind: gradfilter.None},
		Dim:           128,
		Layers:        2,
		Heads:         4,
		LogEvery:      100,
	}
}

// Result summarizes a finished (or interrupted) run.
type Result struct {
	RunID      uuid.UUID
	Steps      int
	Epochs     int
	Final      runstore.Metrics
	BestValAcc float64

	// Diagnostics holds the end-of-run spectral reports when enabled.
	Diagnostics []diag.MatrixReport
}

// Trainer owns the state of one run.
type Trainer struct {
	cfg   Config
	store *runstore.Store
}

// New validates the configuration and prepares a trainer. The store may be
// nil, in which case metrics are not persisted.
func New(cfg Config, store *runstore.Store) (*Trainer, error) {
	if cfg.Budget < 1 {
		return nil, fmt.Errorf("train: step budget must be at least 1, got %d", cfg.Budget)
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("train: batch size cannot be negative: %d", cfg.BatchSize)
	}
	switch cfg.Optimizer {
	case "adamw", "sgd":
	default:
		return nil, fmt.Errorf("train: unknown optimizer %q (want adamw or sgd)", cfg.Optimizer)
	}
	if cfg.TwoStage && cfg.StartingPoint < 0 {
		return nil, fmt.Errorf("train: starting point cannot be negative: %d", cfg.StartingPoint)
	}
	if cfg.LowRankUpdate && (cfg.UpdateRankFraction <= 0 || cfg.UpdateRankFraction > 1) {
		return nil, fmt.Errorf("train: update rank fraction must be in (0, 1], got %g", cfg.UpdateRankFraction)
	}
	return &Trainer{cfg: cfg, store: store}, nil
}

func (t *Trainer) newOptimizer() (optim.Optimizer, error) {
	if t.cfg.Optimizer == "sgd" {
		return optim.NewSGD(t.cfg.SGD)
	}
	return optim.NewAdamW(t.cfg.AdamW)
}

// batchSeqs converts fixed-size examples to the token slices the model
// consumes.
func batchSeqs(examples []dataset.Example) [][]int {
	out := make([][]int, len(examples))
	for i, ex := range examples {
		seq := make([]int, dataset.SeqLen)
		copy(seq, ex[:])
		out[i] = seq
	}
	return out
}

// projectLowRank replaces every live matrix gradient with its truncated-SVD
// approximation. Vectors and frozen parameters pass through untouched.
func projectLowRank(params []*tensor.Parameter, fraction float64) error {
	for _, p := range params {
		if p.Grad == nil || !p.IsMatrix() {
			continue
		}
		if err := diag.ProjectGradient(p, fraction); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the training loop until the step budget is spent or the
// context is cancelled. On cancellation the partial result is returned
// together with the context error.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	cfg := t.cfg
	res := Result{RunID: uuid.New()}

	set, err := dataset.Generate(cfg.P)
	if err != nil {
		return res, err
	}
	trainSet, validSet, err := set.Split(cfg.TrainFraction, cfg.Seed)
	if err != nil {
		return res, err
	}

	net, err := model.New(model.Config{
		Dim:              cfg.Dim,
		Layers:           cfg.Layers,
		Heads:            cfg.Heads,
		NumTokens:        set.VocabSize(),
		SeqLen:           dataset.SeqLen,
		Seed:             cfg.Seed,
		FreezeAttention:  cfg.FreezeAttention,
		FreezeFirstBlock: cfg.FreezeFirstBlock,
	})
	if err != nil {
		return res, err
	}
	params := net.NamedParameters()

	opt, err := t.newOptimizer()
	if err != nil {
		return res, err
	}
	filter, err := gradfilter.New(cfg.Filter)
	if err != nil {
		return res, err
	}
	warmup := optim.WarmupSchedule{Steps: cfg.WarmupSteps}
	rng := rand.New(rand.NewSource(cfg.Seed + 1))

	if cfg.LogEvery > 0 {
		log.Printf("train: run %s label=%q p=%d train=%d valid=%d params=%d filter=%s optimizer=%s",
			res.RunID, cfg.Label, cfg.P, len(trainSet), len(validSet), net.NumParams(), filter.Kind(), opt.Name())
	}

	step := 0
	for epoch := 0; step < cfg.Budget; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		dataset.Shuffle(trainSet, rng)

		var trainLoss float64
		var trainCorrect, trainSeen int
		for _, batch := range dataset.Batches(trainSet, cfg.BatchSize) {
			optim.ZeroGrads(params)
			br, err := net.TrainBatch(batchSeqs(batch))
			if err != nil {
				return res, err
			}
			trainLoss += br.Loss * float64(br.Size)
			trainCorrect += br.Correct
			trainSeen += br.Size

			trigger := cfg.TwoStage && step < cfg.StartingPoint
			filter.Apply(params, trigger)

			if cfg.LowRankUpdate {
				if err := projectLowRank(params, cfg.UpdateRankFraction); err != nil {
					return res, err
				}
			}

			step++
			opt.SetLRScale(warmup.Multiplier(step))
			opt.Step(params)
			if step >= cfg.Budget {
				break
			}
		}

		var valLoss float64
		var valCorrect, valSeen int
		for _, batch := range dataset.Batches(validSet, cfg.BatchSize) {
			br, err := net.EvalBatch(batchSeqs(batch))
			if err != nil {
				return res, err
			}
			valLoss += br.Loss * float64(br.Size)
			valCorrect += br.Correct
			valSeen += br.Size
		}

		m := runstore.Metrics{
			Step:      step,
			Epoch:     epoch,
			TrainLoss: trainLoss / float64(trainSeen),
			TrainAcc:  float64(trainCorrect) / float64(trainSeen),
			ValLoss:   valLoss / float64(valSeen),
			ValAcc:    float64(valCorrect) / float64(valSeen),
		}
		if t.store != nil {
			if err := t.store.Record(res.RunID, m); err != nil {
				return res, err
			}
		}
		res.Steps = step
		res.Epochs = epoch + 1
		res.Final = m
		if m.ValAcc > res.BestValAcc {
			res.BestValAcc = m.ValAcc
		}

		if cfg.LogEvery > 0 && epoch%cfg.LogEvery == 0 {
			log.Printf("train: epoch %d step %d train_loss=%.4f train_acc=%.4f val_loss=%.4f val_acc=%.4f",
				epoch, step, m.TrainLoss, m.TrainAcc, m.ValLoss, m.ValAcc)
		}
	}

	if cfg.SpectralDiagnostics {
		reports, err := diag.Snapshot(params, nil)
		if err != nil {
			return res, err
		}
		res.Diagnostics = reports
		if cfg.LogEvery > 0 {
			for _, r := range reports {
				log.Printf("train: diag %s effective_rank=%.4f entropy=%.4f", r.Name, r.EffectiveRank, r.Entropy)
			}
		}
	}

	if cfg.LogEvery > 0 {
		log.Printf("train: run %s finished after %d steps (%d epochs), val_acc=%.4f",
			res.RunID, res.Steps, res.Epochs, res.Final.ValAcc)
	}
	return res, nil
}
