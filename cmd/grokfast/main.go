// Package main provides the grokfast CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orneryd/grokfast/pkg/config"
	"github.com/orneryd/grokfast/pkg/runstore"
	"github.com/orneryd/grokfast/pkg/train"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "grokfast",
		Short: "Grokfast - gradient filtering for accelerated grokking",
		Long: `Grokfast trains a small transformer on modular arithmetic and filters
its gradients between the backward pass and the optimizer step, amplifying
the slow-varying gradient component that drives delayed generalization.

Filters:
  • none      pass-through baseline
  • ma        moving-average window over recent gradients
  • ema       exponential moving average (the grokfast paper's filter)
  • smoother  low-pass shadow of the parameter values
  • kalman    per-element Kalman estimate of the true gradient`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("grokfast v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training experiment",
		Long:  "Train the transformer with the configured gradient filter and record per-epoch metrics",
		RunE:  runTrain,
	}
	trainCmd.Flags().String("config", "", "Config file path (default: auto-detect)")
	trainCmd.Flags().Int("p", 97, "Prime modulus of the dataset")
	trainCmd.Flags().Float64("train-fraction", 0.5, "Share of the grid used for training")
	trainCmd.Flags().Int("budget", 150000, "Total number of optimization steps")
	trainCmd.Flags().Int("batch-size", 512, "Mini-batch size (0 = full batch)")
	trainCmd.Flags().Int64("seed", 0, "Random seed for init, split and shuffling")
	trainCmd.Flags().String("label", "", "Run label for log output")

	trainCmd.Flags().String("optimizer", "adamw", "Optimizer: adamw or sgd")
	trainCmd.Flags().Float64("lr", 1e-3, "Base learning rate")
	trainCmd.Flags().Float64("beta1", 0.9, "AdamW first-moment decay")
	trainCmd.Flags().Float64("beta2", 0.98, "AdamW second-moment decay")
	trainCmd.Flags().Float64("weight-decay", 0, "Decoupled weight decay")
	trainCmd.Flags().Int("warmup-steps", 10, "Linear learning-rate warmup length")
	trainCmd.Flags().Bool("low-rank-update", false, "Project matrix gradients to low rank before each step")
	trainCmd.Flags().Float64("update-rank-fraction", 0.5, "Kept rank as a fraction of the larger matrix dimension")

	trainCmd.Flags().String("filter", "none", "Gradient filter: none, ma, ema, smoother, kalman")
	trainCmd.Flags().Float64("lamb", 5.0, "Filter amplification factor")
	trainCmd.Flags().Int("window-size", 100, "Moving-average window size")
	trainCmd.Flags().String("aggregate", "mean", "Moving-average reduction: mean or sum")
	trainCmd.Flags().Bool("no-warmup", false, "Apply the moving average before its window fills")
	trainCmd.Flags().Float64("alpha", 0.98, "EMA decay rate")
	trainCmd.Flags().Float64("beta", 0.98, "Smoother tracking rate")
	trainCmd.Flags().Float64("pp", 0.01, "Smoother push-back rate")
	trainCmd.Flags().Float64("process-noise", 1e-4, "Kalman process noise Q")
	trainCmd.Flags().Float64("measurement-noise", 1e-2, "Kalman measurement noise R")
	trainCmd.Flags().Bool("two-stage", false, "Delay filtering until --starting-point steps")
	trainCmd.Flags().Int("starting-point", 0, "Step at which two-stage filtering activates")

	trainCmd.Flags().Int("dim", 128, "Transformer embedding width")
	trainCmd.Flags().Int("layers", 2, "Transformer block count")
	trainCmd.Flags().Int("heads", 4, "Attention head count")
	trainCmd.Flags().Bool("freeze-attention", false, "Keep attention projections at their initial values")
	trainCmd.Flags().Bool("freeze-first-block", false, "Keep the first transformer block at its initial values")

	trainCmd.Flags().String("data-dir", "./data", "Run history directory (empty disables persistence)")
	trainCmd.Flags().Int("log-every", 100, "Log progress every N epochs (0 disables)")
	trainCmd.Flags().Bool("diag", false, "Report spectral diagnostics after training")
	rootCmd.AddCommand(trainCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().String("data-dir", "./data", "Run history directory")
	rootCmd.AddCommand(runsCmd)

	historyCmd := &cobra.Command{
		Use:   "history <run-id>",
		Short: "Print the per-epoch metrics of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().String("data-dir", "./data", "Run history directory")
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration: defaults, config file,
// environment, then explicitly-set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("p") {
		cfg.Dataset.P, _ = flags.GetInt("p")
	}
	if flags.Changed("train-fraction") {
		cfg.Dataset.TrainFraction, _ = flags.GetFloat64("train-fraction")
	}
	if flags.Changed("budget") {
		cfg.Training.Budget, _ = flags.GetInt("budget")
	}
	if flags.Changed("batch-size") {
		cfg.Training.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("seed") {
		cfg.Training.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("label") {
		cfg.Training.Label, _ = flags.GetString("label")
	}
	if flags.Changed("optimizer") {
		cfg.Training.Optimizer, _ = flags.GetString("optimizer")
	}
	if flags.Changed("lr") {
		cfg.Training.LR, _ = flags.GetFloat64("lr")
	}
	if flags.Changed("beta1") {
		cfg.Training.Beta1, _ = flags.GetFloat64("beta1")
	}
	if flags.Changed("beta2") {
		cfg.Training.Beta2, _ = flags.GetFloat64("beta2")
	}
	if flags.Changed("weight-decay") {
		cfg.Training.WeightDecay, _ = flags.GetFloat64("weight-decay")
	}
	if flags.Changed("warmup-steps") {
		cfg.Training.WarmupSteps, _ = flags.GetInt("warmup-steps")
	}
	if flags.Changed("low-rank-update") {
		cfg.Training.LowRankUpdate, _ = flags.GetBool("low-rank-update")
	}
	if flags.Changed("update-rank-fraction") {
		cfg.Training.UpdateRankFraction, _ = flags.GetFloat64("update-rank-fraction")
	}
	if flags.Changed("filter") {
		cfg.Filter.Kind, _ = flags.GetString("filter")
	}
	if flags.Changed("lamb") {
		cfg.Filter.Lamb, _ = flags.GetFloat64("lamb")
	}
	if flags.Changed("window-size") {
		cfg.Filter.WindowSize, _ = flags.GetInt("window-size")
	}
	if flags.Changed("aggregate") {
		cfg.Filter.Aggregate, _ = flags.GetString("aggregate")
	}
	if flags.Changed("no-warmup") {
		noWarmup, _ := flags.GetBool("no-warmup")
		cfg.Filter.Warmup = !noWarmup
	}
	if flags.Changed("alpha") {
		cfg.Filter.Alpha, _ = flags.GetFloat64("alpha")
	}
	if flags.Changed("beta") {
		cfg.Filter.Beta, _ = flags.GetFloat64("beta")
	}
	if flags.Changed("pp") {
		cfg.Filter.PushBack, _ = flags.GetFloat64("pp")
	}
	if flags.Changed("process-noise") {
		cfg.Filter.ProcessNoise, _ = flags.GetFloat64("process-noise")
	}
	if flags.Changed("measurement-noise") {
		cfg.Filter.MeasurementNoise, _ = flags.GetFloat64("measurement-noise")
	}
	if flags.Changed("two-stage") {
		cfg.Filter.TwoStage, _ = flags.GetBool("two-stage")
	}
	if flags.Changed("starting-point") {
		cfg.Filter.StartingPoint, _ = flags.GetInt("starting-point")
	}
	if flags.Changed("dim") {
		cfg.Model.Dim, _ = flags.GetInt("dim")
	}
	if flags.Changed("layers") {
		cfg.Model.Layers, _ = flags.GetInt("layers")
	}
	if flags.Changed("heads") {
		cfg.Model.Heads, _ = flags.GetInt("heads")
	}
	if flags.Changed("freeze-attention") {
		cfg.Model.FreezeAttention, _ = flags.GetBool("freeze-attention")
	}
	if flags.Changed("freeze-first-block") {
		cfg.Model.FreezeFirstBlock, _ = flags.GetBool("freeze-first-block")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("log-every") {
		cfg.Logging.LogEvery, _ = flags.GetInt("log-every")
	}
	if flags.Changed("diag") {
		cfg.Logging.Diagnostics, _ = flags.GetBool("diag")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(dataDir string) (*runstore.Store, error) {
	if dataDir == "" {
		return nil, nil
	}
	return runstore.Open(filepath.Join(dataDir, "runs"))
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	trainCfg, err := cfg.TrainConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	trainer, err := train.New(trainCfg, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := trainer.Run(ctx)
	if err != nil {
		if ctx.Err() != nil && res.Steps > 0 {
			fmt.Printf("Interrupted after %d steps, run %s\n", res.Steps, res.RunID)
			return nil
		}
		return err
	}

	fmt.Printf("Run %s: %d steps, %d epochs\n", res.RunID, res.Steps, res.Epochs)
	fmt.Printf("  train_loss=%.4f train_acc=%.4f\n", res.Final.TrainLoss, res.Final.TrainAcc)
	fmt.Printf("  val_loss=%.4f   val_acc=%.4f (best %.4f)\n", res.Final.ValLoss, res.Final.ValAcc, res.BestValAcc)
	for _, d := range res.Diagnostics {
		fmt.Printf("  %s: effective_rank=%.4f entropy=%.4f\n", d.Name, d.EffectiveRank, d.Entropy)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no data directory configured")
	}
	defer store.Close()

	runs, err := store.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, id := range runs {
		history, err := store.History(id)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Printf("%s  (empty)\n", id)
			continue
		}
		last := history[len(history)-1]
		fmt.Printf("%s  steps=%d val_acc=%.4f\n", id, last.Step, last.ValAcc)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no data directory configured")
	}
	defer store.Close()

	history, err := store.History(runID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Println("No metrics recorded for this run.")
		return nil
	}
	fmt.Printf("%-10s %-8s %-12s %-11s %-12s %-11s\n", "step", "epoch", "train_loss", "train_acc", "val_loss", "val_acc")
	for _, m := range history {
		fmt.Printf("%-10d %-8d %-12.4f %-11.4f %-12.4f %-11.4f\n",
			m.Step, m.Epoch, m.TrainLoss, m.TrainAcc, m.ValLoss, m.ValAcc)
	}
	return nil
}
