package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/lqh2307/tileserver-gl-sub003/internal/fslock"
	"github.com/lqh2307/tileserver-gl-sub003/internal/job"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var seedCmd = &cobra.Command{
	Use:   "seed [id...]",
	Short: "Fill caches from their origins according to seed.json",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().Bool("progress", true, "Print a progress bar")

	if err := viper.BindPFlag("seed.progress", seedCmd.Flags().Lookup("progress")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	cfg, err := job.LoadSeedConfig(viper.GetString("data-dir"))
	if err != nil {
		return err
	}

	runner := newRunner(viper.GetBool("seed.progress"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids, err := selectIDs(cfg, args)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := runner.Seed(ctx, id, cfg.Datas[id]); err != nil {
			return fmt.Errorf("failed to seed %s: %w", id, err)
		}
	}
	return nil
}

// newRunner builds a job runner, sweeping stale lock and temp files
// left behind by a previous crashed run first.
func newRunner(progress bool) *job.Runner {
	cat := newCatalog()

	if n, err := fslock.SweepOrphans(cat.CachesRoot()); err != nil {
		logger.Warn("failed to sweep orphaned lock files", "error", err)
	} else if n > 0 {
		logger.Info("removed orphaned lock files", "count", n)
	}

	return &job.Runner{Catalog: cat, Logger: logger, Progress: progress}
}

// selectIDs resolves the requested source ids against the config,
// defaulting to every configured source.
func selectIDs(cfg *job.Config, args []string) ([]string, error) {
	if len(args) == 0 {
		ids := make([]string, 0, len(cfg.Datas))
		for id := range cfg.Datas {
			ids = append(ids, id)
		}
		return ids, nil
	}

	for _, id := range args {
		if _, ok := cfg.Datas[id]; !ok {
			return nil, fmt.Errorf("unknown source id %q", id)
		}
	}
	return args, nil
}
