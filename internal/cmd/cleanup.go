package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/lqh2307/tileserver-gl-sub003/internal/job"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [id...]",
	Short: "Remove outdated tiles from caches according to cleanup.json",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().Bool("progress", true, "Print a progress bar")

	if err := viper.BindPFlag("cleanup.progress", cleanupCmd.Flags().Lookup("progress")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	cfg, err := job.LoadCleanupConfig(viper.GetString("data-dir"))
	if err != nil {
		return err
	}

	runner := newRunner(viper.GetBool("cleanup.progress"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids, err := selectIDs(cfg, args)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := runner.CleanUp(ctx, id, cfg.Datas[id]); err != nil {
			return fmt.Errorf("failed to clean up %s: %w", id, err)
		}
	}
	return nil
}
