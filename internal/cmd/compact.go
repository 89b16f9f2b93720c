package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact [id...]",
	Short: "Reclaim space in caches (VACUUM, prune empty directories)",
	RunE:  runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	runner := newRunner(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := runner.Catalog.List(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(args))
	for _, id := range args {
		wanted[id] = true
	}

	compacted := 0
	for _, e := range entries {
		if len(wanted) > 0 && !wanted[e.ID] {
			continue
		}

		src, err := runner.Catalog.Open(e.Type, e.ID, false)
		if err != nil {
			return fmt.Errorf("failed to open cache %s: %w", e.ID, err)
		}

		logger.Info("compacting cache", "id", e.ID, "store", e.Type)
		err = src.Compact(ctx)
		src.Close()
		if err != nil {
			return fmt.Errorf("failed to compact %s: %w", e.ID, err)
		}
		compacted++
		delete(wanted, e.ID)
	}

	for id := range wanted {
		return fmt.Errorf("unknown cache %q", id)
	}

	logger.Info("compaction finished", "caches", compacted)
	return nil
}
