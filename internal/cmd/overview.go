package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/lqh2307/tileserver-gl-sub003/internal/overview"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var overviewCmd = &cobra.Command{
	Use:   "overview <id>",
	Short: "Build lower-zoom overview tiles by downscaling 2x2 blocks",
	Long: `Overview extends a raster cache downwards: each missing parent tile
is composed from its four children and written back, level by level
until zoom 0. The cache's minzoom metadata is updated to match.`,
	Args: cobra.ExactArgs(1),
	RunE: runOverview,
}

func init() {
	rootCmd.AddCommand(overviewCmd)

	overviewCmd.Flags().Int("concurrency", 8, "Parent tiles composed in parallel")

	if err := viper.BindPFlag("overview.concurrency", overviewCmd.Flags().Lookup("concurrency")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func runOverview(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	id := args[0]

	runner := newRunner(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := runner.Catalog.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID != id {
			continue
		}

		src, err := runner.Catalog.Open(e.Type, id, false)
		if err != nil {
			return fmt.Errorf("failed to open cache %s: %w", id, err)
		}
		defer src.Close()

		return overview.Build(ctx, src, viper.GetInt("overview.concurrency"), logger)
	}
	return fmt.Errorf("unknown cache %q", id)
}
