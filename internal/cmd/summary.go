package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/lqh2307/tileserver-gl-sub003/internal/job"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Report tile counts and sizes per cache",
	Long: `Summary reports how full each cache is.

With seed.json present the expected tile count per source comes from
its coverage areas; --service ignores the config and inventories every
cache found under the data directory instead.`,
	RunE: runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().Bool("service", false, "Inventory all caches instead of comparing against seed.json")

	if err := viper.BindPFlag("summary.service", summaryCmd.Flags().Lookup("service")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func runSummary(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	runner := &job.Runner{Catalog: newCatalog(), Logger: logger}
	ctx := context.Background()

	var (
		rows []job.SourceSummary
		err  error
	)
	if viper.GetBool("summary.service") {
		rows, err = runner.ServiceSummary(ctx)
	} else {
		var cfg *job.Config
		if cfg, err = job.LoadSeedConfig(viper.GetString("data-dir")); err != nil {
			return err
		}
		rows, err = runner.SeedSummary(ctx, cfg)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTILES\tEXPECTED\tSIZE")
	for _, s := range rows {
		expected := "-"
		if s.Expected > 0 {
			expected = humanize.Comma(int64(s.Expected))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Type, humanize.Comma(int64(s.Actual)), expected, humanize.Bytes(uint64(s.Size)))
	}
	return w.Flush()
}
