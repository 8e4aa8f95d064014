package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"siope-etl/adapters/siope"
	"siope-etl/internal/config"
	"siope-etl/internal/logging"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and extract the source archives only",
	Long: `Download every configured archive into the source directory, retrying
each one a bounded number of times, extract it and delete the zip.
With --all-years the yearly ENTRATE_* and USCITE_* files are also
concatenated into ENTRATE.csv and USCITE.csv.`,
	RunE: runFetch,
}

// sourceFlags are shared by run and fetch
type sourceFlags struct {
	dir      string
	baseURL  string
	attempts int
	year     int
	allYears bool
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "source-dir", "", "directory holding the staged csv files")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "remote directory of the archives")
	cmd.Flags().IntVar(&f.attempts, "attempts", 0, "download attempts per archive")
	cmd.Flags().IntVar(&f.year, "year", 0, "year of the transaction files to load")
	cmd.Flags().BoolVar(&f.allYears, "all-years", false, "load the concatenation of every yearly transaction file")
}

// apply copies every flag the user set onto cfg
func (f *sourceFlags) apply(cmd *cobra.Command, cfg *config.SourceConfig) {
	flags := cmd.Flags()
	if flags.Changed("source-dir") {
		cfg.Dir = f.dir
	}
	if flags.Changed("base-url") {
		cfg.BaseURL = f.baseURL
	}
	if flags.Changed("attempts") {
		cfg.Attempts = f.attempts
	}
	if flags.Changed("year") {
		cfg.Year = f.year
	}
	if flags.Changed("all-years") {
		cfg.AllYears = f.allYears
	}
}

var fetchSource sourceFlags

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchSource.register(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fetchSource.apply(cmd, &cfg.Source)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logging.Sync(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := retrieve(ctx, cfg.Source, log)
	if report != nil {
		fmt.Printf("Extracted %d files, skipped %d archives\n", len(report.Extracted), len(report.Skipped))
		for _, name := range report.Skipped {
			fmt.Printf("  Warning: %s not downloaded\n", name)
		}
	}
	return err
}

// retrieve fetches the archives and, for all-years runs, aggregates the
// yearly transaction files
func retrieve(ctx context.Context, src config.SourceConfig, log *zap.Logger) (*siope.FetchReport, error) {
	report, err := siope.NewFetcher(src, log).FetchAll(ctx, src.Archives)
	if err != nil {
		return report, err
	}
	if src.AllYears {
		merged, err := siope.Aggregate(src.Dir)
		if err != nil {
			return report, err
		}
		log.Info("Aggregated yearly files",
			zap.Int(siope.IncomeAggregate, merged[siope.IncomeAggregate]),
			zap.Int(siope.OutflowAggregate, merged[siope.OutflowAggregate]))
	}
	return report, nil
}
