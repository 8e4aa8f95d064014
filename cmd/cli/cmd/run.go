package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"siope-etl/adapters/siope"
	"siope-etl/adapters/storage"
	"siope-etl/db"
	"siope-etl/db/ingestion"
	"siope-etl/internal/config"
	"siope-etl/internal/logging"
	"siope-etl/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the load, denormalize and fold stages",
	Long: `Run the full pipeline against the configured MongoDB database.

  1. FETCH        - download and extract the archives (skip with --no-download)
  2. LOAD         - bulk-load every table into its csv_* collection
  3. DENORMALIZE  - build mdb_enti, mdb_codgest_*, mdb_entrate and mdb_uscite
  4. FOLD         - rebuild mdb_entrate_mensili and mdb_uscite_mensili

Without --resume the enriched collections are rebuilt from scratch.`,
	RunE: runPipeline,
}

var (
	runSource sourceFlags

	runStore       string
	runURI         string
	runHost        string
	runPort        int
	runDatabase    string
	runNoDownload  bool
	runPartitions  int
	runBatchSize   int
	runResume      bool
	runStages      []string
	runRefMiss     string
	runContinue    bool
	runMetricsAddr string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runSource.register(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runStore, "store", "", "store backend (mongo, memory)")
	f.StringVar(&runURI, "uri", "", "MongoDB connection string, overrides --host and --port")
	f.StringVar(&runHost, "host", "", "hostname or IP address of mongod")
	f.IntVar(&runPort, "port", 0, "port of mongod")
	f.StringVar(&runDatabase, "database", "", "database name")
	f.BoolVar(&runNoDownload, "no-download", false, "use files already staged in the source directory")
	f.IntVar(&runPartitions, "partitions", 0, "workers per transaction flow")
	f.IntVar(&runBatchSize, "batch-size", 0, "bulk write chunk size")
	f.BoolVar(&runResume, "resume", false, "keep enriched entities and transactions from a previous run")
	f.StringSliceVar(&runStages, "stages", nil, "stages to run (load, denormalize, fold)")
	f.StringVar(&runRefMiss, "reference-miss", "", "entity lookup miss policy (skip, fatal)")
	f.BoolVar(&runContinue, "continue-on-error", false, "run later stages even when a stage had failures")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}

// applyRunFlags copies every flag the user set onto cfg
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	runSource.apply(cmd, &cfg.Source)

	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Backend = runStore
	}
	if flags.Changed("uri") {
		cfg.Store.URI = runURI
	}
	if flags.Changed("host") {
		cfg.Store.Host = runHost
	}
	if flags.Changed("port") {
		cfg.Store.Port = runPort
	}
	if flags.Changed("database") {
		cfg.Store.Database = runDatabase
	}
	if flags.Changed("no-download") {
		cfg.Source.Download = !runNoDownload
	}
	if flags.Changed("partitions") {
		cfg.Pipeline.Partitions = runPartitions
	}
	if flags.Changed("batch-size") {
		cfg.Pipeline.BatchSize = runBatchSize
	}
	if flags.Changed("resume") {
		cfg.Pipeline.Resume = runResume
	}
	if flags.Changed("stages") {
		cfg.Pipeline.Stages = runStages
	}
	if flags.Changed("reference-miss") {
		cfg.Pipeline.ReferenceMiss = config.ReferenceMissPolicy(runRefMiss)
	}
	if flags.Changed("continue-on-error") {
		cfg.Pipeline.ContinueOnError = runContinue
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.ListenAddr = runMetricsAddr
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
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

	start := time.Now()
	fmt.Printf("Started at %s\n", start.Format(time.RFC3339))
	log.Info("Store target", zap.String("backend", cfg.Store.Backend), zap.String("database", cfg.Store.Database))

	m := startMetrics(ctx, cfg.Metrics, log)

	if cfg.Source.Download && cfg.Pipeline.RunsStage(config.StageLoad) {
		report, err := retrieve(ctx, cfg.Source, log)
		if err != nil {
			return err
		}
		for _, name := range report.Skipped {
			fmt.Printf("Warning: file %s not downloaded\n", name)
		}
	}

	opener, err := db.NewOpener(cfg.Store)
	if err != nil {
		return err
	}

	pipeline := ingestion.NewPipeline(opener, siope.NewLocator(cfg.Source), cfg.Pipeline, log, m)
	result, runErr := pipeline.Run(ctx)
	printResult(result)
	saveRun(ctx, cfg, result, log)

	end := time.Now()
	fmt.Printf("Ended at %s\n", end.Format(time.RFC3339))
	fmt.Printf("Total time: %s\n", end.Sub(start).Round(time.Millisecond))
	return runErr
}

// startMetrics registers the collectors and serves them when configured
func startMetrics(ctx context.Context, cfg config.MetricsConfig, log *zap.Logger) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.ListenAddr, reg); err != nil {
				log.Warn("Metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("Serving metrics", zap.String("addr", cfg.ListenAddr))
	}
	return m
}

// saveRun appends the run to the history; failures only warn
func saveRun(ctx context.Context, cfg *config.Config, result *ingestion.Result, log *zap.Logger) {
	if result == nil || cfg.History.Dir == "" {
		return
	}

	record, err := storage.FromResult(result, map[string]string{
		"database":  cfg.Store.Database,
		"year":      fmt.Sprint(cfg.Source.Year),
		"all_years": fmt.Sprint(cfg.Source.AllYears),
		"resume":    fmt.Sprint(cfg.Pipeline.Resume),
	})
	if err != nil {
		log.Warn("Could not record run", zap.Error(err))
		return
	}

	store, err := storage.StoreFactory(storage.BackendFile, cfg.History.Dir)
	if err != nil {
		log.Warn("Could not open run history", zap.Error(err))
		return
	}
	defer store.Close()

	if err := store.Save(ctx, record); err != nil {
		log.Warn("Could not record run", zap.Error(err))
	}
}

func printResult(result *ingestion.Result) {
	if result == nil {
		return
	}

	fmt.Println()
	fmt.Printf("Run %s\n", result.RunID)
	for _, stage := range result.Stages {
		status := "ok"
		if stage.Err != nil {
			status = "FAILED"
		}
		fmt.Printf("  %-12s %-7s %s\n", stage.Name, status, stage.Duration.Round(time.Millisecond))
		for _, job := range stage.Jobs {
			line := fmt.Sprintf("    %-22s %s", job.Name, job.Duration.Round(time.Millisecond))
			if job.Stats != nil {
				line += fmt.Sprintf("  %+v", job.Stats)
			}
			if job.Err != nil {
				line += "  error: " + job.Err.Error()
			}
			fmt.Println(line)
		}
	}
	fmt.Println()
}
