// Command fanout ingests CDN logs, classifies AI bot traffic and
// reconstructs query fan-out sessions in a local SQLite database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/querylens/fanout/internal/bundle"
	"github.com/querylens/fanout/internal/config"
	"github.com/querylens/fanout/internal/ingest"
	"github.com/querylens/fanout/internal/optimizer"
	"github.com/querylens/fanout/internal/pathguard"
	"github.com/querylens/fanout/internal/pipeline"
	"github.com/querylens/fanout/internal/retry"
	"github.com/querylens/fanout/internal/semantics"
	"github.com/querylens/fanout/internal/session"
	"github.com/querylens/fanout/internal/store"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var (
	flagDB      string
	flagStart   string
	flagEnd     string
	flagDryRun  bool
	flagVerbose bool
)

func main() {
	os.Exit(run())
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fanout",
		Short:         "AI bot traffic analytics over CDN logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDB, "db", "", "database path (overrides FANOUT_DB_PATH)")
	root.PersistentFlags().StringVar(&flagStart, "start-date", "", "start date, YYYY-MM-DD")
	root.PersistentFlags().StringVar(&flagEnd, "end-date", "", "end date, YYYY-MM-DD")
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "compute without writing")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	// Bad flags are argument errors, same as bad dates.
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})

	root.AddCommand(ingestCmd(), pipelineCmd(), sessionsCmd(), backfillCmd(), optimizeCmd(), vacuumCmd())
	return root
}

func run() int {
	root := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var usage *usageError
		if errors.As(err, &usage) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

// setup loads configuration, builds the logger and opens the schema-
// initialized store. The caller closes the store.
func setup(ctx context.Context) (*config.Config, *zap.Logger, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if flagDB != "" {
		cfg.Database.Path = flagDB
	}
	logger, err := newLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.Initialize(ctx); err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	return cfg, logger, st, nil
}

func requireDates() error {
	if flagStart == "" || flagEnd == "" {
		return &usageError{msg: "--start-date and --end-date are required"}
	}
	for _, d := range []string{flagStart, flagEnd} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return &usageError{msg: fmt.Sprintf("invalid date %q, want YYYY-MM-DD", d)}
		}
	}
	return nil
}

func newRetrier(cfg *config.Config, logger *zap.Logger) *retry.Manager {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.Retry.MaxRetries
	policy.BaseDelay = cfg.Retry.BaseDelay
	policy.MaxDelay = cfg.Retry.MaxDelay

	breakerCfg := retry.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = int(cfg.Retry.FailureThreshold)
	breakerCfg.RecoveryTimeout = cfg.Retry.ResetTimeout

	return retry.NewManager(policy, retry.NewBreaker("store", breakerCfg), logger)
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Window = time.Duration(cfg.Session.WindowMS * float64(time.Millisecond))
	sc.Thresholds = semantics.Thresholds{
		HighMean:   cfg.Session.HighMeanThreshold,
		HighMin:    cfg.Session.HighMinThreshold,
		MediumMean: cfg.Session.MediumMeanThreshold,
		MediumMin:  cfg.Session.MediumMinThreshold,
	}
	sc.DryRun = flagDryRun
	return sc
}

func ingestCmd() *cobra.Command {
	var provider, format string
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Parse CDN log files into the raw table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				return &usageError{msg: "--provider is required"}
			}
			cfg, logger, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			defer logger.Sync()

			limiter, err := pathguard.NewRateLimiter(100, 60, 128)
			if err != nil {
				return err
			}

			p := pipeline.New(st, newRetrier(cfg, logger), logger)
			res, err := p.IngestFiles(cmd.Context(), args, pipeline.IngestConfig{
				Provider:    provider,
				Format:      ingest.Format(format),
				BaseDir:     cfg.Ingestion.BaseDir,
				MaxBytes:    cfg.Ingestion.MaxFileBytes,
				BatchSize:   cfg.Ingestion.BatchSize,
				Concurrency: cfg.Ingestion.Concurrency,
				DryRun:      flagDryRun,
			}, limiter)
			if err != nil {
				return err
			}
			fmt.Printf("Processed %d files (%d failed): %d records written, %d skipped\n",
				res.FilesProcessed, res.FilesFailed, res.RecordsWritten, res.RecordsSkipped)
			if !res.Success {
				return fmt.Errorf("ingestion finished with %d errors", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "log provider (cloudflare, cloudfront, alb, azure, gcp, akamai, fastly, universal)")
	cmd.Flags().StringVar(&format, "format", "", "source format override (csv, tsv, json, ndjson, w3c, alb)")
	return cmd
}

func pipelineCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Transform raw rows into classified daily records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDates(); err != nil {
				return err
			}
			cfg, logger, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			defer logger.Sync()

			mode := pipeline.ModeIncremental
			if full {
				mode = pipeline.ModeFull
			}
			p := pipeline.New(st, newRetrier(cfg, logger), logger)
			res, err := p.Run(cmd.Context(), flagStart, flagEnd, mode, flagDryRun)
			if err != nil {
				return err
			}
			fmt.Printf("Transformed %d of %d raw rows, %d duplicates removed\n",
				res.TransformedRows, res.RawRows, res.DuplicatesRemoved)
			if !res.Success {
				return fmt.Errorf("pipeline finished with %d errors", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "rebuild the date range instead of appending")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Build query fan-out sessions for a date or range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagStart == "" {
				return &usageError{msg: "--start-date is required"}
			}
			if flagEnd == "" {
				flagEnd = flagStart
			}
			if err := requireDates(); err != nil {
				return err
			}
			cfg, logger, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			defer logger.Sync()

			agg := session.New(st, nil, logger, sessionConfig(cfg))

			// A range walks every date through the backfill sweep;
			// --replace maps to force so each day is rebuilt.
			if flagEnd != flagStart {
				mode := session.ModeNormal
				if replace {
					mode = session.ModeForce
				}
				res, err := agg.Backfill(cmd.Context(), flagStart, flagEnd, mode)
				if err != nil {
					return err
				}
				fmt.Printf("Created %d sessions across %d dates (%d failed)\n",
					res.SessionsTotal, res.DatesProcessed, res.DatesFailed)
				if !res.Success {
					return fmt.Errorf("sessions finished with %d failed dates", res.DatesFailed)
				}
				return nil
			}

			res, err := agg.ProcessDate(cmd.Context(), flagStart, replace)
			if err != nil {
				return err
			}
			fmt.Printf("Created %d sessions over %d requests (high=%d medium=%d low=%d)\n",
				res.SessionsCreated, res.TotalRequestsBundled,
				res.HighConfidence, res.MediumConfidence, res.LowConfidence)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "delete the date's existing sessions first")
	return cmd
}

func backfillCmd() *cobra.Command {
	var resume, force bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Build sessions for every date in a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume && force {
				return &usageError{msg: "--resume and --force are mutually exclusive"}
			}
			if err := requireDates(); err != nil {
				return err
			}
			cfg, logger, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			defer logger.Sync()

			mode := session.ModeNormal
			switch {
			case resume:
				mode = session.ModeResume
			case force:
				mode = session.ModeForce
			}

			agg := session.New(st, nil, logger, sessionConfig(cfg))
			res, err := agg.Backfill(cmd.Context(), flagStart, flagEnd, mode)
			if err != nil {
				return err
			}
			fmt.Printf("Backfill %s: %d dates processed, %d skipped, %d failed, %d sessions\n",
				mode, res.DatesProcessed, res.DatesSkipped, res.DatesFailed, res.SessionsTotal)
			if !res.Success {
				return fmt.Errorf("backfill finished with %d failed dates", res.DatesFailed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "skip dates that already have sessions")
	cmd.Flags().BoolVar(&force, "force", false, "recompute dates that already have sessions")
	return cmd
}

func vacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim database space after large deletes",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			defer logger.Sync()

			if err := st.Vacuum(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Vacuum complete")
			return nil
		},
	}
}

func optimizeCmd() *cobra.Command {
	var configPath, outputDir string
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Sweep candidate bundling windows and recommend one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDates(); err != nil {
				return err
			}
			_, logger, st, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			defer logger.Sync()

			expCfg := optimizer.DefaultExperimentConfig()
			if configPath != "" {
				expCfg, err = optimizer.LoadExperimentConfig(configPath)
				if err != nil {
					return err
				}
			}
			if outputDir != "" {
				expCfg.OutputDir = outputDir
			}

			requests, err := st.ReadCleanRequests(cmd.Context(), flagStart, flagEnd, store.CleanRequestFilter{
				Category:          expCfg.Category,
				ExcludedProviders: expCfg.ExcludedProviders,
			})
			if err != nil {
				return err
			}
			records := make([]bundle.Request, len(requests))
			for i, r := range requests {
				records[i] = bundle.Request{
					Timestamp: r.Timestamp,
					URL:       r.URL,
					Provider:  r.BotProvider,
					BotName:   r.BotName,
				}
			}

			report, err := optimizer.New(expCfg, logger).Run(cmd.Context(), records)
			if err != nil {
				return err
			}
			rec := report.Recommendation
			fmt.Printf("Recommended window: %.0fms (score %.4f, agreement %.2f, confidence %s)\n",
				rec.WindowMS, rec.OptScore, rec.Agreement, rec.Confidence)

			if !flagDryRun {
				path, err := optimizer.WriteReport(report, expCfg.OutputDir)
				if err != nil {
					return err
				}
				fmt.Println("Report written to", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "experiment config YAML")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "report output directory")
	return cmd
}
