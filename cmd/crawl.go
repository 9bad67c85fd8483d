// Package cmd defines and implements the CLI commands for the papercrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/api"
	"github.com/JakeFAU/proceedings-crawler/internal/clock/system"
	"github.com/JakeFAU/proceedings-crawler/internal/config"
	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
	goqueryextractor "github.com/JakeFAU/proceedings-crawler/internal/extractor/goquery"
	collyfetcher "github.com/JakeFAU/proceedings-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/proceedings-crawler/internal/hash/sha256"
	"github.com/JakeFAU/proceedings-crawler/internal/id/uuid"
	"github.com/JakeFAU/proceedings-crawler/internal/metrics"
	"github.com/JakeFAU/proceedings-crawler/internal/pipeline"
	"github.com/JakeFAU/proceedings-crawler/internal/policy/jitter"
	"github.com/JakeFAU/proceedings-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/proceedings-crawler/internal/runstore"
)

type crawlOptions struct {
	resume         bool
	runDir         string
	outputDir      string
	maxProceedings int
	workers        int
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the proceedings archive",
		Long: `Discovers every yearly proceeding on the archive root page and extracts
each paper's metadata. Completed proceedings are checkpointed, so an
interrupted run can be continued with --resume.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.resume, "resume", false, "resume the most recent run, or the one named by --run-dir")
	flags.StringVar(&opts.runDir, "run-dir", "", "run directory to resume (requires --resume)")
	flags.StringVar(&opts.outputDir, "output-dir", "", "directory holding run directories (overrides archive.output_dir)")
	flags.IntVar(&opts.maxProceedings, "max-proceedings", 0, "process at most N proceedings in this invocation (0 = all)")
	flags.IntVar(&opts.workers, "workers", 0, "crawl N proceedings concurrently (overrides crawl.workers)")
	return cmd
}

// apply layers explicitly set flags over the loaded configuration.
func (o crawlOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		cfg.Archive.OutputDir = o.outputDir
	}
	if flags.Changed("max-proceedings") {
		cfg.Crawl.MaxProceedings = o.maxProceedings
	}
	if flags.Changed("workers") {
		cfg.Crawl.Workers = o.workers
	}
}

func runCrawlCommand(cmd *cobra.Command, opts crawlOptions) error {
	if opts.runDir != "" && !opts.resume {
		return errors.New("--run-dir requires --resume")
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config
	opts.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := appInstance.Logger
	ctx := cmd.Context()

	clock := system.New()
	hasher := sha256.New()
	selector := runstore.NewSelector(cfg.Archive.OutputDir, clock, hasher, logger.Named("runstore"))
	sel, err := selector.Select(runstore.Request{Resume: opts.resume, RunDir: opts.runDir})
	if err != nil {
		return fmt.Errorf("select run: %w", err)
	}

	metrics.Init()
	deps := pipeline.Dependencies{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.HTTP.UserAgent,
			RespectRobots: cfg.HTTP.RespectRobots,
			Timeout:       cfg.HTTP.Timeout,
		}),
		Extractor: goqueryextractor.New(goqueryextractor.Config{}),
		Pacer:     buildPacer(cfg),
		Retry:     crawler.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		Clock:     clock,
		IDs:       uuid.New(),
		Observer:  metrics.NewObserver(),
	}

	if cfg.DB.DSN != "" {
		mirror, err := openMirror(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer mirror.Close()
		deps.Mirror = mirror
		logger.Info("mirroring committed records to postgres", zap.String("table", cfg.DB.Table))
	}

	pl, err := pipeline.New(pipeline.Config{
		RootURL:            cfg.Archive.RootURL,
		MaxProceedings:     cfg.Crawl.MaxProceedings,
		CheckpointInterval: cfg.Crawl.CheckpointInterval,
		ProgressInterval:   cfg.Crawl.ProgressInterval,
		Workers:            cfg.Crawl.Workers,
	}, deps, logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	if cfg.Server.Addr != "" {
		srvCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()
		srv := api.NewServer(pl, clock, logger.Named("api"))
		go func() {
			logger.Info("status server started", zap.String("addr", cfg.Server.Addr))
			if err := srv.ListenAndServe(srvCtx, cfg.Server.Addr); err != nil {
				logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	summary, runErr := pl.Run(ctx, sel)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("crawl interrupted; resume with --resume", zap.String("run", sel.Store.Name()))
		}
		return fmt.Errorf("run crawl: %w", runErr)
	}

	exporter, closeExporter, err := buildExporter(ctx, cfg, clock, hasher, logger.Named("export"))
	if err != nil {
		return err
	}
	defer closeExporter()
	if exporter.Enabled() {
		if _, err := exporter.Export(ctx, sel.Store, summary); err != nil {
			return fmt.Errorf("export run: %w", err)
		}
	}

	renderSummary(cmd.OutOrStdout(), summary)
	return nil
}

// buildPacer picks the randomized per-fetch delay for a single worker, or a
// shared token bucket when workers run concurrently or an explicit rate is set.
func buildPacer(cfg config.Config) crawler.Pacer {
	if !cfg.UseRateLimiter() {
		return jitter.New(cfg.Politeness.MinDelay, cfg.Politeness.MaxDelay)
	}
	rps := cfg.Politeness.RPS
	if rps <= 0 {
		// Keep the sequential average request rate across all workers.
		mean := (cfg.Politeness.MinDelay + cfg.Politeness.MaxDelay) / 2
		if mean > 0 {
			rps = float64(time.Second) / float64(mean)
		}
	}
	return ratelimit.New(ratelimit.Config{
		RPS:     rps,
		Burst:   cfg.Politeness.Burst,
		OnDelay: metrics.ObserveRateLimitDelay,
	})
}
