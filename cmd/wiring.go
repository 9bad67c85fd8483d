package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/config"
	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
	"github.com/JakeFAU/proceedings-crawler/internal/export"
	"github.com/JakeFAU/proceedings-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/proceedings-crawler/internal/storage/gcs"
	"github.com/JakeFAU/proceedings-crawler/internal/storage/local"
	"github.com/JakeFAU/proceedings-crawler/internal/storage/postgres"
)

func openMirror(ctx context.Context, cfg config.DBConfig) (*postgres.RecordStore, error) {
	store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{DSN: cfg.DSN, Table: cfg.Table})
	if err != nil {
		return nil, fmt.Errorf("init record mirror: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init record mirror: %w", err)
	}
	return store, nil
}

// buildExporter wires the configured blob store and publisher. The returned
// cleanup releases any clients it opened and is safe to call when nothing was
// configured.
func buildExporter(
	ctx context.Context,
	cfg config.Config,
	clock crawler.Clock,
	hasher crawler.Hasher,
	logger *zap.Logger,
) (*export.Exporter, func(), error) {
	var closers []func() error
	cleanup := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close export client", zap.Error(err))
			}
		}
	}

	var blobs crawler.BlobStore
	switch {
	case cfg.Export.GCSBucket != "":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Export.GCSBucket})
		if err != nil {
			return nil, cleanup, fmt.Errorf("init export bucket: %w", err)
		}
		closers = append(closers, store.Close)
		blobs = store
	case cfg.Export.LocalDir != "":
		store, err := local.New(local.Config{BaseDir: cfg.Export.LocalDir})
		if err != nil {
			return nil, cleanup, fmt.Errorf("init export dir: %w", err)
		}
		blobs = store
	}

	var publisher crawler.Publisher
	if cfg.Notify.Topic != "" {
		pub, err := pubsub.Open(ctx, cfg.Notify.ProjectID)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("init notifier: %w", err)
		}
		closers = append(closers, pub.Close)
		publisher = pub
	}

	exporter := export.New(blobs, publisher, hasher, clock, export.Config{
		Prefix:        cfg.Export.Prefix,
		IncludeShards: cfg.Export.IncludeShards,
		Topic:         cfg.Notify.Topic,
	}, logger)
	return exporter, cleanup, nil
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(out)
	return t
}

func renderSummary(out io.Writer, s crawler.RunSummary) {
	t := newTable(out)
	t.SetTitle("Crawl summary")
	t.AppendRows([]table.Row{
		{"Run", s.RunDir},
		{"Proceedings processed", s.ProceedingsProcessed},
		{"Proceedings skipped", s.ProceedingsSkipped},
		{"Proceedings failed", s.ProceedingsFailed},
		{"Papers fetched", s.PapersFetched},
		{"Papers failed", s.PapersFailed},
		{"Total papers", s.TotalPapers},
		{"Completed", s.Completed},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
		{"Papers/sec", fmt.Sprintf("%.2f", s.Rate())},
	})
	t.Render()
}
