// Package export copies a run's artifacts to a blob store and announces the
// finished run on a notification topic.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
	"github.com/JakeFAU/proceedings-crawler/internal/runstore"
)

// Config controls what is exported and where the notification goes.
type Config struct {
	// Prefix is prepended to every object path, before the run name.
	Prefix string
	// IncludeShards also uploads every committed per-proceeding shard.
	IncludeShards bool
	// Topic receives the run notification. Empty disables publishing.
	Topic string
}

// Notification is the payload published once a run's artifacts are exported.
type Notification struct {
	RunID                string            `json:"run_id,omitempty"`
	Run                  string            `json:"run"`
	Completed            bool              `json:"completed"`
	Proceedings          int               `json:"proceedings"`
	ProceedingsCommitted int               `json:"proceedings_committed"`
	TotalPapers          int               `json:"total_papers"`
	PapersFetched        int               `json:"papers_fetched"`
	PapersFailed         int               `json:"papers_failed"`
	CumulativeDigest     string            `json:"cumulative_digest,omitempty"`
	Artifacts            map[string]string `json:"artifacts"`
	Timestamp            string            `json:"timestamp"`
}

// Exporter uploads artifacts and publishes notifications. Either collaborator
// may be nil, which disables that half.
type Exporter struct {
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New builds an Exporter.
func New(
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Enabled reports whether Export would do anything.
func (e *Exporter) Enabled() bool {
	return e.blobs != nil || (e.publisher != nil && e.cfg.Topic != "")
}

// Export uploads the run's artifacts and then publishes the notification.
// The run directory is only read.
func (e *Exporter) Export(ctx context.Context, store *runstore.Store, summary crawler.RunSummary) (Notification, error) {
	state, err := store.LoadCheckpoint()
	if err != nil {
		return Notification{}, fmt.Errorf("load checkpoint: %w", err)
	}
	note := Notification{
		RunID:         summary.RunID,
		Run:           store.Name(),
		Completed:     state.Completed,
		Proceedings:   len(state.Proceedings),
		TotalPapers:   state.TotalPaperCount,
		PapersFetched: summary.PapersFetched,
		PapersFailed:  summary.PapersFailed,
		Artifacts:     make(map[string]string),
		Timestamp:     e.clock.Now().UTC().Format(time.RFC3339),
	}
	if note.RunID == "" {
		note.RunID = state.RunID
	}

	files := []string{runstore.CumulativeFile, runstore.CheckpointFile, runstore.ProceedingsFile}
	for i, url := range state.Proceedings {
		if !state.IsComplete(i) {
			continue
		}
		note.ProceedingsCommitted++
		if e.cfg.IncludeShards {
			files = append(files, path.Base(store.ShardPath(crawler.NewProceeding(url))))
		}
	}

	for _, name := range files {
		data, err := os.ReadFile(store.Path(name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return note, fmt.Errorf("read %s: %w", name, err)
		}
		if name == runstore.CumulativeFile && e.hasher != nil {
			if digest, err := e.hasher.Hash(data); err == nil {
				note.CumulativeDigest = digest
			}
		}
		if e.blobs == nil {
			continue
		}
		uri, err := e.blobs.PutObject(ctx, e.objectPath(store.Name(), name), contentType(name), bytes.NewReader(data))
		if err != nil {
			return note, fmt.Errorf("put object %s: %w", name, err)
		}
		note.Artifacts[name] = uri
		e.logger.Debug("artifact exported", zap.String("file", name), zap.String("uri", uri))
	}
	if e.blobs != nil {
		e.logger.Info("run artifacts exported", zap.String("run", store.Name()), zap.Int("artifacts", len(note.Artifacts)))
	}

	if e.publisher == nil || e.cfg.Topic == "" {
		return note, nil
	}
	id, err := e.publisher.Publish(ctx, e.cfg.Topic, note)
	if err != nil {
		return note, fmt.Errorf("publish run notification: %w", err)
	}
	e.logger.Info("run notification published",
		zap.String("topic", e.cfg.Topic),
		zap.String("message_id", id),
		zap.Bool("completed", note.Completed),
		zap.Int("total_papers", note.TotalPapers),
	)
	return note, nil
}

func (e *Exporter) objectPath(run, name string) string {
	prefix := strings.Trim(e.cfg.Prefix, "/")
	if prefix == "" {
		return run + "/" + name
	}
	return prefix + "/" + run + "/" + name
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}
