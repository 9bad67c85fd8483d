// Package pipeline drives a crawl run: proceeding discovery, the proceeding
// and paper loops, and the checkpoint updates that make a run resumable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
	"github.com/JakeFAU/proceedings-crawler/internal/runstore"
)

// Defaults applied when Config leaves a value unset.
const (
	DefaultCheckpointInterval = 100
	DefaultProgressInterval   = 10
)

// Config controls pipeline behavior.
type Config struct {
	RootURL string
	// MaxProceedings caps how many proceedings this invocation processes. 0 means all.
	MaxProceedings int
	// CheckpointInterval is the number of papers between intra-proceeding checkpoints.
	CheckpointInterval int
	// ProgressInterval is the number of papers between progress log lines.
	ProgressInterval int
	// Workers > 1 crawls proceedings concurrently.
	Workers int
}

// Dependencies are the collaborators a Pipeline drives. Fetcher, Extractor,
// and Clock are required.
type Dependencies struct {
	Fetcher   crawler.Fetcher
	Extractor crawler.Extractor
	Pacer     crawler.Pacer
	Retry     crawler.RetryPolicy
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Mirror    crawler.RecordMirror
	Observer  crawler.Observer
}

// Pipeline is the crawl orchestrator. It is the only writer of the
// CheckpointState it is handed.
type Pipeline struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	mu          sync.RWMutex
	snapshot    crawler.CheckpointState
	hasSnapshot bool
}

// New validates the configuration and builds a Pipeline.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Pipeline, error) {
	if cfg.RootURL == "" {
		return nil, errors.New("root url is required")
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Clock == nil {
		return nil, errors.New("fetcher, extractor, and clock are required")
	}
	if cfg.MaxProceedings < 0 {
		return nil, fmt.Errorf("max proceedings must be >= 0, got %d", cfg.MaxProceedings)
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if deps.Pacer == nil {
		deps.Pacer = noPacer{}
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NoRetry{}
	}
	if deps.Observer == nil {
		deps.Observer = crawler.NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}, nil
}

// run is the mutable state of one invocation.
type run struct {
	store   *runstore.Store
	state   crawler.CheckpointState
	shards  map[int][]crawler.PaperRecord
	started time.Time

	fetched atomic.Int64
	failed  atomic.Int64

	processed int
	skipped   int
	abandoned int
}

// cumulative concatenates committed shards in proceeding order.
func (r *run) cumulative() []crawler.PaperRecord {
	var out []crawler.PaperRecord
	for i := range r.state.Proceedings {
		out = append(out, r.shards[i]...)
	}
	return out
}

func (r *run) committedCount() int {
	n := 0
	for _, recs := range r.shards {
		n += len(recs)
	}
	return n
}

// Run crawls the selected run until every proceeding is committed, the
// MaxProceedings cap is reached, or ctx is canceled. Per-paper and
// per-proceeding failures are logged and absorbed; only storage failures and
// cancellation are returned.
func (p *Pipeline) Run(ctx context.Context, sel runstore.Selection) (crawler.RunSummary, error) {
	if sel.Store == nil {
		return crawler.RunSummary{}, errors.New("selection has no run store")
	}
	r := &run{
		store:   sel.Store,
		state:   sel.State,
		shards:  make(map[int][]crawler.PaperRecord),
		started: p.deps.Clock.Now(),
	}
	if p.deps.IDs != nil {
		if id, err := p.deps.IDs.NewID(); err == nil {
			r.state.RunID = id
		} else {
			p.logger.Warn("generate run id failed", zap.Error(err))
		}
	}

	if !r.state.IsDiscovered() && !r.state.Completed {
		if err := p.discover(ctx, r); err != nil {
			return p.summarize(r), err
		}
	} else if err := p.restore(r, sel.Records); err != nil {
		return p.summarize(r), err
	}
	p.publish(r.state)

	indexes := r.state.Remaining(p.cfg.MaxProceedings)
	switch {
	case len(indexes) == 0 && r.state.Completed:
		p.logger.Info("all proceedings already processed", zap.String("run", r.store.Name()))
	case p.cfg.MaxProceedings > 0:
		p.logger.Info("proceedings scheduled",
			zap.Int("count", len(indexes)),
			zap.Int("max", p.cfg.MaxProceedings),
			zap.Int("total", len(r.state.Proceedings)),
		)
	default:
		p.logger.Info("proceedings scheduled", zap.Int("count", len(indexes)), zap.Int("total", len(r.state.Proceedings)))
	}

	var err error
	if p.cfg.Workers > 1 {
		err = p.runParallel(ctx, r, indexes)
	} else {
		err = p.runSequential(ctx, r, indexes)
	}

	summary := p.summarize(r)
	p.logger.Info("crawl finished",
		zap.String("run", r.store.Name()),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Int("total_papers", summary.TotalPapers),
		zap.Int("papers_fetched", summary.PapersFetched),
		zap.Int("papers_failed", summary.PapersFailed),
		zap.Float64("papers_per_sec", summary.Rate()),
		zap.Bool("completed", summary.Completed),
		zap.String("dir", r.store.Dir()),
	)
	return summary, err
}

// Checkpoint returns the most recently persisted checkpoint of the active run.
func (p *Pipeline) Checkpoint() (crawler.CheckpointState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot, p.hasSnapshot
}

func (p *Pipeline) runSequential(ctx context.Context, r *run, indexes []int) error {
	for _, idx := range indexes {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl interrupted: %w", err)
		}
		res := p.prepare(r, idx)
		if !res.adopted {
			p.logger.Info("processing proceeding",
				zap.Int("position", idx+1),
				zap.Int("total", len(r.state.Proceedings)),
				zap.String("url", res.proc.URL),
			)
			res = p.crawlProceeding(ctx, r, res.job, p.intraCheckpoint(r, res.job))
		}
		if res.err != nil {
			if isCanceled(res.err) {
				p.saveInterrupted(r, res)
				return fmt.Errorf("crawl interrupted: %w", res.err)
			}
			p.abandon(r, res)
			continue
		}
		if err := p.commit(ctx, r, res); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) summarize(r *run) crawler.RunSummary {
	return crawler.RunSummary{
		RunID:                r.state.RunID,
		RunDir:               r.store.Dir(),
		ProceedingsProcessed: r.processed,
		ProceedingsSkipped:   r.skipped,
		ProceedingsFailed:    r.abandoned,
		PapersFetched:        int(r.fetched.Load()),
		PapersFailed:         int(r.failed.Load()),
		TotalPapers:          r.state.TotalPaperCount,
		Completed:            r.state.Completed,
		Elapsed:              p.deps.Clock.Now().Sub(r.started),
	}
}

func (p *Pipeline) saveCheckpoint(r *run) error {
	if err := r.store.SaveCheckpoint(r.state); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	p.publish(r.state)
	p.deps.Observer.CheckpointSaved(r.state)
	return nil
}

func (p *Pipeline) publish(state crawler.CheckpointState) {
	cp := state
	cp.Proceedings = slices.Clone(state.Proceedings)
	cp.Statuses = maps.Clone(state.Statuses)
	cp.ShardDigests = maps.Clone(state.ShardDigests)
	if state.CompletionTime != nil {
		t := *state.CompletionTime
		cp.CompletionTime = &t
	}
	if state.CurrentProceedingPaperIndex != nil {
		n := *state.CurrentProceedingPaperIndex
		cp.CurrentProceedingPaperIndex = &n
	}
	p.mu.Lock()
	p.snapshot = cp
	p.hasSnapshot = true
	p.mu.Unlock()
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type noPacer struct{}

func (noPacer) Wait(context.Context, string) error { return nil }
