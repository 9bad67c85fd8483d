package pipeline

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

// discover fetches the archive root once and fixes the proceeding list for
// the rest of the run.
func (p *Pipeline) discover(ctx context.Context, r *run) error {
	begin := p.deps.Clock.Now()
	resp, err := p.fetch(ctx, p.cfg.RootURL)
	if err != nil {
		return fmt.Errorf("discover proceedings: %w", err)
	}
	urls, err := p.deps.Extractor.Links(crawler.PageArchiveRoot, p.cfg.RootURL, resp.Body)
	if err != nil {
		return fmt.Errorf("discover proceedings: %w", err)
	}
	if len(urls) == 0 {
		p.logger.Warn("archive root listed no proceedings", zap.String("url", p.cfg.RootURL))
	}
	now := p.deps.Clock.Now()
	p.logger.Info("collected proceedings",
		zap.Int("count", len(urls)),
		zap.Duration("elapsed", now.Sub(begin)),
	)

	runID := r.state.RunID
	r.state = crawler.NewCheckpointState(urls, now)
	r.state.RunID = runID
	if err := r.store.SaveProceedingList(urls); err != nil {
		return fmt.Errorf("save proceeding list: %w", err)
	}
	return p.saveCheckpoint(r)
}

// restore loads every committed shard of a resumed run, re-opens proceedings
// whose shard fails verification, and reconciles the cumulative file and
// paper counter with what is actually on disk.
func (p *Pipeline) restore(r *run, loaded []crawler.PaperRecord) error {
	now := p.deps.Clock.Now()
	dirty := false
	for i, url := range r.state.Proceedings {
		if !r.state.IsComplete(i) {
			continue
		}
		proc := crawler.NewProceeding(url)
		if err := r.store.VerifyShard(proc, r.state.ShardDigests[url]); err != nil {
			p.logger.Warn("committed shard failed verification; proceeding will be re-crawled",
				zap.String("shard", proc.ShardName()),
				zap.Error(err),
			)
			if rmErr := r.store.RemoveShard(proc); rmErr != nil {
				return fmt.Errorf("discard corrupt shard: %w", rmErr)
			}
			r.state.Reopen(i, now)
			dirty = true
			continue
		}
		records, err := r.store.ReadShard(proc)
		if err != nil {
			return fmt.Errorf("load committed shard: %w", err)
		}
		r.shards[i] = records
	}

	cumulative := r.cumulative()
	if !slices.Equal(cumulative, loaded) || !r.store.CumulativeExists() {
		p.logger.Warn("cumulative file missing or out of step with committed shards; rewriting",
			zap.Int("loaded", len(loaded)),
			zap.Int("committed", len(cumulative)),
		)
		if err := r.store.WriteCumulative(cumulative); err != nil {
			return err
		}
	}

	expected := len(cumulative) + p.partialCount(r)
	if r.state.TotalPaperCount != expected {
		p.logger.Warn("total paper count reconciled with committed records",
			zap.Int("checkpoint", r.state.TotalPaperCount),
			zap.Int("records", expected),
		)
		r.state.TotalPaperCount = expected
		dirty = true
	}
	if r.state.Normalize(now) {
		p.logger.Info("every proceeding already committed; marking run completed",
			zap.Int("proceedings", len(r.state.Proceedings)),
		)
		dirty = true
	}
	if err := p.syncProceedingList(r); err != nil {
		return err
	}
	if dirty {
		r.state.LastUpdate = now
		return p.saveCheckpoint(r)
	}
	return nil
}

// syncProceedingList rewrites proceedings.txt when it is missing or disagrees
// with the checkpoint, which stays the source of truth for proceeding order.
func (p *Pipeline) syncProceedingList(r *run) error {
	list, err := r.store.LoadProceedingList()
	if err == nil && slices.Equal(list, r.state.Proceedings) {
		return nil
	}
	if err != nil {
		p.logger.Warn("proceeding list unreadable; rewriting from checkpoint", zap.Error(err))
	} else {
		p.logger.Warn("proceeding list disagrees with checkpoint; rewriting",
			zap.Int("listed", len(list)),
			zap.Int("checkpoint", len(r.state.Proceedings)),
		)
	}
	if err := r.store.SaveProceedingList(r.state.Proceedings); err != nil {
		return fmt.Errorf("save proceeding list: %w", err)
	}
	return nil
}

// partialCount returns the rows held in the partial shard of the proceeding
// the last intra-proceeding checkpoint was taken in.
func (p *Pipeline) partialCount(r *run) int {
	for _, idx := range r.state.Remaining(0) {
		if r.state.StatusOf(r.state.Proceedings[idx]) != crawler.StatusInProgress && r.state.ResumePaperIndex(idx) == 0 {
			continue
		}
		records, err := r.store.ReadPartialShard(crawler.NewProceeding(r.state.Proceedings[idx]))
		if err != nil {
			return 0
		}
		return len(records)
	}
	return 0
}
