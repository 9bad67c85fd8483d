package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runParallel crawls proceedings on cfg.Workers goroutines. Workers only
// fetch; this goroutine commits results strictly in index order, so the
// checkpoint cursor only ever covers fully committed proceedings. The first
// fatal commit stops every worker.
func (p *Pipeline) runParallel(ctx context.Context, r *run, indexes []int) error {
	ready := make(map[int]result, len(indexes))
	var pending []job
	for _, idx := range indexes {
		res := p.prepare(r, idx)
		if res.adopted {
			ready[idx] = res
			continue
		}
		pending = append(pending, res.job)
	}

	workCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(workCtx)
	g.SetLimit(p.cfg.Workers)

	results := make(chan result, len(pending))
	go func() {
		for _, j := range pending {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				p.logger.Info("processing proceeding", zap.Int("position", j.index+1), zap.String("url", j.proc.URL))
				results <- p.crawlProceeding(gctx, r, j, nil)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var fatal error
	var interrupted []result
	next := 0
	drain := func() {
		for next < len(indexes) {
			res, ok := ready[indexes[next]]
			if !ok {
				return
			}
			delete(ready, indexes[next])
			next++
			switch {
			case fatal != nil:
			case res.err != nil && isCanceled(res.err):
				interrupted = append(interrupted, res)
			case res.err != nil:
				p.abandon(r, res)
			default:
				if err := p.commit(ctx, r, res); err != nil {
					fatal = err
					stop()
				}
			}
		}
	}
	drain()
	for res := range results {
		ready[res.index] = res
		drain()
	}

	if fatal != nil {
		return fatal
	}
	if err := ctx.Err(); err != nil {
		p.saveInterruptedParallel(r, interrupted)
		return fmt.Errorf("crawl interrupted: %w", err)
	}
	if next != len(indexes) {
		return errors.New("parallel crawl ended with uncommitted proceedings")
	}
	return nil
}

// saveInterruptedParallel keeps the records canceled workers had gathered.
// The checkpoint holds a single paper cursor, so it goes to the first
// interrupted proceeding with progress; the others keep only their partial
// shard, which resumeIndex reads back on the next run.
func (p *Pipeline) saveInterruptedParallel(r *run, interrupted []result) {
	holder := r.state.InProgressIndex()
	for _, res := range interrupted {
		if res.nextRef == 0 && len(res.records) == 0 {
			continue
		}
		if holder == -1 || holder == res.index {
			p.saveInterrupted(r, res)
			holder = res.index
			continue
		}
		if err := r.store.WritePartialShard(res.proc, res.records); err != nil {
			p.logger.Error("save interrupted proceeding failed", zap.String("year", res.proc.Year), zap.Error(err))
			continue
		}
		p.logger.Info("crawl interrupted; partial records saved",
			zap.String("year", res.proc.Year),
			zap.Int("records", len(res.records)),
		)
	}
}
