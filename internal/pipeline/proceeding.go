package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

// job is one proceeding scheduled for crawling, seeded with any records
// recovered from a previous intra-proceeding checkpoint.
type job struct {
	index    int
	proc     crawler.Proceeding
	startRef int
	records  []crawler.PaperRecord
}

// result is the outcome of crawling or adopting one proceeding.
type result struct {
	job
	// nextRef is the number of paper refs consumed so far.
	nextRef int
	refs    int
	digest  string
	adopted bool
	elapsed time.Duration
	err     error
}

// prepare decides how proceeding idx will be handled. A shard already on disk
// is adopted without fetching when it parses; otherwise any partial shard is
// loaded so the paper loop can pick up where it stopped.
func (p *Pipeline) prepare(r *run, idx int) result {
	proc := crawler.NewProceeding(r.state.Proceedings[idx])
	j := job{index: idx, proc: proc}

	if r.store.ShardExists(proc) {
		records, digest, err := p.adoptShard(r, proc)
		if err == nil {
			p.logger.Info("proceeding already processed; skipping", zap.String("year", proc.Year))
			return result{job: job{index: idx, proc: proc, records: records}, digest: digest, adopted: true}
		}
		p.logger.Warn("discarding unreadable shard", zap.String("shard", proc.ShardName()), zap.Error(err))
		if rmErr := r.store.RemoveShard(proc); rmErr != nil {
			p.logger.Error("remove unreadable shard failed", zap.Error(rmErr))
		}
	}

	if r.store.PartialShardExists(proc) {
		records, err := r.store.ReadPartialShard(proc)
		if err != nil {
			p.logger.Warn("discarding unreadable partial shard", zap.String("shard", proc.ShardName()), zap.Error(err))
		} else {
			j.records = records
			j.startRef = r.state.ResumePaperIndex(idx)
			p.logger.Info("resuming proceeding",
				zap.String("year", proc.Year),
				zap.Int("paper_index", j.startRef),
				zap.Int("records", len(records)),
			)
		}
	}
	return result{job: j, nextRef: j.startRef}
}

func (p *Pipeline) adoptShard(r *run, proc crawler.Proceeding) ([]crawler.PaperRecord, string, error) {
	if recorded := r.state.ShardDigests[proc.URL]; recorded != "" {
		if err := r.store.VerifyShard(proc, recorded); err != nil {
			return nil, "", err
		}
	}
	records, err := r.store.ReadShard(proc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", crawler.ErrCorruptShard, err)
	}
	digest, err := r.store.ShardDigest(proc)
	if err != nil {
		return nil, "", err
	}
	return records, digest, nil
}

// checkpointFunc persists an intra-proceeding checkpoint after nextRef refs.
type checkpointFunc func(nextRef int, records []crawler.PaperRecord)

// crawlProceeding fetches the paper list of j.proc and every paper from
// j.startRef on. It touches no run state besides the atomic counters, so
// workers may call it concurrently.
func (p *Pipeline) crawlProceeding(ctx context.Context, r *run, j job, checkpoint checkpointFunc) result {
	begin := time.Now()
	res := result{job: j, nextRef: j.startRef}
	res.records = append([]crawler.PaperRecord(nil), j.records...)

	resp, err := p.fetch(ctx, j.proc.URL)
	if err != nil {
		res.err = fmt.Errorf("fetch proceeding index: %w", err)
		return res
	}
	refs, err := p.deps.Extractor.Links(crawler.PageProceedingIndex, j.proc.URL, resp.Body)
	if err != nil {
		res.err = fmt.Errorf("extract paper links: %w", err)
		return res
	}
	res.refs = len(refs)
	p.logger.Info("found papers in proceeding", zap.String("year", j.proc.Year), zap.Int("papers", len(refs)))

	start := resumeIndex(j, refs)
	res.nextRef = start
	for i := start; i < len(refs); i++ {
		ref := crawler.PaperRef{URL: refs[i], Index: i}
		rec, ok, err := p.crawlPaper(ctx, r, j.proc, ref)
		if err != nil {
			res.err = err
			res.elapsed = time.Since(begin)
			return res
		}
		if ok {
			res.records = append(res.records, rec)
		}
		res.nextRef = i + 1

		if res.nextRef%p.cfg.ProgressInterval == 0 {
			p.logger.Info("progress",
				zap.String("year", j.proc.Year),
				zap.Int("papers_done", res.nextRef),
				zap.Int("papers_total", len(refs)),
				zap.Int64("fetched_this_run", r.fetched.Load()),
				zap.Float64("papers_per_sec", rate(int64(res.nextRef-start), time.Since(begin))),
			)
		}
		if checkpoint != nil && res.nextRef%p.cfg.CheckpointInterval == 0 && res.nextRef < len(refs) {
			checkpoint(res.nextRef, res.records)
		}
	}
	res.elapsed = time.Since(begin)
	return res
}

// resumeIndex picks the first ref to fetch. It trusts the recovered records
// over the checkpoint cursor, since the partial shard is written first.
func resumeIndex(j job, refs []string) int {
	start := j.startRef
	if len(j.records) > 0 {
		pos := make(map[string]int, len(refs))
		for i, u := range refs {
			pos[u] = i
		}
		for _, rec := range j.records {
			if i, ok := pos[rec.URL]; ok && i+1 > start {
				start = i + 1
			}
		}
	}
	if start > len(refs) {
		start = len(refs)
	}
	return start
}

// crawlPaper fetches and extracts one paper. A failed paper is logged and
// reported as !ok; only cancellation is returned as an error.
func (p *Pipeline) crawlPaper(
	ctx context.Context,
	r *run,
	proc crawler.Proceeding,
	ref crawler.PaperRef,
) (crawler.PaperRecord, bool, error) {
	resp, err := p.fetch(ctx, ref.URL)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.PaperRecord{}, false, fmt.Errorf("fetch paper: %w", ctx.Err())
		}
		p.paperFailed(r, proc, ref, err)
		return crawler.PaperRecord{}, false, nil
	}
	rec, err := p.deps.Extractor.Paper(ref.URL, resp.Body)
	if err != nil {
		p.paperFailed(r, proc, ref, err)
		return crawler.PaperRecord{}, false, nil
	}
	rec = rec.WithProvenance(proc, ref.URL)
	r.fetched.Add(1)
	p.deps.Observer.PaperFetched(proc, resp.Duration)
	if missing := rec.MissingFields(); len(missing) > 0 {
		p.logger.Debug("paper has missing fields", zap.String("url", ref.URL), zap.Strings("missing", missing))
	}
	return rec, true, nil
}

func (p *Pipeline) paperFailed(r *run, proc crawler.Proceeding, ref crawler.PaperRef, err error) {
	r.failed.Add(1)
	p.deps.Observer.PaperFailed(proc, err)
	p.logger.Warn("paper skipped",
		zap.String("year", proc.Year),
		zap.Int("index", ref.Index),
		zap.String("url", ref.URL),
		zap.Error(err),
	)
}

// commit persists a finished proceeding: shard, cumulative file, mirror, and
// finally the checkpoint that marks it complete.
func (p *Pipeline) commit(ctx context.Context, r *run, res result) error {
	digest := res.digest
	if !res.adopted {
		var err error
		digest, err = r.store.WriteShard(res.proc, res.records)
		if err != nil {
			return err
		}
	}
	r.shards[res.index] = res.records
	if err := r.store.WriteCumulative(r.cumulative()); err != nil {
		return err
	}
	if err := r.store.RemovePartialShard(res.proc); err != nil {
		p.logger.Warn("remove partial shard failed", zap.Error(err))
	}
	if p.deps.Mirror != nil && len(res.records) > 0 {
		if err := p.deps.Mirror.StoreRecords(context.WithoutCancel(ctx), res.records); err != nil {
			p.logger.Warn("mirror records failed", zap.String("year", res.proc.Year), zap.Error(err))
		}
	}

	r.state.Advance(res.index, digest, p.deps.Clock.Now())
	r.state.TotalPaperCount = r.committedCount()
	if err := p.saveCheckpoint(r); err != nil {
		return err
	}

	if res.adopted {
		r.skipped++
		p.deps.Observer.ProceedingSkipped(res.proc)
		return nil
	}
	r.processed++
	p.deps.Observer.ProceedingCommitted(res.proc, len(res.records), res.elapsed)
	p.logger.Info("completed proceeding",
		zap.String("year", res.proc.Year),
		zap.Int("papers", len(res.records)),
		zap.Int("refs", res.refs),
		zap.Duration("elapsed", res.elapsed),
		zap.Float64("papers_per_sec", rate(int64(res.refs), res.elapsed)),
		zap.Int("total_papers", r.state.TotalPaperCount),
	)
	return nil
}

// intraCheckpoint returns the callback that persists the partial shard and
// the paper cursor of j in sequential mode.
func (p *Pipeline) intraCheckpoint(r *run, j job) checkpointFunc {
	return func(nextRef int, records []crawler.PaperRecord) {
		if err := p.persistPartial(r, j, nextRef, records); err != nil {
			p.logger.Error("intra-proceeding checkpoint failed", zap.String("year", j.proc.Year), zap.Error(err))
		}
	}
}

func (p *Pipeline) persistPartial(r *run, j job, nextRef int, records []crawler.PaperRecord) error {
	if err := r.store.WritePartialShard(j.proc, records); err != nil {
		return err
	}
	r.state.MarkInProgress(j.index, nextRef, p.deps.Clock.Now())
	r.state.TotalPaperCount = r.committedCount() + len(records)
	return p.saveCheckpoint(r)
}

// saveInterrupted records how far a canceled proceeding got so a resume
// continues from there.
func (p *Pipeline) saveInterrupted(r *run, res result) {
	if res.nextRef == 0 && len(res.records) == 0 {
		return
	}
	if err := p.persistPartial(r, res.job, res.nextRef, res.records); err != nil {
		p.logger.Error("save interrupted proceeding failed", zap.String("year", res.proc.Year), zap.Error(err))
		return
	}
	p.logger.Info("crawl interrupted; progress saved",
		zap.String("year", res.proc.Year),
		zap.Int("paper_index", res.nextRef),
		zap.Int("records", len(res.records)),
	)
}

// abandon leaves a proceeding uncommitted after its index page could not be
// read. The cursor stays on it so the next resume retries it.
func (p *Pipeline) abandon(r *run, res result) {
	r.abandoned++
	p.logger.Error("proceeding failed; it will be retried on resume",
		zap.String("year", res.proc.Year),
		zap.String("url", res.proc.URL),
		zap.Error(res.err),
	)
}

func rate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}
