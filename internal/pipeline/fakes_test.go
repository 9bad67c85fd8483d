package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
	"github.com/JakeFAU/proceedings-crawler/internal/hash/sha256"
	"github.com/JakeFAU/proceedings-crawler/internal/runstore"
)

const rootURL = "https://x.test/"

func proceedingURL(year string) string {
	return "https://x.test/paper/" + year
}

func paperURL(year string, i int) string {
	return fmt.Sprintf("%s/p%d", proceedingURL(year), i)
}

// fakeSite serves a three-level archive from memory. Link pages are
// whitespace-separated URLs; paper pages are "title|authors|abstract".
type fakeSite struct {
	mu     sync.Mutex
	pages  map[string]string
	fail   map[string]int
	hits   map[string]int
	before func(url string)
	// hold stalls matching fetches until the fetch context ends, standing in
	// for a slow page. A stalled fetch gives up after holdTimeout.
	hold func(url string) bool
}

const holdTimeout = 3 * time.Second

func newFakeSite(papersPerYear map[string]int, years ...string) *fakeSite {
	s := &fakeSite{
		pages: make(map[string]string),
		fail:  make(map[string]int),
		hits:  make(map[string]int),
	}
	var root []string
	for _, year := range years {
		root = append(root, proceedingURL(year))
		var refs []string
		for i := 0; i < papersPerYear[year]; i++ {
			u := paperURL(year, i)
			refs = append(refs, u)
			s.pages[u] = fmt.Sprintf("Paper %s-%d|Author %d|Abstract %d", year, i, i, i)
		}
		s.pages[proceedingURL(year)] = strings.Join(refs, "\n")
	}
	s.pages[rootURL] = strings.Join(root, "\n")
	return s
}

// failAlways makes url return 404 until cleared.
func (s *fakeSite) failAlways(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[url] = -1
}

// failTimes makes url return 503 for the next n fetches.
func (s *fakeSite) failTimes(url string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[url] = n
}

func (s *fakeSite) clearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = make(map[string]int)
}

func (s *fakeSite) hitCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[url]
}

func (s *fakeSite) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.hits {
		n += h
	}
	return n
}

func (s *fakeSite) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	if s.before != nil {
		s.before(url)
	}
	if s.hold != nil && s.hold(url) {
		select {
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		case <-time.After(holdTimeout):
		}
	}
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[url]++
	if n, ok := s.fail[url]; ok && n != 0 {
		if n > 0 {
			s.fail[url] = n - 1
			return crawler.FetchResponse{}, &crawler.StatusError{URL: url, StatusCode: http.StatusServiceUnavailable}
		}
		return crawler.FetchResponse{}, &crawler.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	body, ok := s.pages[url]
	if !ok {
		return crawler.FetchResponse{}, &crawler.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return crawler.FetchResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(body), Duration: time.Millisecond}, nil
}

type lineExtractor struct{}

func (lineExtractor) Links(_ crawler.PageKind, _ string, body []byte) ([]string, error) {
	return strings.Fields(string(body)), nil
}

func (lineExtractor) Paper(_ string, body []byte) (crawler.PaperRecord, error) {
	parts := strings.SplitN(string(body), "|", 3)
	if len(parts) != 3 {
		return crawler.PaperRecord{}, errors.New("malformed paper page")
	}
	rec := crawler.PaperRecord{
		Title:    crawler.Present(parts[0]),
		Authors:  crawler.Present(parts[1]),
		Abstract: crawler.Absent(),
	}
	if parts[2] != "" {
		rec.Abstract = crawler.Present(parts[2])
	}
	return rec, nil
}

// expectedRecord is what the pipeline produces for paper i of year.
func expectedRecord(year string, i int) crawler.PaperRecord {
	rec := crawler.PaperRecord{
		Title:    crawler.Present(fmt.Sprintf("Paper %s-%d", year, i)),
		Authors:  crawler.Present(fmt.Sprintf("Author %d", i)),
		Abstract: crawler.Present(fmt.Sprintf("Abstract %d", i)),
	}
	return rec.WithProvenance(crawler.NewProceeding(proceedingURL(year)), paperURL(year, i))
}

func expectedRecords(year string, n int) []crawler.PaperRecord {
	out := make([]crawler.PaperRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, expectedRecord(year, i))
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context, _ string) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return ctx.Err()
}

type recordingObserver struct {
	crawler.NopObserver
	mu          sync.Mutex
	cursors     []int
	committed   []string
	skipped     []string
	paperErrors int
}

func (o *recordingObserver) CheckpointSaved(state crawler.CheckpointState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursors = append(o.cursors, state.NextProceedingIndex)
}

func (o *recordingObserver) ProceedingCommitted(p crawler.Proceeding, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, p.Year)
}

func (o *recordingObserver) ProceedingSkipped(p crawler.Proceeding) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped = append(o.skipped, p.Year)
}

func (o *recordingObserver) PaperFailed(crawler.Proceeding, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paperErrors++
}

type recordingMirror struct {
	mu      sync.Mutex
	batches [][]crawler.PaperRecord
}

func (m *recordingMirror) StoreRecords(_ context.Context, records []crawler.PaperRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, records)
	return nil
}

// harness wires a pipeline against a fake site and a temporary output directory.
type harness struct {
	t      *testing.T
	out    string
	site   *fakeSite
	clock  *fakeClock
	pacer  *countingPacer
	obs    *recordingObserver
	mirror *recordingMirror
	retry  crawler.RetryPolicy
}

func newHarness(t *testing.T, site *fakeSite) *harness {
	t.Helper()
	return &harness{
		t:      t,
		out:    t.TempDir(),
		site:   site,
		clock:  &fakeClock{now: time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)},
		pacer:  &countingPacer{},
		obs:    &recordingObserver{},
		mirror: &recordingMirror{},
	}
}

func (h *harness) selector() *runstore.Selector {
	return runstore.NewSelector(h.out, h.clock, sha256.New(), nil)
}

func (h *harness) pipeline(cfg Config) *Pipeline {
	h.t.Helper()
	cfg.RootURL = rootURL
	p, err := New(cfg, Dependencies{
		Fetcher:   h.site,
		Extractor: lineExtractor{},
		Pacer:     h.pacer,
		Retry:     h.retry,
		Clock:     h.clock,
		Mirror:    h.mirror,
		Observer:  h.obs,
	}, zap.NewNop())
	require.NoError(h.t, err)
	return p
}

func (h *harness) run(ctx context.Context, req runstore.Request, cfg Config) (crawler.RunSummary, *runstore.Store, error) {
	h.t.Helper()
	sel, err := h.selector().Select(req)
	require.NoError(h.t, err)
	summary, err := h.pipeline(cfg).Run(ctx, sel)
	return summary, sel.Store, err
}

func mustCheckpoint(t *testing.T, store *runstore.Store) crawler.CheckpointState {
	t.Helper()
	state, err := store.LoadCheckpoint()
	require.NoError(t, err)
	return state
}

func mustShard(t *testing.T, store *runstore.Store, year string) []crawler.PaperRecord {
	t.Helper()
	records, err := store.ReadShard(crawler.NewProceeding(proceedingURL(year)))
	require.NoError(t, err)
	return records
}

func mustCumulative(t *testing.T, store *runstore.Store) []crawler.PaperRecord {
	t.Helper()
	records, err := store.ReadCumulative()
	require.NoError(t, err)
	return records
}
