package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Papers.NIPS.cc/paper_files", "papers.nips.cc"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if papersTotal == nil || proceedingsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil || checkpointNextIndex == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserver(t *testing.T) {
	obs := NewObserver()
	proc := crawler.NewProceeding("https://papers.example/paper_files/paper/2019")

	fetched := testutil.ToFloat64(papersTotal.WithLabelValues("2019", "fetched"))
	failed := testutil.ToFloat64(papersTotal.WithLabelValues("2019", "failed"))
	committed := testutil.ToFloat64(proceedingsTotal.WithLabelValues("committed"))
	skipped := testutil.ToFloat64(proceedingsTotal.WithLabelValues("skipped"))
	saves := testutil.ToFloat64(checkpointSavesTotal)

	obs.PaperFetched(proc, 120*time.Millisecond)
	obs.PaperFetched(proc, 80*time.Millisecond)
	obs.PaperFailed(proc, errors.New("boom"))
	obs.ProceedingCommitted(proc, 2, 3*time.Second)
	obs.ProceedingSkipped(proc)
	obs.CheckpointSaved(crawler.CheckpointState{
		Proceedings:         []string{proc.URL, "b", "c"},
		NextProceedingIndex: 2,
		TotalPaperCount:     41,
	})

	if got := testutil.ToFloat64(papersTotal.WithLabelValues("2019", "fetched")) - fetched; got != 2 {
		t.Errorf("fetched delta = %v; want 2", got)
	}
	if got := testutil.ToFloat64(papersTotal.WithLabelValues("2019", "failed")) - failed; got != 1 {
		t.Errorf("failed delta = %v; want 1", got)
	}
	if got := testutil.ToFloat64(proceedingsTotal.WithLabelValues("committed")) - committed; got != 1 {
		t.Errorf("committed delta = %v; want 1", got)
	}
	if got := testutil.ToFloat64(proceedingsTotal.WithLabelValues("skipped")) - skipped; got != 1 {
		t.Errorf("skipped delta = %v; want 1", got)
	}
	if got := testutil.ToFloat64(checkpointSavesTotal) - saves; got != 1 {
		t.Errorf("checkpoint saves delta = %v; want 1", got)
	}
	if got := testutil.ToFloat64(checkpointNextIndex); got != 2 {
		t.Errorf("next index gauge = %v; want 2", got)
	}
	if got := testutil.ToFloat64(checkpointTotalPapers); got != 41 {
		t.Errorf("total papers gauge = %v; want 41", got)
	}
}

func TestObserveRateLimitDelay(t *testing.T) {
	Init()
	ObserveRateLimitDelay("Papers.Example", 250*time.Millisecond)
	if n := testutil.CollectAndCount(crawlerRateLimitDelaysSeconds); n < 1 {
		t.Errorf("expected a rate limit series, got %d", n)
	}
}

func TestObserveRobotsFallback(t *testing.T) {
	counter := func() float64 {
		Init()
		return testutil.ToFloat64(robotsFallbacksTotal.WithLabelValues("papers.example", "timeout"))
	}
	before := counter()
	ObserveRobotsFallback("https://Papers.Example/robots.txt", "timeout")
	if got := counter() - before; got != 1 {
		t.Errorf("expected one fallback, got %v", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://papers.example", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
