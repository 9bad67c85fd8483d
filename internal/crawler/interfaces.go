package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs a single retrieval of a URL. It does not retry.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Extractor turns page content into child links or a paper record.
type Extractor interface {
	// Links returns the ordered child links of an archive root or proceeding index page.
	Links(kind PageKind, pageURL string, body []byte) ([]string, error)
	// Paper extracts a record from a paper detail page. Missing fields are
	// reported as absent rather than as an error.
	Paper(pageURL string, body []byte) (PaperRecord, error)
}

// Pacer enforces the politeness gap before each fetch.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether a failed fetch should be attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces invocation IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for shard integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BlobStore writes exported artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordMirror receives every committed proceeding's records.
type RecordMirror interface {
	StoreRecords(ctx context.Context, records []PaperRecord) error
}

// Observer receives crawl progress notifications.
type Observer interface {
	PaperFetched(proceeding Proceeding, dur time.Duration)
	PaperFailed(proceeding Proceeding, err error)
	ProceedingCommitted(proceeding Proceeding, papers int, dur time.Duration)
	ProceedingSkipped(proceeding Proceeding)
	CheckpointSaved(state CheckpointState)
}

// NopObserver ignores every notification.
type NopObserver struct{}

// PaperFetched implements Observer.
func (NopObserver) PaperFetched(Proceeding, time.Duration) {}

// PaperFailed implements Observer.
func (NopObserver) PaperFailed(Proceeding, error) {}

// ProceedingCommitted implements Observer.
func (NopObserver) ProceedingCommitted(Proceeding, int, time.Duration) {}

// ProceedingSkipped implements Observer.
func (NopObserver) ProceedingSkipped(Proceeding) {}

// CheckpointSaved implements Observer.
func (NopObserver) CheckpointSaved(CheckpointState) {}
