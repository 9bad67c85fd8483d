package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ProceedingStatus represents the lifecycle state of one proceeding within a run.
type ProceedingStatus string

// Proceeding status values persisted in the checkpoint.
const (
	StatusPending    ProceedingStatus = "pending"
	StatusInProgress ProceedingStatus = "in_progress"
	StatusComplete   ProceedingStatus = "complete"
)

// PageKind selects the extraction rules applied to a page.
type PageKind string

// Page kinds understood by an Extractor.
const (
	PageArchiveRoot     PageKind = "archive_root"
	PageProceedingIndex PageKind = "proceeding_index"
	PagePaperDetail     PageKind = "paper_detail"
)

// Proceeding is one yearly archive page.
type Proceeding struct {
	URL  string
	Year string
}

// NewProceeding derives the year from the final path segment of rawURL.
func NewProceeding(rawURL string) Proceeding {
	return Proceeding{URL: rawURL, Year: YearFromURL(rawURL)}
}

// ShardName is the file stem used for this proceeding's shard.
func (p Proceeding) ShardName() string {
	return "proceeding_" + p.Year
}

// YearFromURL returns the last non-empty path segment of rawURL.
func YearFromURL(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		path = path[idx+1:]
	}
	if path == "" {
		return "unknown"
	}
	return path
}

// PaperRef is a paper URL discovered under a proceeding.
type PaperRef struct {
	URL   string
	Index int
}

// Field is an extracted value that may be absent from the source page.
type Field struct {
	Value   string
	Present bool
}

// Present wraps a found value.
func Present(v string) Field {
	return Field{Value: v, Present: true}
}

// Absent marks a field the extractor could not locate.
func Absent() Field {
	return Field{}
}

// String returns the value, or "" when absent.
func (f Field) String() string {
	return f.Value
}

// PaperRecord is the extracted result for one paper plus crawl provenance.
type PaperRecord struct {
	Title      Field
	Authors    Field
	Abstract   Field
	Proceeding string
	URL        string
	Year       string
}

// Record field names, in CSV column order.
const (
	FieldTitle    = "title"
	FieldAuthors  = "authors"
	FieldAbstract = "abstract"
)

// MissingFields lists the extracted fields that were not found.
func (r PaperRecord) MissingFields() []string {
	var out []string
	if !r.Title.Present {
		out = append(out, FieldTitle)
	}
	if !r.Authors.Present {
		out = append(out, FieldAuthors)
	}
	if !r.Abstract.Present {
		out = append(out, FieldAbstract)
	}
	return out
}

// WithProvenance stamps the proceeding and paper URL onto an extracted record.
func (r PaperRecord) WithProvenance(p Proceeding, paperURL string) PaperRecord {
	r.Proceeding = p.URL
	r.URL = paperURL
	r.Year = p.Year
	return r
}

// CheckpointState is the resumable cursor of a run.
type CheckpointState struct {
	RunID                       string                      `json:"run_id,omitempty"`
	Proceedings                 []string                    `json:"proceedings"`
	NextProceedingIndex         int                         `json:"next_proc_idx"`
	TotalPaperCount             int                         `json:"total_paper_count"`
	LastUpdate                  time.Time                   `json:"last_update"`
	Completed                   bool                        `json:"completed,omitempty"`
	CompletionTime              *time.Time                  `json:"completion_time,omitempty"`
	CurrentProceedingPaperIndex *int                        `json:"current_proc_paper_idx,omitempty"`
	Statuses                    map[string]ProceedingStatus `json:"proceeding_status,omitempty"`
	ShardDigests                map[string]string           `json:"shard_digests,omitempty"`
}

// NewCheckpointState seeds a cursor for a freshly discovered proceeding list.
func NewCheckpointState(proceedings []string, now time.Time) CheckpointState {
	state := CheckpointState{
		Proceedings:  append([]string(nil), proceedings...),
		LastUpdate:   now,
		Statuses:     make(map[string]ProceedingStatus, len(proceedings)),
		ShardDigests: make(map[string]string),
	}
	for _, p := range proceedings {
		state.Statuses[p] = StatusPending
	}
	state.Completed = len(proceedings) == 0
	return state
}

// Validate enforces the cursor invariants.
func (s CheckpointState) Validate() error {
	if s.NextProceedingIndex < 0 || s.NextProceedingIndex > len(s.Proceedings) {
		return fmt.Errorf("next_proc_idx %d out of range [0,%d]", s.NextProceedingIndex, len(s.Proceedings))
	}
	if s.TotalPaperCount < 0 {
		return fmt.Errorf("total_paper_count must be >= 0")
	}
	if s.Completed && s.NextProceedingIndex != len(s.Proceedings) {
		return fmt.Errorf("completed checkpoint has next_proc_idx %d, want %d", s.NextProceedingIndex, len(s.Proceedings))
	}
	if s.CurrentProceedingPaperIndex != nil && *s.CurrentProceedingPaperIndex < 0 {
		return fmt.Errorf("current_proc_paper_idx must be >= 0")
	}
	return nil
}

// IsDiscovered reports whether the proceeding list has been populated.
func (s CheckpointState) IsDiscovered() bool {
	return len(s.Proceedings) > 0
}

// IsComplete reports whether proceeding idx has been committed. Checkpoints
// written without statuses treat every index below the cursor as complete.
func (s CheckpointState) IsComplete(idx int) bool {
	if idx < 0 || idx >= len(s.Proceedings) {
		return false
	}
	switch s.StatusOf(s.Proceedings[idx]) {
	case StatusComplete:
		return true
	case "":
		return idx < s.NextProceedingIndex
	default:
		return false
	}
}

// Remaining returns the uncommitted indexes at or after the cursor, capped by
// limit when limit > 0.
func (s CheckpointState) Remaining(limit int) []int {
	var out []int
	for i := s.NextProceedingIndex; i < len(s.Proceedings); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		if s.IsComplete(i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// StatusOf returns the persisted status of a proceeding. Checkpoints written
// without statuses report "" so callers can fall back to shard existence.
func (s CheckpointState) StatusOf(proceedingURL string) ProceedingStatus {
	if s.Statuses == nil {
		return ""
	}
	return s.Statuses[proceedingURL]
}

// SetStatus records a proceeding's status.
func (s *CheckpointState) SetStatus(proceedingURL string, status ProceedingStatus) {
	if s.Statuses == nil {
		s.Statuses = make(map[string]ProceedingStatus)
	}
	s.Statuses[proceedingURL] = status
}

// MarkInProgress records an intra-proceeding cursor for proceeding idx.
func (s *CheckpointState) MarkInProgress(idx, paperIdx int, now time.Time) {
	s.backfillStatuses()
	s.SetStatus(s.Proceedings[idx], StatusInProgress)
	p := paperIdx
	s.CurrentProceedingPaperIndex = &p
	s.LastUpdate = now
}

// MarkPending returns proceeding idx to pending, dropping any intra cursor it held.
func (s *CheckpointState) MarkPending(idx int, now time.Time) {
	s.backfillStatuses()
	url := s.Proceedings[idx]
	if s.StatusOf(url) == StatusInProgress {
		s.CurrentProceedingPaperIndex = nil
	}
	s.SetStatus(url, StatusPending)
	delete(s.ShardDigests, url)
	s.LastUpdate = now
}

// Advance commits proceeding idx as complete. The cursor moves past every
// leading complete proceeding, so it never moves backwards and never skips a
// proceeding that failed earlier in the run.
func (s *CheckpointState) Advance(idx int, digest string, now time.Time) {
	s.backfillStatuses()
	url := s.Proceedings[idx]
	if s.StatusOf(url) == StatusInProgress {
		s.CurrentProceedingPaperIndex = nil
	}
	s.SetStatus(url, StatusComplete)
	if digest != "" {
		if s.ShardDigests == nil {
			s.ShardDigests = make(map[string]string)
		}
		s.ShardDigests[url] = digest
	}
	for s.NextProceedingIndex < len(s.Proceedings) && s.IsComplete(s.NextProceedingIndex) {
		s.NextProceedingIndex++
	}
	s.LastUpdate = now
	if s.NextProceedingIndex == len(s.Proceedings) && !s.Completed {
		s.Completed = true
		t := now
		s.CompletionTime = &t
	}
}

// Reopen drops proceeding idx back to pending after its committed shard was
// found corrupt, pulling the cursor back to it. This is the only operation
// that lowers the cursor.
func (s *CheckpointState) Reopen(idx int, now time.Time) {
	s.MarkPending(idx, now)
	if idx < s.NextProceedingIndex {
		s.NextProceedingIndex = idx
	}
	s.Completed = false
	s.CompletionTime = nil
}

// Normalize settles a checkpoint whose cursor already covers every
// proceeding but which was never marked completed, as left behind by a crash
// between the last commit and the completion save. It reports whether the
// state changed.
func (s *CheckpointState) Normalize(now time.Time) bool {
	if s.Completed || !s.IsDiscovered() || s.NextProceedingIndex != len(s.Proceedings) {
		return false
	}
	s.Completed = true
	t := now
	s.CompletionTime = &t
	s.CurrentProceedingPaperIndex = nil
	s.LastUpdate = now
	return true
}

// InProgressIndex returns the proceeding the intra-proceeding cursor belongs
// to, or -1 when no cursor is held.
func (s CheckpointState) InProgressIndex() int {
	if s.CurrentProceedingPaperIndex == nil {
		return -1
	}
	for i, url := range s.Proceedings {
		if s.StatusOf(url) == StatusInProgress {
			return i
		}
	}
	if len(s.Statuses) == 0 && s.NextProceedingIndex < len(s.Proceedings) {
		return s.NextProceedingIndex
	}
	return -1
}

// ResumePaperIndex returns how many paper refs of proceeding idx were already
// consumed before the last intra-proceeding checkpoint.
func (s CheckpointState) ResumePaperIndex(idx int) int {
	if s.CurrentProceedingPaperIndex == nil || idx < 0 || idx >= len(s.Proceedings) {
		return 0
	}
	switch s.StatusOf(s.Proceedings[idx]) {
	case StatusInProgress:
		return *s.CurrentProceedingPaperIndex
	case "":
		if idx == s.NextProceedingIndex {
			return *s.CurrentProceedingPaperIndex
		}
	}
	return 0
}

// backfillStatuses converts a checkpoint written without statuses so that
// indexes below the cursor stay complete once the first status is recorded.
func (s *CheckpointState) backfillStatuses() {
	if len(s.Statuses) > 0 {
		return
	}
	s.Statuses = make(map[string]ProceedingStatus, len(s.Proceedings))
	for i, url := range s.Proceedings {
		switch {
		case i < s.NextProceedingIndex:
			s.Statuses[url] = StatusComplete
		case i == s.NextProceedingIndex && s.CurrentProceedingPaperIndex != nil:
			s.Statuses[url] = StatusInProgress
		default:
			s.Statuses[url] = StatusPending
		}
	}
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// RunSummary describes what one invocation of the pipeline accomplished.
type RunSummary struct {
	RunID                string        `json:"run_id"`
	RunDir               string        `json:"run_dir"`
	ProceedingsProcessed int           `json:"proceedings_processed"`
	ProceedingsSkipped   int           `json:"proceedings_skipped"`
	ProceedingsFailed    int           `json:"proceedings_failed"`
	PapersFetched        int           `json:"papers_fetched"`
	PapersFailed         int           `json:"papers_failed"`
	TotalPapers          int           `json:"total_papers"`
	Completed            bool          `json:"completed"`
	Elapsed              time.Duration `json:"elapsed"`
}

// Rate returns the papers-per-second throughput of this invocation.
func (s RunSummary) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.PapersFetched) / s.Elapsed.Seconds()
}
