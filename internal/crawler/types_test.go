package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYearFromURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"https://papers.nips.cc/paper_files/paper/2023", "2023"},
		{"https://papers.nips.cc/paper_files/paper/2023/", "2023"},
		{"https://papers.nips.cc/", "unknown"},
		{"2019", "2019"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, YearFromURL(tt.raw), tt.raw)
	}
	assert.Equal(t, "proceeding_2021", NewProceeding("https://x.test/paper/2021").ShardName())
}

func TestPaperRecordMissingFields(t *testing.T) {
	t.Parallel()

	rec := PaperRecord{Title: Present("T"), Authors: Absent(), Abstract: Present("")}
	assert.Equal(t, []string{FieldAuthors}, rec.MissingFields())

	rec = rec.WithProvenance(NewProceeding("https://x.test/paper/2020"), "https://x.test/p1")
	assert.Equal(t, "2020", rec.Year)
	assert.Equal(t, "https://x.test/paper/2020", rec.Proceeding)
	assert.Equal(t, "https://x.test/p1", rec.URL)
}

func TestCheckpointStateAdvanceCompletes(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	state := NewCheckpointState([]string{"p1", "p2"}, now)
	require.NoError(t, state.Validate())
	assert.Equal(t, StatusPending, state.StatusOf("p1"))

	state.MarkInProgress(0, 100, now)
	assert.Equal(t, 100, state.ResumePaperIndex(0))
	assert.Equal(t, 0, state.ResumePaperIndex(1))
	assert.Equal(t, StatusInProgress, state.StatusOf("p1"))

	state.Advance(0, "digest-1", now)
	assert.Equal(t, 1, state.NextProceedingIndex)
	assert.Nil(t, state.CurrentProceedingPaperIndex)
	assert.False(t, state.Completed)

	state.Advance(1, "digest-2", now)
	assert.True(t, state.Completed)
	assert.Equal(t, len(state.Proceedings), state.NextProceedingIndex)
	require.NotNil(t, state.CompletionTime)
	assert.Equal(t, "digest-2", state.ShardDigests["p2"])
	require.NoError(t, state.Validate())
}

func TestCheckpointStateCursorTracksCompletePrefix(t *testing.T) {
	t.Parallel()

	now := time.Now()
	state := NewCheckpointState([]string{"p1", "p2", "p3"}, now)
	state.Advance(1, "d2", now)
	assert.Equal(t, 0, state.NextProceedingIndex, "p1 is still pending")
	assert.True(t, state.IsComplete(1))
	assert.Equal(t, []int{0, 2}, state.Remaining(0))

	state.Advance(0, "d1", now)
	assert.Equal(t, 2, state.NextProceedingIndex)
	state.Advance(0, "d1", now)
	assert.Equal(t, 2, state.NextProceedingIndex)
	assert.False(t, state.Completed)

	state.MarkInProgress(2, 40, now)
	assert.Equal(t, 2, state.NextProceedingIndex)
	assert.Equal(t, 40, state.ResumePaperIndex(2))
	state.MarkPending(2, now)
	assert.Nil(t, state.CurrentProceedingPaperIndex)
	assert.Equal(t, StatusPending, state.StatusOf("p3"))
}

func TestCheckpointStateReopen(t *testing.T) {
	t.Parallel()

	now := time.Now()
	state := NewCheckpointState([]string{"p1", "p2"}, now)
	state.Advance(0, "d1", now)
	state.Advance(1, "d2", now)
	require.True(t, state.Completed)

	state.Reopen(0, now)
	assert.Equal(t, 0, state.NextProceedingIndex)
	assert.False(t, state.Completed)
	assert.Nil(t, state.CompletionTime)
	assert.Equal(t, StatusPending, state.StatusOf("p1"))
	assert.Empty(t, state.ShardDigests["p1"])
	assert.Equal(t, []int{0}, state.Remaining(0))
	require.NoError(t, state.Validate())
}

func TestCheckpointStateLegacyWithoutStatuses(t *testing.T) {
	t.Parallel()

	paperIdx := 30
	state := CheckpointState{
		Proceedings:                 []string{"p1", "p2", "p3"},
		NextProceedingIndex:         1,
		CurrentProceedingPaperIndex: &paperIdx,
	}
	assert.True(t, state.IsComplete(0))
	assert.False(t, state.IsComplete(1))
	assert.Equal(t, 30, state.ResumePaperIndex(1))
	assert.Equal(t, 0, state.ResumePaperIndex(2))

	state.Advance(1, "d2", time.Now())
	assert.Nil(t, state.CurrentProceedingPaperIndex)
	assert.Equal(t, StatusComplete, state.StatusOf("p1"), "backfilled from the cursor")
	assert.Equal(t, StatusPending, state.StatusOf("p3"))
	assert.Equal(t, 2, state.NextProceedingIndex)
}

func TestCheckpointStateNormalizeCompletesExhaustedCursor(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	state := CheckpointState{Proceedings: []string{"p1"}, NextProceedingIndex: 1, TotalPaperCount: 2}
	require.NoError(t, state.Validate())

	assert.True(t, state.Normalize(now))
	assert.True(t, state.Completed)
	require.NotNil(t, state.CompletionTime)
	assert.Equal(t, now, *state.CompletionTime)
	assert.False(t, state.Normalize(now.Add(time.Hour)), "already completed")

	partial := CheckpointState{Proceedings: []string{"p1", "p2"}, NextProceedingIndex: 1}
	assert.False(t, partial.Normalize(now))
	assert.False(t, partial.Completed)
	assert.False(t, (&CheckpointState{}).Normalize(now), "undiscovered run")
}

func TestCheckpointStateInProgressIndex(t *testing.T) {
	t.Parallel()

	now := time.Now()
	state := NewCheckpointState([]string{"p1", "p2", "p3"}, now)
	assert.Equal(t, -1, state.InProgressIndex())
	state.MarkInProgress(1, 5, now)
	assert.Equal(t, 1, state.InProgressIndex())
	state.Advance(1, "d", now)
	assert.Equal(t, -1, state.InProgressIndex())

	paperIdx := 3
	legacy := CheckpointState{Proceedings: []string{"p1", "p2"}, NextProceedingIndex: 1, CurrentProceedingPaperIndex: &paperIdx}
	assert.Equal(t, 1, legacy.InProgressIndex())
}

func TestCheckpointStateValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	tests := []struct {
		name  string
		state CheckpointState
	}{
		{"index too large", CheckpointState{Proceedings: []string{"a"}, NextProceedingIndex: 2}},
		{"negative index", CheckpointState{NextProceedingIndex: -1}},
		{"negative total", CheckpointState{TotalPaperCount: -3}},
		{"completed early", CheckpointState{Proceedings: []string{"a"}, Completed: true}},
		{"negative paper index", CheckpointState{CurrentProceedingPaperIndex: &neg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.state.Validate())
		})
	}
}

func TestCheckpointStateRemaining(t *testing.T) {
	t.Parallel()

	state := CheckpointState{Proceedings: []string{"a", "b", "c", "d"}, NextProceedingIndex: 1}
	assert.Equal(t, []int{1, 2, 3}, state.Remaining(0))
	assert.Equal(t, []int{1, 2}, state.Remaining(2))
	assert.Empty(t, CheckpointState{}.Remaining(0))
	assert.Equal(t, ProceedingStatus(""), CheckpointState{}.StatusOf("a"))
}

func TestRunSummaryRate(t *testing.T) {
	t.Parallel()

	assert.Zero(t, RunSummary{PapersFetched: 10}.Rate())
	assert.InDelta(t, 5.0, RunSummary{PapersFetched: 10, Elapsed: 2 * time.Second}.Rate(), 1e-9)
}
