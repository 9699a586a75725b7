package archive

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

type execCall struct {
	query string
	args  []any
}

type fakeExecer struct {
	calls []execCall
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, query string, args ...any) error {
	f.calls = append(f.calls, execCall{query: query, args: args})
	return f.err
}

func TestStorePostings(t *testing.T) {
	db := &fakeExecer{}
	a := NewArchive(db, zaptest.NewLogger(t))
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return created }

	runID := uuid.NewString()
	outcomes := []models.PostingOutcome{
		{Posting: models.Posting{ID: "fp1", Source: "hackernews", Title: "Backend Engineer"}, Matched: true, Notified: true},
		{Posting: models.Posting{ID: "fp2", Source: "adzuna", Title: "Sales Rep"}},
	}

	require.NoError(t, a.StorePostings(context.Background(), runID, outcomes))
	require.Len(t, db.calls, 2)

	first := db.calls[0]
	assert.True(t, strings.Contains(first.query, "INSERT INTO job_postings"))
	assert.Equal(t, PostingID(runID, "fp1"), first.args[0])
	assert.Equal(t, "fp1", first.args[1])
	assert.Equal(t, uuid.MustParse(runID), first.args[2])
	assert.Equal(t, true, first.args[10])
	assert.Equal(t, true, first.args[11])
	assert.Equal(t, created, first.args[12])
	assert.Equal(t, false, db.calls[1].args[10])
}

func TestPostingIDIsStable(t *testing.T) {
	runID := uuid.NewString()
	assert.Equal(t, PostingID(runID, "fp"), PostingID(runID, "fp"))
	assert.NotEqual(t, PostingID(runID, "fp"), PostingID(uuid.NewString(), "fp"))
}

func TestStorePostingsFailure(t *testing.T) {
	db := &fakeExecer{err: fmt.Errorf("connection reset")}
	a := NewArchive(db, zaptest.NewLogger(t))

	err := a.StorePostings(context.Background(), uuid.NewString(), []models.PostingOutcome{{Posting: models.Posting{ID: "fp"}}})
	assert.True(t, errors.Is(err, errors.ErrTypeInternal))

	err = a.StorePostings(context.Background(), "not-a-uuid", nil)
	assert.True(t, errors.Is(err, errors.ErrTypeInvalidInput))
}

func TestRecordRun(t *testing.T) {
	db := &fakeExecer{}
	a := NewArchive(db, zaptest.NewLogger(t))

	result := models.RunResult{
		RunID:         uuid.NewString(),
		Status:        models.RunStatusTimedOut,
		FetchedCount:  10,
		NewCount:      4,
		MatchedCount:  2,
		NotifiedCount: 1,
		Errors:        []models.StageError{{Stage: models.StageNotify, Message: "webhook answered 503"}},
	}
	require.NoError(t, a.RecordRun(context.Background(), result))
	require.Len(t, db.calls, 1)

	args := db.calls[0].args
	assert.Equal(t, "TIMED_OUT", args[1])
	assert.Equal(t, uint32(10), args[4])
	assert.Equal(t, uint32(1), args[7])
	assert.Equal(t, []string{"notify: webhook answered 503"}, args[8])
}
