package archivist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRecordUpserts(t *testing.T) {
	ctx := context.Background()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	rec := testRecord(9, "nine", "c")
	require.NoError(t, j.Record(ctx, "run-1", rec, OutcomeFailed, StageDownload, errors.New("timeout")))

	e, err := j.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, "nine", e.Name)
	assert.Equal(t, string(OutcomeFailed), e.Outcome)
	assert.Equal(t, string(StageDownload), e.Stage)
	assert.Equal(t, "timeout", e.LastError)
	assert.Equal(t, 1, e.Attempts)

	require.NoError(t, j.Record(ctx, "run-2", rec, OutcomeCommitted, StageDone, nil))
	e, err = j.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "run-2", e.RunID)
	assert.Equal(t, string(OutcomeCommitted), e.Outcome)
	assert.Empty(t, e.LastError)
	assert.Equal(t, 2, e.Attempts)

	failed, err := j.Failed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestJournalPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, "run", testRecord(1, "one", "c"), OutcomeFailed, StageUnpack, ErrCorrupt))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	counts, err := j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Outcome]int64{OutcomeFailed: 1}, counts)
}
