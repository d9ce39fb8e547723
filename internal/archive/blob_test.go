package archive_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "gocloud.dev/blob/memblob"

	"github.com/fernwood/operon/internal/archive"
)

func newArchiver(t *testing.T) *archive.BlobArchiver {
	t.Helper()
	a, err := archive.NewBlobArchiver(t.Context(), "mem://", "runs/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBlobArchiverRoundTrip(t *testing.T) {
	a := newArchiver(t)

	rec := &archive.Record{
		ProcedureID: "proc-1",
		SessionID:   "session-1",
		Procedure:   "research",
		Success:     true,
		Result:      map[string]any{"summary": "done"},
		State:       map[string]any{"count": 3.0},
		Iterations:  4,
		ToolsUsed:   []string{"search"},
		ArchivedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, a.Put(t.Context(), rec))

	got, err := a.Get(t.Context(), "proc-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ProcedureID, got.ProcedureID)
	assert.Equal(t, rec.Procedure, got.Procedure)
	assert.Equal(t, rec.Result, got.Result)
	assert.Equal(t, rec.Iterations, got.Iterations)
	assert.True(t, got.ArchivedAt.Equal(rec.ArchivedAt))
}

func TestBlobArchiverMissingRecord(t *testing.T) {
	a := newArchiver(t)

	_, err := a.Get(t.Context(), "never-archived")
	assert.ErrorIs(t, err, archive.ErrRecordNotFound)
}

func TestBlobArchiverDelete(t *testing.T) {
	a := newArchiver(t)

	require.NoError(t, a.Put(t.Context(), &archive.Record{
		ProcedureID: "proc-2",
		Procedure:   "cleanup",
	}))
	require.NoError(t, a.Delete(t.Context(), "proc-2"))

	_, err := a.Get(t.Context(), "proc-2")
	assert.ErrorIs(t, err, archive.ErrRecordNotFound)

	t.Run("deleting again is not an error", func(t *testing.T) {
		assert.NoError(t, a.Delete(t.Context(), "proc-2"))
	})
}
