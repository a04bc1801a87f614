package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/history"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHistory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := history.InitDB(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	started := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	ok := history.Batch{UUID: uuid.NewString(), Kind: "spectrum", Jobs: 4, StartedAt: started}
	bad := history.Batch{UUID: uuid.NewString(), Kind: "coherence", Jobs: 6, StartedAt: started.Add(time.Minute)}

	require.NoError(t, history.Start(ctx, db, ok))
	// still in progress
	require.NoError(t, history.Start(ctx, db, ok))
	require.NoError(t, history.Start(ctx, db, bad))

	row, err := history.Get(ctx, db, ok.UUID)
	require.NoError(t, err)
	require.Equal(t, ok, row.Batch)
	require.True(t, row.InProgress)
	require.Nil(t, row.Success)
	require.Equal(t, "running", row.Status())

	require.NoError(t, history.FinishOK(ctx, db, ok.UUID, 1))
	require.ErrorIs(t, history.FinishOK(ctx, db, ok.UUID, 0), history.ErrAlreadyFinished)
	require.ErrorIs(t, history.Start(ctx, db, ok), history.ErrAlreadyFinished)
	require.NoError(t, history.FinishErr(ctx, db, bad.UUID, "batch terminated"))
	require.ErrorIs(t, history.FinishErr(ctx, db, bad.UUID, "again"), history.ErrAlreadyFinished)

	row, err = history.Get(ctx, db, ok.UUID)
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.NotNil(t, row.Success)
	require.True(t, *row.Success)
	require.Equal(t, 1, row.Failures)
	require.Equal(t, "partial", row.Status())

	rows, err := history.List(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, bad.UUID, rows[0].UUID)
	require.Equal(t, "failed", rows[0].Status())
	require.NotNil(t, rows[0].FailureReason)
	require.Equal(t, "batch terminated", *rows[0].FailureReason)
	require.Contains(t, rows[0].String(), `failure_reason: "batch terminated"`)

	rows, err = history.List(ctx, db, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, history.Delete(ctx, db, ok.UUID))
	require.ErrorIs(t, history.Delete(ctx, db, ok.UUID), history.ErrNotFound)
	_, err = history.Get(ctx, db, ok.UUID)
	require.ErrorIs(t, err, history.ErrNotFound)
	require.ErrorIs(t, history.FinishOK(ctx, db, ok.UUID, 0), history.ErrNotFound)
}
