package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/taskpool/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(false, &buf)

	ctx := log.ContextAttrs(context.Background(), slog.String("batch", "b1"))
	child := log.ContextAttrs(ctx, slog.Int("job", 7))
	// the parent context must not see attributes of its children
	sibling := log.ContextAttrs(ctx, slog.Int("job", 8))

	logger.InfoContext(child, "job started")
	logger.With("func", "ridge").InfoContext(sibling, "job started")
	logger.DebugContext(child, "not logged")

	dec := json.NewDecoder(&buf)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	require.False(t, dec.More())

	require.Equal(t, "b1", first["batch"])
	require.InDelta(t, 7, first["job"], 0)
	require.Equal(t, "b1", second["batch"])
	require.InDelta(t, 8, second["job"], 0)
	require.Equal(t, "ridge", second["func"])
}

func TestVerbose(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log.New(true, &buf).Debug("visible")
	require.Contains(t, buf.String(), `"msg":"visible"`)
}

func TestWriter(t *testing.T) {
	t.Parallel()
	w, closer, err := log.Writer("")
	require.NoError(t, err)
	require.Equal(t, os.Stderr, w)
	require.NoError(t, closer())

	path := filepath.Join(t.TempDir(), "taskpool.log")
	w, closer, err = log.Writer(path)
	require.NoError(t, err)
	log.New(false, w).Info("to file")
	require.NoError(t, closer())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "to file")

	_, _, err = log.Writer(filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	require.Error(t, err)
}
