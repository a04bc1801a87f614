package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/analysis"
	"github.com/CZERTAINLY/taskpool/internal/history"
	"github.com/CZERTAINLY/taskpool/internal/model"
	"github.com/CZERTAINLY/taskpool/internal/scheduler"
	"github.com/CZERTAINLY/taskpool/internal/service"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sineFile(t *testing.T, path string, n int, rate, freq float64) {
	t.Helper()
	var sb strings.Builder
	for i := range n {
		fmt.Fprintf(&sb, "%g\n", math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	writeFile(t, path, sb.String())
}

func newService(t *testing.T, dir string, stderr io.Writer) *service.Service {
	t.Helper()
	cfg := model.DefaultConfig(dir)
	cfg.Scheduler.Tick = "10ms"
	svc, err := service.New(t.Context(), cfg, os.Stdout, stderr)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, svc.Close(t.Context()))
	})
	return svc.WithCommand(testCommand())
}

func TestServiceRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sineFile(t, filepath.Join(dir, "alpha.txt"), 64, 64, 8)
	writeFile(t, filepath.Join(dir, "batch.yaml"), `
analysis: spectrum
signals:
  - name: alpha
    rate: 64
    file: alpha.txt
  - name: tiny
    rate: 64
    samples: [1, 2, 3]
`)

	var out, stderr bytes.Buffer
	svc := newService(t, dir, &stderr).WithSinks(t.Context(), service.NewWriteSink(&out))

	report, err := svc.Run(t.Context(), filepath.Join(dir, "batch.yaml"))
	require.NoError(t, err)
	require.Equal(t, analysis.KindSpectrum, report.Kind)
	require.Len(t, report.Results, 2)
	require.Equal(t, 1, report.Failures)
	require.Equal(t, "spectrum", report.Results[0].Type)
	require.Equal(t, "failed", report.Results[1].Type)
	require.False(t, report.Finished.Before(report.Started))

	var decoded struct {
		Batch    string `json:"batch"`
		Failures int    `json:"failures"`
		Results  []struct {
			Type   string         `json:"type"`
			Result map[string]any `json:"result"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Equal(t, report.Batch, decoded.Batch)
	require.Equal(t, 1, decoded.Failures)
	require.Equal(t, "alpha", decoded.Results[0].Result["signal"])
	require.Contains(t, decoded.Results[1].Result["error"], "message")

	require.Contains(t, stderr.String(), "job 1 (spectrum)")
	require.Contains(t, stderr.String(), "alpha")

	var hist bytes.Buffer
	require.NoError(t, svc.History(t.Context(), &hist, 10))
	require.Contains(t, hist.String(), report.Batch)
	require.Contains(t, hist.String(), "partial")

	db, err := history.InitDB(t.Context(), filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	row, err := history.Get(t.Context(), db, report.Batch)
	require.NoError(t, err)
	require.Equal(t, 2, row.Jobs)
	require.Equal(t, "spectrum", row.Kind)
	require.Equal(t, 1, row.Failures)
}

func TestServiceRun_Cancelled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "batch.yaml"), `
analysis: bayes
prior: {mean: 0, variance: 1}
signals:
  - name: a
    rate: 1
    samples: [1, 2, 3, 4, 5, 6, 7, 8]
`)
	var out bytes.Buffer
	cmd := testCommand()
	cmd.Env = append(cmd.Env, hangEnv+"=1")
	svc := newService(t, dir, io.Discard).WithSinks(t.Context(), service.NewWriteSink(&out)).WithCommand(cmd)

	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()
	_, err := svc.Run(ctx, filepath.Join(dir, "batch.yaml"))
	require.ErrorIs(t, err, scheduler.ErrTerminated)
	require.Empty(t, out.String())

	db, err := history.InitDB(t.Context(), filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	rows, err := history.List(t.Context(), db, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "failed", rows[0].Status())
	require.NotNil(t, rows[0].FailureReason)
	require.Contains(t, *rows[0].FailureReason, "batch terminated")
}

func TestServiceHistoryDisabled(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.TempDir())
	cfg.Service.History = ""
	svc, err := service.New(t.Context(), cfg, os.Stdout, os.Stderr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(t.Context()) })
	require.ErrorContains(t, svc.History(t.Context(), &bytes.Buffer{}, 1), "history is disabled")
}

func TestServiceNew_Fail(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.TempDir())
	cfg.Version = 1
	_, err := service.New(t.Context(), cfg, os.Stdout, os.Stderr)
	require.Error(t, err)

	cfg = model.DefaultConfig(t.TempDir())
	cfg.Service.Dir = filepath.Join(t.TempDir(), "missing")
	_, err = service.New(t.Context(), cfg, os.Stdout, os.Stderr)
	require.ErrorContains(t, err, "initializing sinks")
}
