package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/scheduler"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

var red = color.New(color.FgRed)

// reporter shows the progress of a running batch.
type reporter interface {
	Update(ctx context.Context, p scheduler.Progress)
	// Error is called by the scheduler with its lock held.
	Error(msg string)
	Finish(ctx context.Context, p scheduler.Progress)
}

// newReporter draws a progress bar on a terminal and logs rate limited
// progress lines otherwise.
func newReporter(w io.Writer, description string, total int) reporter {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return newBarReporter(w, description, total)
	}
	return newLogReporter(w, 2*time.Second)
}

type barReporter struct {
	mx  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newBarReporter(w io.Writer, description string, total int) *barReporter {
	return &barReporter{
		w: w,
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWidth(50),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWriter(w),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (r *barReporter) Update(_ context.Context, p scheduler.Progress) {
	r.mx.Lock()
	defer r.mx.Unlock()
	_ = r.bar.Set(p.Completed)
}

func (r *barReporter) Error(msg string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	_ = r.bar.Clear()
	_, _ = red.Fprintln(r.w, msg)
}

func (r *barReporter) Finish(_ context.Context, p scheduler.Progress) {
	r.mx.Lock()
	defer r.mx.Unlock()
	_ = r.bar.Set(p.Completed)
	_ = r.bar.Finish()
}

type logReporter struct {
	w       io.Writer
	limiter *rate.Limiter
}

func newLogReporter(w io.Writer, every time.Duration) *logReporter {
	return &logReporter{
		w:       w,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (r *logReporter) Update(ctx context.Context, p scheduler.Progress) {
	if !r.limiter.Allow() {
		return
	}
	slog.InfoContext(ctx, "batch progress",
		"completed", p.Completed,
		"total", p.Total,
		"running", p.Running,
		"pending", p.Pending,
		"budget", p.Budget,
	)
}

func (r *logReporter) Error(msg string) {
	_, _ = red.Fprintln(r.w, msg)
}

func (r *logReporter) Finish(ctx context.Context, p scheduler.Progress) {
	slog.InfoContext(ctx, "batch progress",
		"completed", p.Completed,
		"total", p.Total,
		"phase", p.Phase.String(),
	)
}
