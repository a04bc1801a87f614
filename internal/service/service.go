package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/analysis"
	"github.com/CZERTAINLY/taskpool/internal/history"
	"github.com/CZERTAINLY/taskpool/internal/log"
	"github.com/CZERTAINLY/taskpool/internal/model"
	"github.com/CZERTAINLY/taskpool/internal/scheduler"
)

// Service runs analysis batches described by batch files and records them.
type Service struct {
	facade *analysis.Facade
	opts   []scheduler.Option
	sinks  []Sink
	db     *sql.DB
	stderr io.Writer
}

// New wires the service from the configuration. Reports go to stdout unless
// the configuration names other sinks, progress and summaries go to stderr.
func New(ctx context.Context, cfg model.Config, stdout, stderr io.Writer) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}

	cmd, err := Command(cfg.Worker, os.Environ())
	if err != nil {
		return nil, err
	}
	opts, err := SchedulerOptions(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	sinks, err := Sinks(cfg.Service, stdout)
	if err != nil {
		return nil, fmt.Errorf("initializing sinks: %w", err)
	}

	var db *sql.DB
	if cfg.Service.History != "" {
		db, err = openHistory(ctx, cfg.Service.History)
		if err != nil {
			closeSinks(ctx, sinks)
			return nil, err
		}
	}

	return &Service{
		facade: analysis.New(cmd, opts...),
		opts:   opts,
		sinks:  sinks,
		db:     db,
		stderr: stderr,
	}, nil
}

func openHistory(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := history.InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}
	return db, nil
}

// WithSinks replaces the configured sinks.
// This method exists for a unit testing only.
func (s *Service) WithSinks(ctx context.Context, sinks ...Sink) *Service {
	closeSinks(ctx, s.sinks)
	s.sinks = sinks
	return s
}

// WithCommand replaces the worker command.
// This method exists for a unit testing only.
func (s *Service) WithCommand(cmd scheduler.Command) *Service {
	s.facade = analysis.New(cmd, s.opts...)
	return s
}

func (s *Service) Close(ctx context.Context) error {
	closeSinks(ctx, s.sinks)
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Run executes the batch file at path, reports the results to all sinks and
// prints a summary. Failed jobs do not fail the run, a terminated batch does.
func (s *Service) Run(ctx context.Context, path string) (Report, error) {
	req, err := LoadBatch(ctx, path)
	if err != nil {
		return Report{}, err
	}

	var rep reporter
	b, err := s.facade.Prepare(req, scheduler.WithError(func(msg string) {
		rep.Error(msg)
	}))
	if err != nil {
		return Report{}, err
	}
	id := b.Scheduler.ID()
	ctx = log.ContextAttrs(ctx, slog.String("batch", id))

	jobs := b.Scheduler.Snapshot()
	total := 0
	for _, j := range jobs {
		total += j.Weight
	}
	rep = newReporter(s.stderr, string(req.Kind), total)

	report := Report{
		Batch:   id,
		Kind:    req.Kind,
		Started: time.Now(),
	}
	s.recordStart(ctx, history.Batch{UUID: id, Kind: string(req.Kind), Jobs: len(jobs), StartedAt: report.Started})

	for p := range b.Scheduler.Ticks(ctx) {
		rep.Update(ctx, p)
	}
	rep.Finish(ctx, b.Scheduler.Progress())

	results, err := b.Results()
	report.Finished = time.Now()
	if err != nil {
		s.recordFinish(ctx, id, 0, err)
		return report, fmt.Errorf("running %s batch: %w", req.Kind, err)
	}
	report.setResults(results)
	s.recordFinish(ctx, id, report.Failures, nil)

	raw, err := report.JSON()
	if err != nil {
		return report, err
	}
	if err := upload(ctx, s.sinks, raw); err != nil {
		return report, fmt.Errorf("uploading results: %w", err)
	}
	if err := report.Summary(s.stderr); err != nil {
		slog.WarnContext(ctx, "printing summary", "error", err)
	}
	return report, nil
}

// History prints the most recent batches.
func (s *Service) History(ctx context.Context, w io.Writer, limit int) error {
	if s.db == nil {
		return errors.New("batch history is disabled: set service.history")
	}
	rows, err := history.List(ctx, s.db, limit)
	if err != nil {
		return err
	}
	return historyTable(w, rows)
}

func (s *Service) recordStart(ctx context.Context, b history.Batch) {
	if s.db == nil {
		return
	}
	if err := history.Start(ctx, s.db, b); err != nil {
		slog.WarnContext(ctx, "recording batch start", "error", err)
	}
}

func (s *Service) recordFinish(ctx context.Context, id string, failures int, runErr error) {
	if s.db == nil {
		return
	}
	// the batch context may be cancelled already
	ctx = context.WithoutCancel(ctx)
	var err error
	if runErr != nil {
		err = history.FinishErr(ctx, s.db, id, runErr.Error())
	} else {
		err = history.FinishOK(ctx, s.db, id, failures)
	}
	if err != nil {
		slog.WarnContext(ctx, "recording batch finish", "error", err)
	}
}
