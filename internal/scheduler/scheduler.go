package scheduler

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/log"

	"github.com/google/uuid"
)

// Scheduler runs one batch of jobs, each in its own worker process.
//
// The sum of weights of running jobs never exceeds the concurrency budget,
// except for a single job heavier than the whole budget, which runs alone.
// The budget starts at the number of logical cores plus one and grows while
// the host has spare CPU capacity. It never shrinks.
//
// A Scheduler is not reusable: create a new one for every batch.
type Scheduler struct {
	id    string
	proto Command
	cfg   config

	mx         sync.Mutex
	phase      Phase
	cancelled  bool
	jobs       []*Job
	next       int // jobs[next:] are Pending
	running    []*Job
	runningW   int
	pendingW   int
	completedW int
	totalW     int
	budget     int
	results    BatchResult
	lastSample time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func New(proto Command, opts ...Option) *Scheduler {
	cfg := config{
		tick:        DefaultTick,
		sampleEvery: DefaultSampleEvery,
		threshold:   DefaultCPUThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.budget == 0 {
		cfg.budget = hostCores(context.Background()) + 1
	}

	return &Scheduler{
		id:     uuid.NewString(),
		proto:  proto,
		cfg:    cfg,
		budget: cfg.budget,
		stop:   make(chan struct{}),
	}
}

// ID identifies the batch in logs.
func (s *Scheduler) ID() string {
	return s.id
}

// Add appends a new Pending job. It returns ErrBatchFrozen once the batch has
// been started or terminated.
func (s *Scheduler) Add(item WorkItem) error {
	if item.Weight < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWeight, item.Weight)
	}
	if item.Func == "" {
		return ErrNoFunc
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.phase != PhaseIdle {
		return ErrBatchFrozen
	}
	s.jobs = append(s.jobs, newJob(len(s.jobs), item.clone()))
	s.results = append(s.results, Payload{})
	s.totalW += item.Weight
	s.pendingW += item.Weight
	return nil
}

// Run drives the batch to completion and returns the payloads in submission
// order. When the batch was terminated, either by Terminate or by ctx, it
// returns ErrTerminated and the results must not be used.
func (s *Scheduler) Run(ctx context.Context) (BatchResult, error) {
	ctx = log.ContextAttrs(ctx, slog.String("batch", s.id))
	if err := s.begin(ctx); err != nil {
		results, _ := s.Result()
		return results, err
	}
	s.loop(ctx, nil)
	return s.Result()
}

// Ticks is the suspending form of Run. The batch advances by one scheduling
// pass per iteration and control returns to the loop body in between, so a
// host event loop can drive the batch:
//
//	for p := range s.Ticks(ctx) {
//		ui.SetProgress(p.Completed, p.Total)
//	}
//	results, err := s.Result()
//
// Leaving the loop early terminates the batch.
func (s *Scheduler) Ticks(ctx context.Context) iter.Seq[Progress] {
	return func(yield func(Progress) bool) {
		ctx := log.ContextAttrs(ctx, slog.String("batch", s.id))
		if err := s.begin(ctx); err != nil {
			slog.DebugContext(ctx, "batch not started", "error", err)
			return
		}
		s.loop(ctx, yield)
	}
}

// Result returns the payloads in submission order. The error is ErrInProgress
// until the batch is finished and ErrTerminated for a cancelled batch.
func (s *Scheduler) Result() (BatchResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	results := slices.Clone(s.results)
	switch {
	case s.cancelled:
		return results, ErrTerminated
	case s.phase != PhaseTerminated:
		return results, ErrInProgress
	}
	return results, nil
}

// Terminate kills every worker process and stops the batch. No callback is
// invoked after Terminate returns. It is safe to call from any goroutine, more
// than once, and before the batch has started.
//
// Callbacks run with the scheduler locked, they must not call Terminate
// directly.
func (s *Scheduler) Terminate() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.phase != PhaseTerminated {
		slog.Info("terminating batch",
			"batch", s.id,
			"phase", s.phase.String(),
			"completed", s.completedW,
			"total", s.totalW,
		)
		s.phase = PhaseTerminated
		s.cancelled = true
	}
	for _, j := range s.jobs {
		j.Terminate()
	}
	s.running = nil
	s.runningW = 0
	s.stopOnce.Do(func() { close(s.stop) })
}

// Progress returns the current state of the batch.
func (s *Scheduler) Progress() Progress {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.progress()
}

// Budget returns the current concurrency budget.
func (s *Scheduler) Budget() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.budget
}

func (s *Scheduler) Snapshot() []JobStatus {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]JobStatus, len(s.jobs))
	for i, j := range s.jobs {
		ret[i] = JobStatus{
			Index:  j.Index(),
			Func:   j.Func(),
			Weight: j.Weight(),
			State:  j.State(),
			PID:    j.PID(),
		}
	}
	return ret
}

func (s *Scheduler) begin(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	switch {
	case s.cancelled:
		return ErrTerminated
	case s.phase != PhaseIdle:
		return ErrAlreadyStarted
	}

	s.phase = PhaseRunning
	if s.cfg.sampler == nil {
		s.cfg.sampler = NewHostSampler(ctx)
	}
	s.lastSample = time.Now()
	slog.InfoContext(ctx, "batch started",
		"jobs", len(s.jobs),
		"total_weight", s.totalW,
		"budget", s.budget,
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, yield func(Progress) bool) {
	ticker := time.NewTicker(s.cfg.tick)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			slog.DebugContext(ctx, "context done: terminating", "error", err)
			s.Terminate()
			return
		}
		p, done := s.step(ctx)
		if done {
			if yield != nil && p.Phase == PhaseTerminated && p.Completed == p.Total {
				yield(p)
			}
			return
		}
		if yield != nil && !yield(p) {
			slog.DebugContext(ctx, "batch loop left early: terminating")
			s.Terminate()
			return
		}

		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "context done: terminating", "error", ctx.Err())
			s.Terminate()
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// step is one scheduling pass. It returns true when the batch is over.
func (s *Scheduler) step(ctx context.Context) (Progress, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.phase == PhaseTerminated {
		return s.progress(), true
	}

	if now := time.Now(); now.Sub(s.lastSample) >= s.cfg.sampleEvery {
		s.lastSample = now
		s.grow(ctx)
	}
	s.admit(ctx)
	s.collect(ctx)

	if s.completedW == s.totalW {
		s.finish(ctx)
		return s.progress(), true
	}
	return s.progress(), false
}

// grow raises the budget when there is more pending work than free slots and
// the host is not saturated.
func (s *Scheduler) grow(ctx context.Context) {
	if s.pendingW <= s.budget-s.runningW {
		return
	}
	utilization, err := s.cfg.sampler.Utilization(ctx)
	if err != nil {
		slog.DebugContext(ctx, "sampling cpu utilization", "error", err)
		return
	}
	if utilization >= s.cfg.threshold {
		return
	}
	budget := growBudget(s.budget, utilization, s.runningW+s.pendingW)
	if budget <= s.budget {
		return
	}
	slog.DebugContext(ctx, "concurrency budget grown",
		"from", s.budget,
		"to", budget,
		"cpu_percent", utilization,
	)
	s.budget = budget
}

// admit starts pending jobs in submission order until the first one which does
// not fit into the free slots.
func (s *Scheduler) admit(ctx context.Context) {
	for s.next < len(s.jobs) {
		j := s.jobs[s.next]
		free := s.budget - s.runningW
		if j.Weight() > free {
			if s.runningW > 0 {
				return
			}
			slog.DebugContext(ctx, "job heavier than the budget: starting it alone",
				"job", j.Index(),
				"weight", j.Weight(),
				"budget", s.budget,
			)
		}

		s.next++
		s.pendingW -= j.Weight()
		if err := j.Start(ctx, s.proto); err != nil {
			slog.WarnContext(ctx, "job can't be started", "job", j.Index(), "func", j.Func(), "error", err)
			s.record(ctx, j, Payload{Err: &Failure{Kind: FailureSpawn, Message: err.Error()}})
			continue
		}
		s.running = append(s.running, j)
		s.runningW += j.Weight()
	}
}

func (s *Scheduler) collect(ctx context.Context) {
	still := s.running[:0]
	for _, j := range s.running {
		p, ok := j.Poll()
		if !ok {
			still = append(still, j)
			continue
		}
		s.runningW -= j.Weight()
		s.record(ctx, j, p)
	}
	clear(s.running[len(still):])
	s.running = still
}

func (s *Scheduler) record(ctx context.Context, j *Job, p Payload) {
	s.results[j.Index()] = p
	s.completedW += j.Weight()
	if s.cfg.onProgress != nil {
		s.cfg.onProgress(s.completedW, s.totalW)
	}
	if p.Err == nil {
		slog.DebugContext(ctx, "job finished", "job", j.Index(), "func", j.Func())
		return
	}
	msg := fmt.Sprintf("job %d (%s): %s", j.Index(), j.Func(), p.Err)
	slog.WarnContext(ctx, "job failed", "job", j.Index(), "func", j.Func(), "error", p.Err)
	if s.cfg.onError != nil {
		s.cfg.onError(msg)
	}
}

// finish ends a batch whose jobs have all finished and reaps workers which
// are still alive after delivering their results.
func (s *Scheduler) finish(ctx context.Context) {
	s.phase = PhaseTerminated
	for _, j := range s.jobs {
		j.Terminate()
	}
	s.stopOnce.Do(func() { close(s.stop) })
	slog.InfoContext(ctx, "batch finished",
		"jobs", len(s.jobs),
		"total_weight", s.totalW,
		"budget", s.budget,
	)
}

func (s *Scheduler) progress() Progress {
	return Progress{
		Completed: s.completedW,
		Total:     s.totalW,
		Running:   len(s.running),
		Pending:   len(s.jobs) - s.next,
		Budget:    s.budget,
		Phase:     s.phase,
	}
}
