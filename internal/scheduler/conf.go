package scheduler

import "time"

const (
	DefaultTick         = 50 * time.Millisecond
	DefaultSampleEvery  = 3 * time.Second
	DefaultCPUThreshold = 95.0
)

// Option is a functional option for configuring the Scheduler.
type Option func(*config)

type config struct {
	tick        time.Duration
	sampleEvery time.Duration
	threshold   float64
	budget      int
	sampler     Sampler
	onProgress  ProgressFunc
	onError     ErrorFunc
}

// WithTick sets the delay between two scheduling passes.
func WithTick(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.tick = d
		}
	}
}

// WithSampleEvery sets the minimal interval between two CPU utilization samples.
func WithSampleEvery(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.sampleEvery = d
		}
	}
}

// WithCPUThreshold sets the utilization in percent above which the budget
// stops growing.
func WithCPUThreshold(pct float64) Option {
	return func(cfg *config) {
		if pct > 0 && pct <= 100 {
			cfg.threshold = pct
		}
	}
}

// WithBudget overrides the initial concurrency budget, which defaults to the
// number of logical cores plus one.
func WithBudget(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.budget = n
		}
	}
}

// WithSampler replaces the host CPU sampler.
func WithSampler(s Sampler) Option {
	return func(cfg *config) {
		cfg.sampler = s
	}
}

// WithProgress registers a callback invoked once per finished job. It runs on
// the coordinator and must return quickly.
func WithProgress(fn ProgressFunc) Option {
	return func(cfg *config) {
		cfg.onProgress = fn
	}
}

// WithError registers a callback invoked once per failed job.
func WithError(fn ErrorFunc) Option {
	return func(cfg *config) {
		cfg.onError = fn
	}
}
