package scheduler

import (
	"context"
	"errors"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
)

var errNoSample = errors.New("no cpu sample")

// Sampler reports host-wide CPU utilization in percent.
type Sampler interface {
	Utilization(ctx context.Context) (float64, error)
}

type SamplerFunc func(ctx context.Context) (float64, error)

func (f SamplerFunc) Utilization(ctx context.Context) (float64, error) { return f(ctx) }

type hostSampler struct{}

// NewHostSampler returns a Sampler measuring the utilization since its
// previous call, the first interval starts here.
func NewHostSampler(ctx context.Context) Sampler {
	_, _ = cpu.PercentWithContext(ctx, 0, false)
	return hostSampler{}
}

func (hostSampler) Utilization(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, errNoSample
	}
	return pcts[0], nil
}

// hostCores is the number of logical cores of the host.
func hostCores(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// growBudget returns a budget scaled by the spare capacity, at least one more
// than budget and never above limit. It never returns less than budget.
func growBudget(budget int, utilization float64, limit int) int {
	utilization = max(utilization, 1)
	next := int(float64(budget) * 100 / utilization)
	next = max(next, budget+1)
	next = min(next, limit)
	return max(next, budget)
}
