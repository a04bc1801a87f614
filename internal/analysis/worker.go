package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CZERTAINLY/taskpool/internal/numeric"
	"github.com/CZERTAINLY/taskpool/internal/worker"
)

// Register installs the worker side of every analysis kind.
func Register(reg *worker.Registry) {
	reg.Register(string(KindSpectrum), handle(func(a spectrumArgs) (any, error) {
		return numeric.PowerSpectrum(a.Signal.Samples, a.Signal.Rate)
	}))
	reg.Register(string(KindCoherence), handle(func(a coherenceArgs) (any, error) {
		return numeric.MeanCoherence(a.X.Samples, a.Y.Samples, a.X.Rate, a.Surrogates, a.Seed)
	}))
	reg.Register(string(KindRidge), handle(func(a ridgeArgs) (any, error) {
		return numeric.PeakRidge(a.Signal.Samples, a.Signal.Rate, a.Window)
	}))
	reg.Register(string(KindBayes), handle(func(a bayesArgs) (any, error) {
		return numeric.Posterior(a.Signal.Samples, a.Prior)
	}))
}

func handle[A any](fn func(A) (any, error)) worker.Func {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		var args A
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("decoding arguments: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := fn(args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}
