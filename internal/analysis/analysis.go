// Package analysis builds batches of numeric jobs for the scheduler and turns
// their opaque payloads back into typed results.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CZERTAINLY/taskpool/internal/numeric"
	"github.com/CZERTAINLY/taskpool/internal/scheduler"
)

type Kind string

const (
	KindSpectrum  Kind = "spectrum"
	KindCoherence Kind = "coherence"
	KindRidge     Kind = "ridge"
	KindBayes     Kind = "bayes"
)

var (
	ErrNoSignals   = errors.New("no signals")
	ErrUnknownKind = errors.New("unknown analysis")
	ErrSurrogates  = errors.New("surrogates must not be negative")
)

func (k Kind) Valid() bool {
	switch k {
	case KindSpectrum, KindCoherence, KindRidge, KindBayes:
		return true
	}
	return false
}

type Signal struct {
	Name    string    `json:"name" yaml:"name"`
	Rate    float64   `json:"rate" yaml:"rate"`
	Samples []float64 `json:"samples" yaml:"samples"`
}

// Request describes one batch. Surrogates apply to coherence, Window to ridge
// and Prior to bayes.
type Request struct {
	Kind       Kind
	Signals    []Signal
	Surrogates int
	Window     int
	Prior      numeric.Gaussian
}

type spectrumArgs struct {
	Signal Signal `json:"signal"`
}

type coherenceArgs struct {
	X          Signal `json:"x"`
	Y          Signal `json:"y"`
	Surrogates int    `json:"surrogates"`
	Seed       uint64 `json:"seed"`
}

type ridgeArgs struct {
	Signal Signal `json:"signal"`
	Window int    `json:"window"`
}

type bayesArgs struct {
	Signal Signal           `json:"signal"`
	Prior  numeric.Gaussian `json:"prior"`
}

// Facade runs every analysis as a fresh batch of worker processes.
type Facade struct {
	cmd  scheduler.Command
	opts []scheduler.Option
}

func New(cmd scheduler.Command, opts ...scheduler.Option) *Facade {
	return &Facade{cmd: cmd, opts: opts}
}

// Transform computes the power spectrum of every signal.
func (f *Facade) Transform(ctx context.Context, signals []Signal) ([]Result, error) {
	return f.run(ctx, Request{Kind: KindSpectrum, Signals: signals})
}

// Coherence computes the coherence of every unordered pair of signals. Each
// job weighs one plus the number of surrogates.
func (f *Facade) Coherence(ctx context.Context, signals []Signal, surrogates int) ([]Result, error) {
	return f.run(ctx, Request{Kind: KindCoherence, Signals: signals, Surrogates: surrogates})
}

// Ridge follows the dominant frequency of every signal.
func (f *Facade) Ridge(ctx context.Context, signals []Signal, window int) ([]Result, error) {
	return f.run(ctx, Request{Kind: KindRidge, Signals: signals, Window: window})
}

// Bayes updates prior with every signal.
func (f *Facade) Bayes(ctx context.Context, signals []Signal, prior numeric.Gaussian) ([]Result, error) {
	return f.run(ctx, Request{Kind: KindBayes, Signals: signals, Prior: prior})
}

func (f *Facade) run(ctx context.Context, req Request) ([]Result, error) {
	b, err := f.Prepare(req)
	if err != nil {
		return nil, err
	}
	return b.Run(ctx)
}

// Prepare builds the batch for req without starting it, so the caller can
// drive it with Scheduler.Ticks and terminate it.
func (f *Facade) Prepare(req Request, opts ...scheduler.Option) (*Batch, error) {
	if len(req.Signals) == 0 {
		return nil, ErrNoSignals
	}
	items, decoders, err := build(req)
	if err != nil {
		return nil, err
	}

	s := scheduler.New(f.cmd, append(append([]scheduler.Option{}, f.opts...), opts...)...)
	for _, item := range items {
		if err := s.Add(item); err != nil {
			return nil, err
		}
	}
	return &Batch{
		Scheduler: s,
		Kind:      req.Kind,
		decoders:  decoders,
	}, nil
}

func build(req Request) ([]scheduler.WorkItem, []decoder, error) {
	var items []scheduler.WorkItem
	var decoders []decoder
	add := func(args any, weight int, dec decoder) error {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encoding %s arguments: %w", req.Kind, err)
		}
		items = append(items, scheduler.WorkItem{Func: string(req.Kind), Args: b, Weight: weight})
		decoders = append(decoders, dec)
		return nil
	}

	switch req.Kind {
	case KindSpectrum:
		for _, sig := range req.Signals {
			if err := add(spectrumArgs{Signal: sig}, 1, spectrumDecoder(sig.Name)); err != nil {
				return nil, nil, err
			}
		}
	case KindCoherence:
		if len(req.Signals) < 2 {
			return nil, nil, fmt.Errorf("%w: coherence needs at least two, got %d", ErrNoSignals, len(req.Signals))
		}
		if req.Surrogates < 0 {
			return nil, nil, fmt.Errorf("%w: %d", ErrSurrogates, req.Surrogates)
		}
		for i, x := range req.Signals {
			for _, y := range req.Signals[i+1:] {
				args := coherenceArgs{X: x, Y: y, Surrogates: req.Surrogates, Seed: uint64(len(items))}
				if err := add(args, 1+req.Surrogates, coherenceDecoder(x.Name, y.Name)); err != nil {
					return nil, nil, err
				}
			}
		}
	case KindRidge:
		for _, sig := range req.Signals {
			if err := add(ridgeArgs{Signal: sig, Window: req.Window}, 1, ridgeDecoder(sig.Name)); err != nil {
				return nil, nil, err
			}
		}
	case KindBayes:
		for _, sig := range req.Signals {
			if err := add(bayesArgs{Signal: sig, Prior: req.Prior}, 1, posteriorDecoder(sig.Name)); err != nil {
				return nil, nil, err
			}
		}
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	return items, decoders, nil
}

// Batch is a prepared analysis. Results are in submission order: one per
// signal, or one per pair for coherence.
type Batch struct {
	Scheduler *scheduler.Scheduler
	Kind      Kind
	decoders  []decoder
}

func (b *Batch) Run(ctx context.Context) ([]Result, error) {
	if _, err := b.Scheduler.Run(ctx); err != nil {
		return nil, err
	}
	return b.Results()
}

// Results decodes the payloads of a finished batch. It fails with the
// scheduler's error for a batch which is still running or was terminated.
func (b *Batch) Results() ([]Result, error) {
	payloads, err := b.Scheduler.Result()
	if err != nil {
		return nil, err
	}
	ret := make([]Result, len(payloads))
	for i, p := range payloads {
		ret[i] = decode(i, p, b.decoders[i])
	}
	return ret, nil
}
