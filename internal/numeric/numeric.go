// Package numeric holds the kernels executed inside worker processes. They are
// plain functions over float64 slices and know nothing about scheduling.
package numeric

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// MinLength is the shortest signal accepted by the kernels.
	MinLength = 8
	// significance is the surrogate quantile a coherence must exceed.
	significance = 0.95
)

var (
	ErrTooShort       = fmt.Errorf("signal shorter than %d samples", MinLength)
	ErrLengthMismatch = errors.New("signals differ in length")
	ErrWindow         = errors.New("invalid window")
	ErrPrior          = errors.New("prior variance must be positive")
	ErrRate           = errors.New("sample rate must be positive")
)

type Spectrum struct {
	Freqs []float64 `json:"freqs"`
	Power []float64 `json:"power"`
}

// PowerSpectrum returns the one-sided periodogram of signal sampled at rate Hz.
func PowerSpectrum(signal []float64, rate float64) (Spectrum, error) {
	if err := check(signal, rate); err != nil {
		return Spectrum{}, err
	}
	n := len(signal)
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, signal)

	ret := Spectrum{
		Freqs: make([]float64, len(coeffs)),
		Power: make([]float64, len(coeffs)),
	}
	for i, c := range coeffs {
		ret.Freqs[i] = fft.Freq(i) * rate
		abs := cmplx.Abs(c)
		ret.Power[i] = abs * abs / float64(n)
	}
	return ret, nil
}

type Coherence struct {
	Freqs []float64 `json:"freqs"`
	// Values is the magnitude squared coherence per frequency.
	Values []float64 `json:"values"`
	Mean   float64   `json:"mean"`
	// Threshold is the 95th percentile of the mean coherence of the
	// surrogates, zero without surrogates.
	Threshold   float64 `json:"threshold"`
	Significant bool    `json:"significant"`
}

// MeanCoherence estimates the coherence of x and y with Welch's method. Each
// of the surrogates is a random permutation of y, the permutations are
// determined by seed.
func MeanCoherence(x, y []float64, rate float64, surrogates int, seed uint64) (Coherence, error) {
	if err := check(x, rate); err != nil {
		return Coherence{}, err
	}
	if len(x) != len(y) {
		return Coherence{}, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(x), len(y))
	}

	freqs, values := welch(x, y, rate)
	ret := Coherence{
		Freqs:  freqs,
		Values: values,
		Mean:   mean(values),
	}
	if surrogates < 1 {
		return ret, nil
	}

	rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	means := make([]float64, surrogates)
	shuffled := slices.Clone(y)
	for i := range means {
		rnd.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		_, vals := welch(x, shuffled, rate)
		means[i] = mean(vals)
	}
	slices.Sort(means)
	ret.Threshold = stat.Quantile(significance, stat.Empirical, means, nil)
	ret.Significant = ret.Mean > ret.Threshold
	return ret, nil
}

// welch averages Hann windowed segments overlapping by half.
func welch(x, y []float64, rate float64) ([]float64, []float64) {
	seg := min(len(x), max(MinLength, len(x)/4))
	hop := max(seg/2, 1)
	fft := fourier.NewFFT(seg)

	bins := seg/2 + 1
	sxx := make([]float64, bins)
	syy := make([]float64, bins)
	sxy := make([]complex128, bins)
	bx := make([]float64, seg)
	by := make([]float64, seg)
	var cx, cy []complex128
	for off := 0; off+seg <= len(x); off += hop {
		copy(bx, x[off:off+seg])
		copy(by, y[off:off+seg])
		cx = fft.Coefficients(cx, window.Hann(bx))
		cy = fft.Coefficients(cy, window.Hann(by))
		for i := range bins {
			sxy[i] += cx[i] * cmplx.Conj(cy[i])
			sxx[i] += real(cx[i] * cmplx.Conj(cx[i]))
			syy[i] += real(cy[i] * cmplx.Conj(cy[i]))
		}
	}

	freqs := make([]float64, bins)
	values := make([]float64, bins)
	for i := range bins {
		freqs[i] = fft.Freq(i) * rate
		if sxx[i] == 0 || syy[i] == 0 {
			continue
		}
		abs := cmplx.Abs(sxy[i])
		values[i] = min(abs*abs/(sxx[i]*syy[i]), 1)
	}
	return freqs, values
}

type Ridge struct {
	// Times are the window centers in seconds.
	Times []float64 `json:"times"`
	// Freqs is the dominant frequency of each window.
	Freqs []float64 `json:"freqs"`
}

// PeakRidge follows the dominant frequency of signal over windows of the given
// length overlapping by half. The zero frequency is ignored.
func PeakRidge(signal []float64, rate float64, length int) (Ridge, error) {
	if err := check(signal, rate); err != nil {
		return Ridge{}, err
	}
	if length < MinLength || length > len(signal) {
		return Ridge{}, fmt.Errorf("%w: length %d, signal %d", ErrWindow, length, len(signal))
	}

	hop := length / 2
	var ret Ridge
	for off := 0; off+length <= len(signal); off += hop {
		spec, err := PowerSpectrum(signal[off:off+length], rate)
		if err != nil {
			return Ridge{}, err
		}
		peak := 1 + floats.MaxIdx(spec.Power[1:])
		ret.Times = append(ret.Times, (float64(off)+float64(length)/2)/rate)
		ret.Freqs = append(ret.Freqs, spec.Freqs[peak])
	}
	return ret, nil
}

type Gaussian struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

// Posterior updates a Gaussian prior on the mean of signal, the noise variance
// is the sample variance of signal.
func Posterior(signal []float64, prior Gaussian) (Gaussian, error) {
	if len(signal) < MinLength {
		return Gaussian{}, fmt.Errorf("%w: got %d", ErrTooShort, len(signal))
	}
	if !(prior.Variance > 0) {
		return Gaussian{}, fmt.Errorf("%w: %g", ErrPrior, prior.Variance)
	}
	m, v := stat.MeanVariance(signal, nil)
	if v == 0 {
		return Gaussian{Mean: m}, nil
	}
	n := float64(len(signal))
	precision := 1/prior.Variance + n/v
	return Gaussian{
		Mean:     (prior.Mean/prior.Variance + n*m/v) / precision,
		Variance: 1 / precision,
	}, nil
}

func check(signal []float64, rate float64) error {
	if len(signal) < MinLength {
		return fmt.Errorf("%w: got %d", ErrTooShort, len(signal))
	}
	if !(rate > 0) || math.IsInf(rate, 0) {
		return fmt.Errorf("%w: %g", ErrRate, rate)
	}
	return nil
}

func mean(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	// skip the zero frequency
	return stat.Mean(values[1:], nil)
}
