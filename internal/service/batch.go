package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/CZERTAINLY/taskpool/internal/analysis"
	"github.com/CZERTAINLY/taskpool/internal/numeric"
	"github.com/CZERTAINLY/taskpool/internal/parallel"

	"gopkg.in/yaml.v3"
)

var ErrBatchFile = errors.New("invalid batch file")

// BatchFile is the YAML description of one analysis run.
//
//	analysis: coherence
//	surrogates: 19
//	signals:
//	  - name: left
//	    rate: 250
//	    file: left.txt
//	  - name: right
//	    rate: 250
//	    samples: [0.1, 0.4, ...]
type BatchFile struct {
	Analysis   analysis.Kind    `yaml:"analysis"`
	Surrogates int              `yaml:"surrogates,omitempty"`
	Window     int              `yaml:"window,omitempty"`
	Prior      numeric.Gaussian `yaml:"prior,omitempty"`
	Signals    []SignalSource   `yaml:"signals"`
}

// SignalSource holds samples inline or names a file of whitespace separated
// numbers, relative paths are resolved against the batch file.
type SignalSource struct {
	Name    string    `yaml:"name"`
	Rate    float64   `yaml:"rate"`
	Samples []float64 `yaml:"samples,omitempty"`
	File    string    `yaml:"file,omitempty"`
}

// LoadBatch reads the batch file at path and loads all signal files.
func LoadBatch(ctx context.Context, path string) (analysis.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return analysis.Request{}, fmt.Errorf("opening batch file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var bf BatchFile
	if err := dec.Decode(&bf); err != nil {
		return analysis.Request{}, fmt.Errorf("%w: %s: %w", ErrBatchFile, path, err)
	}
	if err := bf.validate(); err != nil {
		return analysis.Request{}, fmt.Errorf("%w: %s: %w", ErrBatchFile, path, err)
	}

	dir := filepath.Dir(path)
	signals, err := parallel.Map(ctx, runtime.NumCPU(), bf.Signals, func(ctx context.Context, src SignalSource) (analysis.Signal, error) {
		return src.load(ctx, dir)
	})
	if err != nil {
		return analysis.Request{}, fmt.Errorf("loading signals: %w", err)
	}

	return analysis.Request{
		Kind:       bf.Analysis,
		Signals:    signals,
		Surrogates: bf.Surrogates,
		Window:     bf.Window,
		Prior:      bf.Prior,
	}, nil
}

func (bf BatchFile) validate() error {
	if !bf.Analysis.Valid() {
		return fmt.Errorf("unknown analysis %q", bf.Analysis)
	}
	if len(bf.Signals) == 0 {
		return errors.New("no signals")
	}
	for i, s := range bf.Signals {
		switch {
		case s.Name == "":
			return fmt.Errorf("signal %d: missing name", i)
		case !(s.Rate > 0):
			return fmt.Errorf("signal %s: rate must be positive", s.Name)
		case (s.File == "") == (len(s.Samples) == 0):
			return fmt.Errorf("signal %s: exactly one of file and samples is required", s.Name)
		}
	}
	return nil
}

func (s SignalSource) load(ctx context.Context, dir string) (analysis.Signal, error) {
	ret := analysis.Signal{Name: s.Name, Rate: s.Rate, Samples: s.Samples}
	if s.File == "" {
		return ret, nil
	}

	path := s.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return ret, fmt.Errorf("signal %s: %w", s.Name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	ret.Samples, err = readSamples(ctx, f)
	if err != nil {
		return ret, fmt.Errorf("signal %s: %s: %w", s.Name, path, err)
	}
	return ret, nil
}

func readSamples(ctx context.Context, r io.Reader) ([]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	var ret []float64
	for scanner.Scan() {
		if len(ret)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", len(ret), err)
		}
		ret = append(ret, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return nil, errors.New("no samples")
	}
	return ret, nil
}
