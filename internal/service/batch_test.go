package service_test

import (
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/taskpool/internal/analysis"
	"github.com/CZERTAINLY/taskpool/internal/numeric"
	"github.com/CZERTAINLY/taskpool/internal/service"

	"github.com/stretchr/testify/require"
)

func TestLoadBatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, mkdir(filepath.Join(dir, "data")))
	writeFile(t, filepath.Join(dir, "data", "left.txt"), "0.5 1.5\n-2\t3e-1\n")
	abs := filepath.Join(t.TempDir(), "right.txt")
	writeFile(t, abs, "1\n2\n")
	writeFile(t, filepath.Join(dir, "batch.yaml"), `
analysis: coherence
surrogates: 19
signals:
  - name: left
    rate: 250
    file: data/left.txt
  - name: right
    rate: 250
    file: `+abs+`
  - name: inline
    rate: 125.5
    samples: [1, 2.5]
`)

	req, err := service.LoadBatch(t.Context(), filepath.Join(dir, "batch.yaml"))
	require.NoError(t, err)
	require.Equal(t, analysis.KindCoherence, req.Kind)
	require.Equal(t, 19, req.Surrogates)
	require.Equal(t, []analysis.Signal{
		{Name: "left", Rate: 250, Samples: []float64{0.5, 1.5, -2, 0.3}},
		{Name: "right", Rate: 250, Samples: []float64{1, 2}},
		{Name: "inline", Rate: 125.5, Samples: []float64{1, 2.5}},
	}, req.Signals)
}

func TestLoadBatch_Prior(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "batch.yaml"), `
analysis: bayes
prior:
  mean: 1.5
  variance: 4
signals:
  - {name: a, rate: 1, samples: [1]}
`)
	req, err := service.LoadBatch(t.Context(), filepath.Join(dir, "batch.yaml"))
	require.NoError(t, err)
	require.Equal(t, numeric.Gaussian{Mean: 1.5, Variance: 4}, req.Prior)
}

func TestLoadBatch_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		file     string
		then     string
	}{
		{
			scenario: "unknown analysis",
			given:    "analysis: wavelet\nsignals: [{name: a, rate: 1, samples: [1]}]\n",
			then:     `unknown analysis "wavelet"`,
		},
		{
			scenario: "unknown field",
			given:    "analysis: ridge\nwindows: 4\nsignals: [{name: a, rate: 1, samples: [1]}]\n",
			then:     "field windows not found",
		},
		{
			scenario: "no signals",
			given:    "analysis: ridge\n",
			then:     "no signals",
		},
		{
			scenario: "missing name",
			given:    "analysis: ridge\nsignals: [{rate: 1, samples: [1]}]\n",
			then:     "signal 0: missing name",
		},
		{
			scenario: "bad rate",
			given:    "analysis: ridge\nsignals: [{name: a, rate: 0, samples: [1]}]\n",
			then:     "signal a: rate must be positive",
		},
		{
			scenario: "file and samples",
			given:    "analysis: ridge\nsignals: [{name: a, rate: 1, samples: [1], file: a.txt}]\n",
			then:     "exactly one of file and samples",
		},
		{
			scenario: "missing file",
			given:    "analysis: ridge\nsignals: [{name: a, rate: 1, file: missing.txt}]\n",
			then:     "signal a",
		},
		{
			scenario: "bad sample",
			given:    "analysis: ridge\nsignals: [{name: a, rate: 1, file: a.txt}]\n",
			file:     "1 2 x",
			then:     "sample 2",
		},
		{
			scenario: "empty file",
			given:    "analysis: ridge\nsignals: [{name: a, rate: 1, file: a.txt}]\n",
			file:     " \n",
			then:     "no samples",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "batch.yaml"), tc.given)
			if tc.file != "" {
				writeFile(t, filepath.Join(dir, "a.txt"), tc.file)
			}
			_, err := service.LoadBatch(t.Context(), filepath.Join(dir, "batch.yaml"))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}

	_, err := service.LoadBatch(t.Context(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "opening batch file")
}

func TestLoadBatch_InvalidErr(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "batch.yaml"), "analysis: ridge\n")
	_, err := service.LoadBatch(t.Context(), filepath.Join(dir, "batch.yaml"))
	require.ErrorIs(t, err, service.ErrBatchFile)
}
