package service

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/analysis"
	"github.com/CZERTAINLY/taskpool/internal/history"

	"github.com/olekukonko/tablewriter"
)

// Report is the document delivered to the sinks.
type Report struct {
	Batch    string        `json:"batch"`
	Kind     analysis.Kind `json:"kind"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Failures int           `json:"failures"`
	Results  []Entry       `json:"results"`
}

type Entry struct {
	Type   string          `json:"type"`
	Result analysis.Result `json:"result"`
}

func (r *Report) setResults(results []analysis.Result) {
	r.Results = make([]Entry, len(results))
	r.Failures = 0
	for i, res := range results {
		r.Results[i] = Entry{Type: resultType(res), Result: res}
		if _, ok := res.(analysis.Failed); ok {
			r.Failures++
		}
	}
}

func (r Report) JSON() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return append(b, '\n'), nil
}

// Summary renders one table row per job.
func (r Report) Summary(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Type", "Subject", "Outcome")
	for _, e := range r.Results {
		if err := table.Append(strconv.Itoa(e.Result.Slot()), e.Type, subject(e.Result), outcome(e.Result)); err != nil {
			return err
		}
	}
	return table.Render()
}

func historyTable(w io.Writer, rows []history.BatchRow) error {
	table := tablewriter.NewWriter(w)
	table.Header("Batch", "Kind", "Jobs", "Started", "Status", "Failures")
	for _, row := range rows {
		err := table.Append(
			row.UUID,
			row.Kind,
			strconv.Itoa(row.Jobs),
			row.StartedAt.Local().Format(time.DateTime),
			row.Status(),
			strconv.Itoa(row.Failures),
		)
		if err != nil {
			return err
		}
	}
	return table.Render()
}

func resultType(r analysis.Result) string {
	switch r.(type) {
	case analysis.Spectrum:
		return "spectrum"
	case analysis.Coherence:
		return "coherence"
	case analysis.Ridge:
		return "ridge"
	case analysis.Posterior:
		return "posterior"
	case analysis.Failed:
		return "failed"
	}
	return "unknown"
}

func subject(r analysis.Result) string {
	switch r := r.(type) {
	case analysis.Spectrum:
		return r.Signal
	case analysis.Coherence:
		return r.X + " / " + r.Y
	case analysis.Ridge:
		return r.Signal
	case analysis.Posterior:
		return r.Signal
	}
	return ""
}

func outcome(r analysis.Result) string {
	switch r := r.(type) {
	case analysis.Spectrum:
		return fmt.Sprintf("%d bins", len(r.Power))
	case analysis.Coherence:
		sig := ""
		if r.Significant {
			sig = " (significant)"
		}
		return fmt.Sprintf("mean %.3f%s", r.Mean, sig)
	case analysis.Ridge:
		return fmt.Sprintf("%d windows", len(r.Freqs))
	case analysis.Posterior:
		return fmt.Sprintf("mean %.4g, variance %.4g", r.Mean, r.Variance)
	case analysis.Failed:
		return red.Sprint(r.Err.Error())
	}
	return ""
}
