package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/CZERTAINLY/taskpool/internal/numeric"
	"github.com/CZERTAINLY/taskpool/internal/scheduler"
)

// Result is one of Spectrum, Coherence, Ridge, Posterior or Failed.
type Result interface {
	// Slot is the position of the job in the batch.
	Slot() int
	result()
}

type Spectrum struct {
	Index  int    `json:"index"`
	Signal string `json:"signal"`
	numeric.Spectrum
}

type Coherence struct {
	Index int    `json:"index"`
	X     string `json:"x"`
	Y     string `json:"y"`
	numeric.Coherence
}

type Ridge struct {
	Index  int    `json:"index"`
	Signal string `json:"signal"`
	numeric.Ridge
}

type Posterior struct {
	Index  int    `json:"index"`
	Signal string `json:"signal"`
	numeric.Gaussian
}

// Failed takes the slot of a job which failed, crashed or never started.
type Failed struct {
	Index int                `json:"index"`
	Err   *scheduler.Failure `json:"error"`
}

func (r Spectrum) Slot() int  { return r.Index }
func (r Coherence) Slot() int { return r.Index }
func (r Ridge) Slot() int     { return r.Index }
func (r Posterior) Slot() int { return r.Index }
func (r Failed) Slot() int    { return r.Index }

func (Spectrum) result()  {}
func (Coherence) result() {}
func (Ridge) result()     {}
func (Posterior) result() {}
func (Failed) result()    {}

func (r Failed) Error() string {
	return fmt.Sprintf("job %d: %s", r.Index, r.Err)
}

type decoder func(index int, data []byte) (Result, error)

func decode(index int, p scheduler.Payload, dec decoder) Result {
	if p.Failed() {
		return Failed{Index: index, Err: p.Err}
	}
	r, err := dec(index, p.Data)
	if err != nil {
		return Failed{Index: index, Err: &scheduler.Failure{
			Kind:    scheduler.FailureWorker,
			Message: "decoding result: " + err.Error(),
		}}
	}
	return r
}

func spectrumDecoder(name string) decoder {
	return func(index int, data []byte) (Result, error) {
		r := Spectrum{Index: index, Signal: name}
		err := json.Unmarshal(data, &r.Spectrum)
		return r, err
	}
}

func coherenceDecoder(x, y string) decoder {
	return func(index int, data []byte) (Result, error) {
		r := Coherence{Index: index, X: x, Y: y}
		err := json.Unmarshal(data, &r.Coherence)
		return r, err
	}
}

func ridgeDecoder(name string) decoder {
	return func(index int, data []byte) (Result, error) {
		r := Ridge{Index: index, Signal: name}
		err := json.Unmarshal(data, &r.Ridge)
		return r, err
	}
}

func posteriorDecoder(name string) decoder {
	return func(index int, data []byte) (Result, error) {
		r := Posterior{Index: index, Signal: name}
		err := json.Unmarshal(data, &r.Gaussian)
		return r, err
	}
}
