package model

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultTick         = "50ms"
	DefaultSampleEvery  = "3s"
	DefaultCPUThreshold = 95.0
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Scheduler Scheduler `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Worker    Worker    `json:"worker,omitempty" yaml:"worker,omitempty"`
	Service   Service   `json:"service" yaml:"service"`
}

// Scheduler tunes the process pool. Zero values mean the built-in defaults.
type Scheduler struct {
	Tick         string  `json:"tick,omitempty" yaml:"tick,omitempty"`
	SampleEvery  string  `json:"sample_every,omitempty" yaml:"sample_every,omitempty"`
	CPUThreshold float64 `json:"cpu_threshold,omitempty" yaml:"cpu_threshold,omitempty"`
	Budget       int     `json:"budget,omitempty" yaml:"budget,omitempty"` // 0 => logical cores + 1
}

// Worker describes how worker processes are launched.
type Worker struct {
	Binary        string            `json:"binary,omitempty" yaml:"binary,omitempty"` // empty => taskpool itself
	NativeLibPath string            `json:"native_lib_path,omitempty" yaml:"native_lib_path,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Service struct {
	Verbose    bool        `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log        string      `json:"log,omitempty" yaml:"log,omitempty"`         // "stderr"|"stdout"|"discard"|path
	Dir        string      `json:"dir,omitempty" yaml:"dir,omitempty"`         // results directory
	History    string      `json:"history,omitempty" yaml:"history,omitempty"` // sqlite file, empty disables
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Repository is an HTTP endpoint receiving batch results.
type Repository struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
}

// TickDuration returns the configured scheduling tick or zero when unset.
func (s Scheduler) TickDuration() (time.Duration, error) {
	return parseDuration("scheduler.tick", s.Tick)
}

// SampleDuration returns the configured sampling interval or zero when unset.
func (s Scheduler) SampleDuration() (time.Duration, error) {
	return parseDuration("scheduler.sample_every", s.SampleEvery)
}

func parseDuration(path, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// DefaultConfig returns the configuration stored when no config file exists.
// Batch history goes to dir.
func DefaultConfig(dir string) Config {
	return Config{
		Version: 0,
		Scheduler: Scheduler{
			Tick:         DefaultTick,
			SampleEvery:  DefaultSampleEvery,
			CPUThreshold: DefaultCPUThreshold,
		},
		Service: Service{
			Log:     LogStderr,
			History: filepath.Join(dir, "history.db"),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}
