package service

import (
	"fmt"
	"maps"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/CZERTAINLY/taskpool/internal/model"
	"github.com/CZERTAINLY/taskpool/internal/scheduler"
)

// WorkCommand is the hidden subcommand a worker process runs.
const WorkCommand = "_work"

// Command builds the worker prototype from the configuration. An empty binary
// means the running executable. Worker environment values starting with $ are
// expanded, the native library path is prepended to the library search path
// of the workers only.
func Command(cfg model.Worker, environ []string) (scheduler.Command, error) {
	path := cfg.Binary
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return scheduler.Command{}, fmt.Errorf("locating taskpool executable: %w", err)
		}
		path = exe
	}

	env := slices.Clone(environ)
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		v := cfg.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = setEnv(env, k, v)
	}
	if cfg.NativeLibPath != "" {
		key := libraryPathVar(runtime.GOOS)
		value := cfg.NativeLibPath
		if old, ok := lookupEnv(env, key); ok && old != "" {
			value += string(os.PathListSeparator) + old
		}
		env = setEnv(env, key, value)
	}

	return scheduler.Command{
		Path: path,
		Args: []string{WorkCommand},
		Env:  env,
	}, nil
}

// SchedulerOptions converts the scheduler section, zero values keep the
// scheduler defaults.
func SchedulerOptions(cfg model.Scheduler) ([]scheduler.Option, error) {
	var opts []scheduler.Option
	tick, err := cfg.TickDuration()
	if err != nil {
		return nil, err
	}
	if tick > 0 {
		opts = append(opts, scheduler.WithTick(tick))
	}
	sample, err := cfg.SampleDuration()
	if err != nil {
		return nil, err
	}
	if sample > 0 {
		opts = append(opts, scheduler.WithSampleEvery(sample))
	}
	if cfg.CPUThreshold > 0 {
		opts = append(opts, scheduler.WithCPUThreshold(cfg.CPUThreshold))
	}
	if cfg.Budget > 0 {
		opts = append(opts, scheduler.WithBudget(cfg.Budget))
	}
	return opts, nil
}

func libraryPathVar(goos string) string {
	switch goos {
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	case "windows":
		return "PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

func lookupEnv(env []string, key string) (string, bool) {
	for _, kv := range slices.Backward(env) {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func setEnv(env []string, key, value string) []string {
	env = slices.DeleteFunc(env, func(kv string) bool {
		k, _, _ := strings.Cut(kv, "=")
		return k == key
	})
	return append(env, key+"="+value)
}
