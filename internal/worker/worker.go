package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
)

// ResultFD is the file descriptor a worker process writes its single Envelope to.
// The parent passes the write end of a pipe as the first entry of exec.Cmd.ExtraFiles.
const ResultFD = 3

var (
	ErrUnknownFunc = errors.New("unknown worker function")
	ErrPanic       = errors.New("worker function panicked")
)

// Func is a unit of work executed inside a worker process.
type Func func(ctx context.Context, args []byte) ([]byte, error)

// Envelope is the one message a worker delivers on its result channel.
type Envelope struct {
	OK    bool   `json:"ok"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type Registry struct {
	mx    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, it panics on duplicate names as this is
// a programming error detected at init time.
func (r *Registry) Register(name string, fn Func) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.funcs[name]; ok {
		panic("worker: function registered twice: " + name)
	}
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResultFile returns the inherited result channel of a worker process.
func ResultFile() *os.File {
	return os.NewFile(ResultFD, "taskpool-result")
}

// Serve is the worker side of a job. It reads all arguments from in, runs the
// function registered as name and writes exactly one Envelope to out.
// Failures of the function itself are delivered as a failed Envelope, the
// returned error is non-nil only when the envelope could not be written.
func Serve(ctx context.Context, reg *Registry, name string, in io.Reader, out io.Writer) error {
	env := run(ctx, reg, name, in)
	if !env.OK {
		slog.DebugContext(ctx, "worker function failed", "func", name, "error", env.Error)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	b = append(b, '\n')
	if _, err := out.Write(b); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

func run(ctx context.Context, reg *Registry, name string, in io.Reader) (env Envelope) {
	fn, ok := reg.Lookup(name)
	if !ok {
		return Envelope{Error: fmt.Sprintf("%s: %q", ErrUnknownFunc, name)}
	}
	args, err := io.ReadAll(in)
	if err != nil {
		return Envelope{Error: fmt.Sprintf("reading arguments: %s", err)}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "worker panic", "func", name, "panic", r, "stack", string(debug.Stack()))
			env = Envelope{Error: fmt.Sprintf("%s: %v", ErrPanic, r)}
		}
	}()

	data, err := fn(ctx, args)
	if err != nil {
		return Envelope{Error: err.Error()}
	}
	return Envelope{OK: true, Data: data}
}
