package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/log"
	"github.com/CZERTAINLY/taskpool/internal/worker"
)

const (
	// drainDelay bounds the read of a result still buffered in the pipe after
	// the worker has been reaped.
	drainDelay = 250 * time.Millisecond
	// waitDelay bounds the stdin copy once the worker exits.
	waitDelay = time.Second
)

// Job owns exactly one worker process and its result channel. All methods
// except the internal goroutines are called by the scheduler under its lock.
type Job struct {
	index   int
	item    WorkItem
	state   State
	pid     int
	results *os.File
	outcome chan Payload
	exited  atomic.Bool
	closer  sync.Once
	started time.Time
}

func newJob(index int, item WorkItem) *Job {
	return &Job{
		index:   index,
		item:    item,
		outcome: make(chan Payload, 1),
	}
}

func (j *Job) Index() int { return j.index }
func (j *Job) Weight() int { return j.item.Weight }
func (j *Job) Func() string { return j.item.Func }
func (j *Job) State() State { return j.state }
func (j *Job) PID() int { return j.pid }
func (j *Job) Exited() bool { return j.exited.Load() }
func (j *Job) Started() time.Time { return j.started }

// Start spawns the worker process in its own process group. The result channel
// is passed as worker.ResultFD and the arguments are written to its stdin.
// Start is a no-op unless the job is Pending. On error the job is Finished.
func (j *Job) Start(ctx context.Context, proto Command) error {
	if j.state != Pending {
		return nil
	}
	// no process will ever exist for a job which failed to start
	j.state = Finished

	results, resultsW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating result channel: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = results.Close()
		_ = resultsW.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	env := proto.Env
	if env == nil {
		env = os.Environ()
	}

	cmd := exec.Command(proto.Path, append(slices.Clone(proto.Args), j.item.Func)...)
	cmd.Env = append(slices.Clone(env), j.item.Env...)
	cmd.Stdin = bytes.NewReader(j.item.Args)
	cmd.Stderr = stderrW
	cmd.ExtraFiles = []*os.File{resultsW}
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	err = cmd.Start()
	// the child owns the write ends now
	_ = resultsW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = results.Close()
		_ = stderr.Close()
		return err
	}

	j.state = Running
	j.pid = cmd.Process.Pid
	j.results = results
	j.started = time.Now()

	ctx = log.ContextAttrs(ctx,
		slog.Int("job", j.index),
		slog.String("func", j.item.Func),
		slog.Int("pid", j.pid),
	)
	slog.DebugContext(ctx, "job started", "weight", j.item.Weight)

	stderrFunc := proto.Stderr
	if stderrFunc == nil {
		stderrFunc = logStderr
	}
	readerDone := make(chan bool, 1)
	go processStderr(ctx, stderr, stderrFunc)
	go j.read(readerDone)
	go j.wait(ctx, cmd, readerDone)
	return nil
}

// Poll returns the outcome of a running job without blocking. Once it has
// returned true the job is Finished.
func (j *Job) Poll() (Payload, bool) {
	if j.state != Running {
		return Payload{}, false
	}
	select {
	case p := <-j.outcome:
		j.state = Finished
		return p, true
	default:
		return Payload{}, false
	}
}

// Terminate kills the worker together with all its descendants and closes the
// result channel. It is idempotent and legal in every state.
func (j *Job) Terminate() {
	if j.pid != 0 && !j.exited.Load() {
		if err := killTree(j.pid); err != nil {
			slog.Debug("killing worker process tree", "job", j.index, "pid", j.pid, "error", err)
		}
	}
	j.closeResults()
	j.state = Finished
}

func (j *Job) closeResults() {
	if j.results == nil {
		return
	}
	j.closer.Do(func() {
		_ = j.results.Close()
	})
}

func (j *Job) deliver(p Payload) {
	select {
	case j.outcome <- p:
	default:
	}
}

func (j *Job) read(done chan<- bool) {
	var env worker.Envelope
	dec := json.NewDecoder(j.results)
	if err := dec.Decode(&env); err != nil {
		done <- false
		return
	}
	if env.OK {
		j.deliver(Payload{Data: env.Data})
	} else {
		j.deliver(Payload{Err: &Failure{Kind: FailureWorker, Message: env.Error}})
	}
	done <- true
}

// wait reaps the worker and synthesizes a crash outcome when the worker went
// away without delivering a result.
func (j *Job) wait(ctx context.Context, cmd *exec.Cmd, readerDone <-chan bool) {
	err := cmd.Wait()
	j.exited.Store(true)
	// helpers left behind in the worker's process group
	sweepGroup(j.pid)

	_ = j.results.SetReadDeadline(time.Now().Add(drainDelay))
	delivered := <-readerDone
	j.closeResults()
	if delivered {
		slog.DebugContext(ctx, "job process exited", "state", stateString(cmd.ProcessState))
		return
	}

	msg := "process exited without delivering a result: " + stateString(cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		msg += ": " + err.Error()
	}
	slog.DebugContext(ctx, "job crashed", "reason", msg)
	j.deliver(Payload{Err: &Failure{Kind: FailureCrash, Message: msg}})
}

func stateString(state *os.ProcessState) string {
	if state == nil {
		return "unknown state"
	}
	return state.String()
}

func processStderr(ctx context.Context, stderr io.ReadCloser, stderrFunc StderrFunc) {
	defer func() {
		_ = stderr.Close()
	}()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing worker stderr", "error", err)
		// keep the worker from blocking on a full pipe
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func logStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "worker stderr", "line", line)
}
