package scheduler

import (
	"context"
	"errors"
	"slices"
)

var (
	ErrTerminated     = errors.New("batch terminated")
	ErrInProgress     = errors.New("batch in progress")
	ErrAlreadyStarted = errors.New("batch already started")
	ErrBatchFrozen    = errors.New("batch frozen: jobs can only be added before the run starts")
	ErrInvalidWeight  = errors.New("weight must be at least 1")
	ErrNoFunc         = errors.New("work item has no function")
)

// WorkItem describes one unit of computation. Func names a function registered
// in the worker process, Args are delivered to it on stdin.
type WorkItem struct {
	Func   string
	Args   []byte
	Weight int
	// Env is appended to the worker command environment of this item only.
	Env []string
}

func (w WorkItem) clone() WorkItem {
	w.Args = slices.Clone(w.Args)
	w.Env = slices.Clone(w.Env)
	return w
}

// Command is a prototype of a worker process. The function name of a WorkItem
// is appended to Args when the job is started.
type Command struct {
	Path string
	Args []string
	// Env of the worker process, nil means the environment of the current process.
	Env []string
	// Stderr is called for each line the worker writes to its stderr, nil
	// forwards the lines to the debug log.
	Stderr StderrFunc
}

type StderrFunc func(ctx context.Context, line string)

type FailureKind int

const (
	// FailureWorker is an explicit failure delivered by the worker.
	FailureWorker FailureKind = iota + 1
	// FailureCrash is reported when the process exited without a result.
	FailureCrash
	// FailureSpawn is reported when the process could not be started.
	FailureSpawn
)

func (k FailureKind) String() string {
	switch k {
	case FailureWorker:
		return "worker failure"
	case FailureCrash:
		return "worker crash"
	case FailureSpawn:
		return "spawn failure"
	default:
		return "unknown failure"
	}
}

func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return f.Kind.String() + ": " + f.Message
}

// Payload is the outcome of one job, Err is nil on success.
type Payload struct {
	Data []byte
	Err  *Failure
}

func (p Payload) Failed() bool {
	return p.Err != nil
}

// BatchResult holds one Payload per submitted WorkItem in submission order.
type BatchResult []Payload

type State int

const (
	Pending State = iota
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Progress is a point in time view of a batch.
type Progress struct {
	Completed int
	Total     int
	Running   int
	Pending   int
	Budget    int
	Phase     Phase
}

type JobStatus struct {
	Index  int
	Func   string
	Weight int
	State  State
	PID    int
}

type (
	ProgressFunc func(completed, total int)
	ErrorFunc    func(message string)
)
