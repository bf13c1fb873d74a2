// Package starmap distributes MapReduce-style computations across
// heterogeneous execution backends and collects streaming partial results.
package starmap

import (
	"fmt"

	"github.com/hazardlab/starmap/envelope"
	"github.com/hazardlab/starmap/monitor"
)

// Version tags every monitor; workers refuse tasks coming from a master at a
// different version.
const Version = "1.2.0"

// TaskSpec is one unit of work travelling from the dispatcher to a worker.
// Immutable after submit.
type TaskSpec struct {
	// Func is the registered name of the task function.
	Func string
	// Args are the positional arguments, one blob each.
	Args []*envelope.Blob
	// TaskNo is the ordinal assigned by the dispatcher.
	TaskNo int
	// Mon carries the measurement record and the ingress address.
	Mon *monitor.Monitor
}

// Subtask is emitted by a running task to spawn more work. The dispatcher
// enqueues it as a new task inheriting the calc context.
type Subtask struct {
	// Func is the registered name of the function to run.
	Func string
	// Args are the positional arguments of the subtask.
	Args []any
}

// Weighted is implemented by task inputs carrying a cost estimate; the
// weight of a task is the weight of its first argument.
type Weighted interface {
	TaskWeight() float64
}

// TaskError is a task failure rehydrated at the consumer. It preserves the
// original error kind and the formatted worker backtrace, except for the
// key-not-found kind which is widened to a runtime error to keep the
// multi-line message intact.
type TaskError struct {
	Kind      string
	Message   string
	Backtrace string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("\n%s%s: %s", e.Backtrace, e.Kind, e.Message)
}

// BackendUnavailableError reports a submit against a backend that is not
// usable: pool not initialized, worker host down, brokers unreachable.
type BackendUnavailableError struct {
	Backend string
	Reason  string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %s", e.Backend, e.Reason)
}

// SlowTaskError is raised after the run, when strict mode is on and a task
// took over three times the mean duration and more than three minutes.
type SlowTaskError struct {
	Task     string
	TaskNo   int
	Duration float64
	Mean     float64
}

func (e *SlowTaskError) Error() string {
	return fmt.Sprintf("task %s#%d took %.0fs against a mean of %.0fs",
		e.Task, e.TaskNo, e.Duration, e.Mean)
}

// Error kinds used in failure results produced by the dispatcher machinery
// itself (user errors keep their own kind).
const (
	KindRuntimeError    = "RuntimeError"
	KindKeyError        = "KeyError"
	KindVersionMismatch = "VersionMismatch"
	KindHardMemoryLimit = "HardMemoryLimit"
	KindWorkerLost      = "WorkerLost"
)

func init() {
	envelope.Register(Subtask{})
	envelope.Register(&TaskError{})
}
