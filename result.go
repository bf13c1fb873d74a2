package starmap

import (
	"fmt"
	"os"
	"reflect"

	"github.com/hazardlab/starmap/envelope"
	"github.com/hazardlab/starmap/monitor"
)

// ResultKind discriminates the payload of a Result.
type ResultKind int

const (
	// KindValue is a normal partial output of a task.
	KindValue ResultKind = iota
	// KindEnd signals that the task finished naturally. It carries the
	// final monitor; its payload length is the cumulative bytes sent by
	// the task.
	KindEnd
	// KindSubtask asks the dispatcher to enqueue a new task.
	KindSubtask
	// KindFailure carries the error kind name and the formatted backtrace
	// of a crashed task.
	KindFailure
)

func (k ResultKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindEnd:
		return "end-of-task"
	case KindSubtask:
		return "subtask-request"
	case KindFailure:
		return "failure"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Result is one envelope pushed by a worker onto the dispatcher's ingress.
// Exactly one kind is set.
type Result struct {
	Kind ResultKind
	// Pik is the wrapped payload of a value or failure result.
	Pik *envelope.Blob
	// FuncName and Args carry the payload of a subtask request.
	FuncName string
	Args     []*envelope.Blob
	// Mon is the monitor of the emitting task; final on end-of-task.
	Mon *monitor.Monitor
	// WorkerID identifies the emitting worker as "host-pid".
	WorkerID string
	// ErrKind and Backtrace are set on failures.
	ErrKind   string
	Backtrace string
	// Msg carries a worker warning on an otherwise empty value result.
	Msg string
	// SentBytes is the cumulative payload volume of the task; only on
	// end-of-task results.
	SentBytes int64
	// NBytes records per-key byte sizes when the payload is a mapping.
	NBytes map[string]int64
}

// NewValue wraps a normal partial output.
func NewValue(val any, mon *monitor.Monitor) (*Result, error) {
	pik, err := envelope.Wrap(val)
	if err != nil {
		return nil, err
	}
	res := &Result{Kind: KindValue, Pik: pik, Mon: mon, WorkerID: workerID()}
	res.NBytes = map[string]int64{"tot": int64(pik.Len())}
	if rv := reflect.ValueOf(val); val != nil && rv.Kind() == reflect.Map &&
		rv.Type().Key().Kind() == reflect.String {
		res.NBytes = map[string]int64{}
		for _, k := range rv.MapKeys() {
			kb, err := envelope.Wrap(rv.MapIndex(k).Interface())
			if err != nil {
				return nil, err
			}
			res.NBytes[k.String()] = int64(kb.Len())
		}
	}
	return res, nil
}

// NewWarning wraps a worker warning (soft memory limit); the dispatcher
// logs it once and does not yield it to the consumer.
func NewWarning(msg string, mon *monitor.Monitor) *Result {
	return &Result{Kind: KindValue, Msg: msg, Mon: mon, WorkerID: workerID()}
}

// NewEnd builds the end-of-task result carrying the final monitor and the
// cumulative sent bytes.
func NewEnd(mon *monitor.Monitor, sentBytes int64) *Result {
	return &Result{Kind: KindEnd, Mon: mon, WorkerID: workerID(), SentBytes: sentBytes}
}

// NewSubtask wraps a subtask request; args are encoded with identity
// deduplication.
func NewSubtask(funcName string, args []any, mon *monitor.Monitor) (*Result, error) {
	blobs, err := envelope.WrapSequence(args)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, b := range blobs {
		total += int64(b.Len())
	}
	return &Result{
		Kind:     KindSubtask,
		FuncName: funcName,
		Args:     blobs,
		Mon:      mon,
		WorkerID: workerID(),
		NBytes:   map[string]int64{"args": total},
	}, nil
}

// NewFailure wraps a task error. The key-not-found kind is widened to a
// runtime error here, so the formatted message survives the consumer's
// error handling.
func NewFailure(kind, message, backtrace string, mon *monitor.Monitor) *Result {
	if kind == KindKeyError {
		kind = KindRuntimeError
	}
	pik, err := envelope.Wrap(message)
	if err != nil {
		pik, _ = envelope.Wrap(fmt.Sprintf("%v", message))
	}
	return &Result{
		Kind:      KindFailure,
		Pik:       pik,
		Mon:       mon,
		WorkerID:  workerID(),
		ErrKind:   kind,
		Backtrace: backtrace,
	}
}

// Len is the transport footprint of the payload; for end-of-task results it
// is the cumulative bytes sent by the task.
func (r *Result) Len() int64 {
	if r.Kind == KindEnd {
		return r.SentBytes
	}
	var n int64
	if r.Pik != nil {
		n = int64(r.Pik.Len())
	}
	for _, b := range r.Args {
		n += int64(b.Len())
	}
	return n
}

// Get returns the payload value, or the rehydrated error for failures.
func (r *Result) Get() (any, error) {
	if r.Kind == KindFailure {
		msg := ""
		if v, err := r.Pik.Unwrap(); err == nil {
			msg, _ = v.(string)
		}
		return nil, &TaskError{Kind: r.ErrKind, Message: msg, Backtrace: r.Backtrace}
	}
	if r.Pik == nil {
		return nil, nil
	}
	return r.Pik.Unwrap()
}

func (r *Result) String() string {
	return fmt.Sprintf("<Result %s %s>", r.Kind, envelope.Humansize(r.Len()))
}

func workerID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
