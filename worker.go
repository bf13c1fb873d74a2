package starmap

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/hazardlab/starmap/config"
	"github.com/hazardlab/starmap/envelope"
	"github.com/hazardlab/starmap/internal/sysmem"
	"github.com/hazardlab/starmap/monitor"
)

// RunTask executes one task spec on this process and pushes every result
// onto the dispatcher's ingress: zero or more values and subtask requests,
// then exactly one end-of-task, or a failure. This is the worker half of
// the streaming protocol; every backend funnels into it.
func RunTask(spec *TaskSpec) {
	mon := spec.Mon
	task, ok := Lookup(spec.Func)
	if !ok {
		reportEarlyFailure(mon, KindRuntimeError,
			fmt.Sprintf("task function %q is not registered on this worker", spec.Func))
		return
	}

	name := task.Name
	if mon.Operation != "" && mon.Operation[len(mon.Operation)-1] == '_' {
		// a split submission measures under the inner task's name
		name = mon.Operation[:len(mon.Operation)-1]
	}
	mon = mon.New("total "+name, true)
	mon.TaskNo = spec.TaskNo

	args, err := envelope.UnwrapSequence(spec.Args)
	if err != nil {
		reportEarlyFailure(mon, KindRuntimeError, err.Error())
		return
	}
	if len(args) > 0 {
		if w, ok := args[0].(Weighted); ok {
			mon.Weight = w.TaskWeight()
		} else {
			mon.Weight = 1
		}
	}
	if task.Inject() {
		args = append(args, mon)
	}

	sender, err := DialIngress(mon.Backurl)
	if err != nil {
		// nothing to report to: the dispatcher sees a lost worker
		return
	}
	defer sender.Close()

	if err := checkMaster(mon); err != nil {
		sender.Send(NewFailure(KindVersionMismatch, err.Error(), "", mon))
		return
	}

	cfg := config.Get()
	if msg, _ := sysmem.Check(cfg.Memory.SoftMemLimit, cfg.Memory.HardMemLimit); msg != "" {
		sender.Send(NewWarning(msg, mon))
	}

	var sentBytes int64
	emit := func(val any) error {
		if _, herr := sysmem.Check(cfg.Memory.SoftMemLimit, cfg.Memory.HardMemLimit); herr != nil {
			return herr
		}
		var res *Result
		var err error
		switch sub := val.(type) {
		case Subtask:
			res, err = NewSubtask(sub.Func, sub.Args, mon)
		case *Subtask:
			res, err = NewSubtask(sub.Func, sub.Args, mon)
		default:
			res, err = NewValue(val, mon)
		}
		if err != nil {
			return err
		}
		if serr := sender.Send(res); serr != nil {
			return serr
		}
		sentBytes += res.Len()
		return nil
	}

	err = drive(task, args, mon, emit)
	if err != nil {
		kind, backtrace := classify(err)
		sender.Send(NewFailure(kind, err.Error(), backtrace, mon))
		return
	}
	sender.Send(NewEnd(mon, sentBytes))
}

// drive runs the task under the monitor, recovering panics into errors so
// the worker survives user code. A plain function is one scope. A stream
// runs one scope per step: every successful emit closes a scope and opens
// the next, so the monitor counts one call per emitted result; the last
// exit covers the exhaustion step and is subtracted back out.
func drive(task *TaskFunc, args []any, mon *monitor.Monitor, emit func(any) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	if task.Fn != nil {
		return mon.Measure(func() error {
			val, err := task.Fn(args, mon)
			if err != nil {
				return err
			}
			return emit(val)
		})
	}
	s := mon.Enter()
	stepped := func(val any) error {
		if err := emit(val); err != nil {
			return err
		}
		mon.Exit(s)
		s = mon.Enter()
		return nil
	}
	err = task.Stream(args, mon, stepped)
	// exhaustion (or the failing step) is not a call
	mon.Exit(s)
	if mon.Counts > 0 {
		mon.Counts--
	}
	return err
}

// classify maps an error to its failure kind and extracts the backtrace.
func classify(err error) (kind, backtrace string) {
	var hard *sysmem.HardLimitError
	if errors.As(err, &hard) {
		return KindHardMemoryLimit, ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind, te.Backtrace
	}
	var ke *KeyNotFoundError
	if errors.As(err, &ke) {
		return KindKeyError, string(debug.Stack())
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return KindRuntimeError, pe.stack
	}
	return kindOf(err), string(debug.Stack())
}

// panicError carries a recovered panic out of user code.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// kindOf names an error by its concrete type, e.g. "ValueError". Anonymous
// errors built with the errors and fmt packages count as runtime errors.
func kindOf(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return KindRuntimeError
	}
	switch t.Name() {
	case "errorString", "wrapError", "wrapErrors", "joinError":
		return KindRuntimeError
	}
	return t.Name()
}

// KeyNotFoundError is the Go spelling of a missing-key failure; its kind is
// widened at failure-construction time so the multi-line message survives.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found: %q", e.Key)
}

func checkMaster(mon *monitor.Monitor) error {
	if mon.Version != "" && mon.Version != Version {
		host := workerID()
		return fmt.Errorf("the master is at version %s while the worker %s is at version %s",
			mon.Version, host, Version)
	}
	if mon.Fingerprint != "" && mon.Fingerprint != config.Get().Fingerprint() {
		return fmt.Errorf("the master and the worker %s run different configurations", workerID())
	}
	return nil
}

func reportEarlyFailure(mon *monitor.Monitor, kind, msg string) {
	if mon == nil || mon.Backurl == "" {
		return
	}
	if sender, err := DialIngress(mon.Backurl); err == nil {
		defer sender.Close()
		sender.Send(NewFailure(kind, msg, "", mon))
	}
}
