// Package monitor measures wall-clock time and peak resident memory of
// operations, and persists the measurements into the telemetry store.
package monitor

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// InvalidMonitorState reports a scope exit that does not match the innermost
// open scope. Unbalanced enter/exit is a programming error.
var InvalidMonitorState = errors.New("monitor scopes are not strictly nested")

// Monitor is the per-task measurement record. It is created by the
// dispatcher, travels to the worker inside the task submission, accumulates
// measurements there, and returns inside the end-of-task result.
type Monitor struct {
	// Operation is the measured operation name, e.g. "total count".
	Operation string
	// CalcID tags the calculation owning this monitor.
	CalcID string
	// Version is the job version of the master; workers compare it with
	// their own and fail the task on mismatch.
	Version string
	// Fingerprint is the master's config fingerprint, checked like Version.
	Fingerprint string
	// Backurl is the ingress address workers push results to. Set by the
	// dispatcher before the first submit.
	Backurl string
	// Host pins the task to a remote host; empty means round-robin.
	Host string
	// Inject tells the worker to pass the monitor to the task function.
	Inject bool
	// MeasureMem enables peak-RSS sampling inside scopes.
	MeasureMem bool

	// TaskNo is the ordinal assigned at submit time.
	TaskNo int
	// OutNo numbers split shards within a task.
	OutNo int
	// Weight is the cost estimate of the task's first argument.
	Weight float64

	// Duration is the cumulative measured wall time in seconds.
	Duration float64
	// Mem is the peak resident memory delta in bytes.
	Mem int64
	// Counts is the number of completed scopes since the last flush.
	Counts int

	mu       sync.Mutex
	open     []*Scope
	children []*Monitor
}

// CalcIdent implements envelope.CalcIdentified.
func (m *Monitor) CalcIdent() string { return m.CalcID }

// New derives a child monitor for a sub-operation, carrying the parent
// identity (calc id, version, fingerprint, ingress address).
func (m *Monitor) New(operation string, measureMem bool) *Monitor {
	child := &Monitor{
		Operation:   operation,
		CalcID:      m.CalcID,
		Version:     m.Version,
		Fingerprint: m.Fingerprint,
		Backurl:     m.Backurl,
		Inject:      m.Inject,
		MeasureMem:  measureMem,
		TaskNo:      m.TaskNo,
	}
	m.mu.Lock()
	m.children = append(m.children, child)
	m.mu.Unlock()
	return child
}

// Scope is one open measurement started by Enter.
type Scope struct {
	mon     *Monitor
	start   time.Time
	baseRSS int64
	closed  bool
}

// Enter starts a measurement scope, recording start time and baseline
// memory. Scopes must be exited in LIFO order.
func (m *Monitor) Enter() *Scope {
	s := &Scope{mon: m, start: time.Now()}
	if m.MeasureMem {
		s.baseRSS = rss()
	}
	m.mu.Lock()
	m.open = append(m.open, s)
	m.mu.Unlock()
	return s
}

// Exit closes the scope, accumulating elapsed wall time, peak memory delta
// and the call count. It must be called on normal and error paths alike,
// typically via defer. Exiting out of order returns InvalidMonitorState.
func (m *Monitor) Exit(s *Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.open)
	if n == 0 || m.open[n-1] != s || s.closed {
		return fmt.Errorf("%w: operation %q", InvalidMonitorState, m.Operation)
	}
	m.open = m.open[:n-1]
	s.closed = true
	m.Duration += time.Since(s.start).Seconds()
	m.Counts++
	if m.MeasureMem {
		if delta := rss() - s.baseRSS; delta > m.Mem {
			m.Mem = delta
		}
	}
	return nil
}

// Measure runs f inside a scope.
func (m *Monitor) Measure(f func() error) error {
	s := m.Enter()
	defer m.Exit(s)
	return f()
}

// MemMB returns the peak memory delta in megabytes.
func (m *Monitor) MemMB() float64 { return float64(m.Mem) / (1 << 20) }

// Flush persists the cumulative measurements of this monitor and its
// children into the store, then resets the counters. Rows are append-only;
// one row per operation with counts >= 1.
func (m *Monitor) Flush(store *Store) error {
	m.mu.Lock()
	children := m.children
	m.children = nil
	m.mu.Unlock()
	for _, child := range children {
		if err := child.Flush(store); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.open) > 0 {
		return fmt.Errorf("%w: flush with %d open scopes in %q",
			InvalidMonitorState, len(m.open), m.Operation)
	}
	if m.Counts == 0 {
		// no completed call: no row, and nothing carried over
		m.Duration = 0
		m.Mem = 0
		return nil
	}
	store.AddPerformance(m.Operation, m.Duration, m.MemMB(), m.Counts)
	m.Duration = 0
	m.Mem = 0
	m.Counts = 0
	return nil
}

func rss() int64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0
	}
	return int64(info.RSS)
}

// RSS reports the resident memory of this process in bytes; 0 when the
// platform gives no visibility.
func RSS() int64 { return rss() }
