package starmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazardlab/starmap/config"
	"github.com/hazardlab/starmap/internal/eventlog"
	"github.com/hazardlab/starmap/monitor"
	"github.com/hazardlab/starmap/split"
)

// TestMain lets the test binary double as the processpool worker child:
// when spawned with the pool-worker environment set, Init diverts into the
// worker loop and never reaches the tests.
func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

var nextCalc int

func testOptions(t *testing.T, backend string) *Options {
	t.Helper()
	cfg := config.Default()
	cfg.Distribution.Backend = backend
	cfg.Distribution.NumCores = 2
	cfg.DataDir = t.TempDir()
	config.Set(cfg)

	nextCalc++
	store, err := monitor.NewStore(
		filepath.Join(t.TempDir(), fmt.Sprintf("calc_%d.jsonl", nextCalc)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &Options{
		Config:   cfg,
		Store:    store,
		Logger:   eventlog.Noop(),
		NumCores: 2,
	}
}

var helloWorldCounts = map[string]int{
	"d": 1, "e": 1, "h": 1, "l": 3, "o": 2, "r": 1, "w": 1,
}

func checkCounts(t *testing.T, got any) {
	t.Helper()
	m, ok := got.(split.AccumDict)
	if !ok {
		t.Fatalf("unexpected reduce result type %T", got)
	}
	if len(m) != len(helloWorldCounts) {
		t.Fatalf("expected %d letters, got %v", len(helloWorldCounts), m)
	}
	for letter, n := range helloWorldCounts {
		if m[letter] != n {
			t.Fatalf("letter %q: expected %d, got %v", letter, n, m[letter])
		}
	}
}

func TestLetterCountMapReduce(t *testing.T) {
	for _, backend := range []string{"no", "threadpool", "processpool"} {
		t.Run(backend, func(t *testing.T) {
			sm, err := New("count", [][]any{{"hello"}, {"world"}}, testOptions(t, backend))
			if err != nil {
				t.Fatal(err)
			}
			defer sm.Shutdown()

			got, err := sm.Reduce(nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			checkCounts(t, got)
		})
	}
}

func TestApplyOverSequence(t *testing.T) {
	sm, err := Apply("count", []any{"helloworld"},
		&ApplyOptions{ConcurrentTasks: 4, Options: testOptions(t, "threadpool")})
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	if len(sm.taskArgs) > 4 {
		t.Fatalf("expected at most 4 blocks, got %d", len(sm.taskArgs))
	}
	got, err := sm.Reduce(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	checkCounts(t, got)
}

func TestSequentialApply(t *testing.T) {
	sm, err := SequentialApply("count", []any{"helloworld"},
		&ApplyOptions{ConcurrentTasks: 4, Options: testOptions(t, "threadpool")})
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()
	if sm.backend != BackendInline {
		t.Fatalf("expected inline backend, got %s", sm.backend)
	}
	got, err := sm.Reduce(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	checkCounts(t, got)
}

func TestSubtaskSplitting(t *testing.T) {
	sm, err := ApplySplit("count", []any{"helloworld"},
		&ApplyOptions{ConcurrentTasks: 1, Options: testOptions(t, "no")},
		1e-9, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	values := 0
	acc := any(nil)
	ir := sm.SubmitAll()
	err = ir.Iter(func(val any) error {
		values++
		if acc == nil {
			acc = val
		} else {
			acc = addCounts(acc, val)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// one value from the parent's first shard, four from the subtasks
	if values != 5 {
		t.Fatalf("expected 5 values across parent and subtasks, got %d", values)
	}
	checkCountsFromMaps(t, acc)
	// the parent plus four subtasks all ended
	if rows := sm.store.TaskInfoRows(); len(rows) != 5 {
		t.Fatalf("expected 5 task_info rows, got %d", len(rows))
	}
}

type ValueError struct {
	msg string
}

func (e *ValueError) Error() string { return e.msg }

func TestFailurePropagation(t *testing.T) {
	sm, err := New("emit2boom", [][]any{{"x"}}, testOptions(t, "no"))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	values := 0
	err = sm.SubmitAll().Iter(func(val any) error {
		values++
		return nil
	})
	if values != 2 {
		t.Fatalf("expected 2 values before the failure, got %d", values)
	}
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("expected a TaskError, got %v", err)
	}
	if te.Kind != "ValueError" {
		t.Fatalf("expected kind ValueError, got %s", te.Kind)
	}
	if !strings.Contains(te.Error(), "boom") {
		t.Fatalf("expected the message to contain boom: %s", te.Error())
	}
	if te.Backtrace == "" {
		t.Fatal("expected a backtrace")
	}
}

func TestCrossJobIsolation(t *testing.T) {
	sm, err := New("count", [][]any{{"hello"}, {"world"}}, testOptions(t, "no"))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	// submit both tasks from here so the ingress exists, then push a
	// result belonging to another job onto it
	if err := sm.Submit([]any{"hello"}, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := sm.Submit([]any{"world"}, "", ""); err != nil {
		t.Fatal(err)
	}
	foreign, err := NewValue(map[string]int{"z": 99},
		&monitor.Monitor{Operation: "total count", CalcID: "999999"})
	if err != nil {
		t.Fatal(err)
	}
	sm.ingress.Inject(foreign)

	got, err := sm.results().Reduce(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := got.(split.AccumDict)
	if _, leaked := m["z"]; leaked {
		t.Fatal("a foreign result leaked into the reduction")
	}
	checkCounts(t, got)
}

func TestDebugSingleTask(t *testing.T) {
	t.Setenv("TASK_NO", "1")
	sm, err := New("count", [][]any{{"aa"}, {"world"}, {"bb"}}, testOptions(t, "threadpool"))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	got, err := sm.Reduce(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := got.(split.AccumDict)
	if _, ok := m["a"]; ok {
		t.Fatal("task 0 must be skipped")
	}
	if _, ok := m["b"]; ok {
		t.Fatal("task 2 must be skipped")
	}
	if m["w"] != 1 || m["o"] != 1 {
		t.Fatalf("expected the output of task 1 only, got %v", m)
	}
	if sm.submitted != 1 {
		t.Fatalf("expected 1 submitted task, got %d", sm.submitted)
	}
}

func TestTelemetryPersisted(t *testing.T) {
	sm, err := New("count", [][]any{{"hello"}, {"world"}}, testOptions(t, "no"))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	if _, err := sm.Reduce(nil, nil); err != nil {
		t.Fatal(err)
	}
	rows := sm.store.TaskInfoRows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 task_info rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Operation != "count" {
			t.Fatalf("unexpected operation %q", row.Operation)
		}
		if row.TimeSec < 0 || row.Counts < 1 {
			t.Fatalf("bad row %+v", row)
		}
	}
	sent := sm.store.TaskSent()
	if sent["count"]["word"] <= 0 {
		t.Fatalf("expected sent bytes under count.word, got %v", sent)
	}
	perf := sm.store.Performance()
	if len(perf) == 0 {
		t.Fatal("expected performance rows")
	}
}

func TestMonitorInjection(t *testing.T) {
	sm, err := New("wantsmon", [][]any{{"x"}}, testOptions(t, "no"))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	got, err := sm.Reduce(func(acc, val any) any { return val }, "none")
	if err != nil {
		t.Fatal(err)
	}
	if got != "injected" {
		t.Fatalf("the task did not receive its monitor: %v", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	sm, err := New("count", [][]any{{"hi"}}, testOptions(t, "threadpool"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Reduce(nil, nil); err != nil {
		t.Fatal(err)
	}
	buf, err := sm.CreateShared("probs", []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	sm.Shutdown()
	sm.Shutdown() // must not panic or double-close

	if _, err := OpenShared(sm.calcID, "probs"); err == nil {
		t.Fatalf("shared buffer %s must be gone after shutdown", buf.Path)
	}
}

func TestSharedBuffer(t *testing.T) {
	sm, err := New("count", [][]any{{"hi"}}, testOptions(t, "no"))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	data := []byte("large read-only array")
	if _, err := sm.CreateShared("arr", data); err != nil {
		t.Fatal(err)
	}
	got, err := OpenShared(sm.calcID, "arr")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("shared buffer corrupted: %q", got)
	}
}

func TestProcessPoolWorkerLost(t *testing.T) {
	sm, err := New("suicide", [][]any{{"x"}, {"y"}}, testOptions(t, "processpool"))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Shutdown()

	_, err = sm.Reduce(nil, nil)
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("expected a TaskError, got %v", err)
	}
	if te.Kind != KindWorkerLost {
		t.Fatalf("expected WorkerLost, got %s", te.Kind)
	}
}

func TestInvalidBackendFailsFast(t *testing.T) {
	_, err := New("count", nil, &Options{Backend: "celery"})
	if err == nil {
		t.Fatal("expected an error for an invalid backend")
	}
}

func TestUnknownTask(t *testing.T) {
	_, err := New("nosuchtask", nil, testOptions(t, "no"))
	if err == nil {
		t.Fatal("expected an error for an unregistered task")
	}
}

func addCounts(a, b any) any {
	am := a.(map[string]int)
	bm := b.(map[string]int)
	out := map[string]int{}
	for k, v := range am {
		out[k] += v
	}
	for k, v := range bm {
		out[k] += v
	}
	return out
}

func checkCountsFromMaps(t *testing.T, got any) {
	t.Helper()
	m, ok := got.(map[string]int)
	if !ok {
		t.Fatalf("unexpected type %T", got)
	}
	for letter, n := range helloWorldCounts {
		if m[letter] != n {
			t.Fatalf("letter %q: expected %d, got %d", letter, n, m[letter])
		}
	}
}

func init() {
	MustRegister(&TaskFunc{
		Name: "emit2boom",
		Stream: func(args []any, mon *monitor.Monitor, emit func(any) error) error {
			if err := emit(map[string]int{"a": 1}); err != nil {
				return err
			}
			if err := emit(map[string]int{"b": 1}); err != nil {
				return err
			}
			return &ValueError{msg: "boom"}
		},
		ArgNames: []string{"seed"},
	})
	MustRegister(&TaskFunc{
		Name: "wantsmon",
		Fn: func(args []any, mon *monitor.Monitor) (any, error) {
			injected, ok := args[len(args)-1].(*monitor.Monitor)
			if !ok || injected == nil {
				return "missing", nil
			}
			return "injected", nil
		},
		ArgNames: []string{"seed", "monitor"},
	})
}
