package monitor

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestScopeMeasuresDuration(t *testing.T) {
	mon := &Monitor{Operation: "sleep"}
	s := mon.Enter()
	time.Sleep(10 * time.Millisecond)
	if err := mon.Exit(s); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if mon.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", mon.Duration)
	}
	if mon.Counts != 1 {
		t.Fatalf("expected 1 count, got %d", mon.Counts)
	}
}

func TestScopesStrictlyNested(t *testing.T) {
	mon := &Monitor{Operation: "nested"}
	outer := mon.Enter()
	inner := mon.Enter()

	if err := mon.Exit(outer); !errors.Is(err, InvalidMonitorState) {
		t.Fatalf("expected InvalidMonitorState, got %v", err)
	}
	if err := mon.Exit(inner); err != nil {
		t.Fatalf("inner exit: %v", err)
	}
	if err := mon.Exit(outer); err != nil {
		t.Fatalf("outer exit: %v", err)
	}
	if err := mon.Exit(outer); !errors.Is(err, InvalidMonitorState) {
		t.Fatalf("double exit must fail, got %v", err)
	}
	if mon.Counts != 2 {
		t.Fatalf("expected 2 counts, got %d", mon.Counts)
	}
}

func TestMeasureRunsOnErrorPath(t *testing.T) {
	mon := &Monitor{Operation: "failing"}
	boom := errors.New("boom")
	if err := mon.Measure(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if mon.Counts != 1 {
		t.Fatalf("the scope must close on the error path, counts=%d", mon.Counts)
	}
}

func TestChildCarriesIdentity(t *testing.T) {
	parent := &Monitor{
		Operation:   "parent",
		CalcID:      "7",
		Version:     "1.2.0",
		Fingerprint: "abc",
		Backurl:     "127.0.0.1:9000",
		Inject:      true,
	}
	child := parent.New("total child", true)
	if child.CalcID != "7" || child.Version != "1.2.0" || child.Fingerprint != "abc" {
		t.Fatalf("child lost parent identity: %+v", child)
	}
	if child.Backurl != parent.Backurl {
		t.Fatalf("child lost backurl")
	}
	if !child.MeasureMem {
		t.Fatal("child must measure memory")
	}
}

func TestFlush(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "calc_5.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	mon := &Monitor{Operation: "compute"}
	for i := 0; i < 3; i++ {
		mon.Measure(func() error { return nil })
	}
	child := mon.New("total inner", false)
	child.Measure(func() error { return nil })

	if err := mon.Flush(store); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if mon.Counts != 0 || mon.Duration != 0 {
		t.Fatal("flush must reset the counters")
	}

	rows := store.Performance()
	if len(rows) != 2 {
		t.Fatalf("expected 2 performance rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Counts < 1 {
			t.Fatalf("counts must be >= 1: %+v", row)
		}
		if row.TimeSec < 0 || row.MemoryMB < 0 {
			t.Fatalf("negative measurements: %+v", row)
		}
	}
}

func TestFlushWithOpenScopeFails(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "calc_6.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	mon := &Monitor{Operation: "leaky"}
	mon.Enter()
	if err := mon.Flush(store); !errors.Is(err, InvalidMonitorState) {
		t.Fatalf("expected InvalidMonitorState, got %v", err)
	}
}

func TestStoreCalcID(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "calc_123.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if store.CalcID() != 123 {
		t.Fatalf("expected calc id 123, got %d", store.CalcID())
	}
}

func TestAutoStorePicksNextID(t *testing.T) {
	dir := t.TempDir()
	first, err := AutoStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	first.Close()
	second, err := AutoStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if second.CalcID() != first.CalcID()+1 {
		t.Fatalf("expected %d, got %d", first.CalcID()+1, second.CalcID())
	}
}

func TestStoreTaskInfoAndTaskSent(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "calc_9.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.SaveTaskInfo(TaskInfo{Operation: "count", TimeSec: 0.5, Counts: 1, TaskNo: 0})
	store.SaveTaskInfo(TaskInfo{Operation: "count", TimeSec: 0.7, Counts: 1, TaskNo: 1})
	rows := store.TaskInfoRows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	store.SetTaskSent(map[string]map[string]int64{"count": {"word": 64}})
	sent := store.TaskSent()
	if sent["count"]["word"] != 64 {
		t.Fatalf("unexpected task_sent: %v", sent)
	}
	// replace semantics
	store.SetTaskSent(map[string]map[string]int64{"count": {"word": 128}})
	if store.TaskSent()["count"]["word"] != 128 {
		t.Fatal("SetTaskSent must replace, not merge")
	}
}
