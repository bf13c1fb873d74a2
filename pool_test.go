package starmap

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazardlab/starmap/monitor"
)

func TestThreadPoolRunsTasks(t *testing.T) {
	in, err := BindIngress("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	pool := newThreadPool(2)
	defer pool.Close()

	for i := 0; i < 4; i++ {
		pool.Submit(&TaskSpec{
			Func:   "count",
			Args:   wrapAll(t, "ab"),
			TaskNo: i,
			Mon:    &monitor.Monitor{Operation: "count", CalcID: "1", Backurl: in.Addr()},
		})
	}

	ends := 0
	timeout := time.After(10 * time.Second)
	for ends < 4 {
		select {
		case res := <-in.Results():
			if res.Kind == KindEnd {
				ends++
			}
		case <-timeout:
			t.Fatalf("only %d tasks ended", ends)
		}
	}
}

func TestThreadPoolCloseIdempotent(t *testing.T) {
	pool := newThreadPool(1)
	pool.Close()
	pool.Close() // must not panic on the closed channel
}

func init() {
	// a task that kills its worker process, used to exercise the lost-worker
	// accounting of the process pool
	MustRegister(&TaskFunc{
		Name: "suicide",
		Fn: func(args []any, mon *monitor.Monitor) (any, error) {
			os.Exit(3)
			return nil, nil
		},
		ArgNames: []string{"seed"},
	})
}

func TestMultispawnBounded(t *testing.T) {
	var running, peak, total atomic.Int64
	Multispawn(func(args []any) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		total.Add(1)
	}, [][]any{{1}, {2}, {3}, {4}, {5}, {6}}, 2)

	if total.Load() != 6 {
		t.Fatalf("expected 6 runs, got %d", total.Load())
	}
	if peak.Load() > 2 {
		t.Fatalf("concurrency exceeded the bound: %d", peak.Load())
	}
}
