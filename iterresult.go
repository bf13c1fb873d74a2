package starmap

import (
	"context"
	"strings"
	"time"

	"github.com/hazardlab/starmap/envelope"
	"github.com/hazardlab/starmap/internal/eventlog"
	"github.com/hazardlab/starmap/internal/otelx"
	"github.com/hazardlab/starmap/internal/sysmem"
	"github.com/hazardlab/starmap/monitor"
	"github.com/hazardlab/starmap/split"
)

// IterResult iterates over the successful values of a job, exactly once
// each, persisting per-task telemetry as end-of-task results go by. It
// stops when every submitted task has ended.
type IterResult struct {
	results <-chan *Result
	name    string
	sent    map[string]map[string]int64
	store   *monitor.Store
	log     *eventlog.Logger
	sm      *Starmap

	recvBytes map[string]int64
}

// Iter drives the job, calling f on every value. The first failure stops
// the iteration and is returned, rehydrated with its original kind and
// backtrace.
func (ir *IterResult) Iter(f func(val any) error) error {
	t0 := time.Now()
	ir.recvBytes = map[string]int64{}
	err := ir.iter(f)
	items := map[string]string{}
	var tot int64
	for k, v := range ir.recvBytes {
		items[k] = envelope.Humansize(v)
		tot += v
	}
	if len(items) >= 10 {
		items = map[string]string{"tot": envelope.Humansize(tot)}
	}
	ir.log.LogReceived(ir.name, items, time.Since(t0).Seconds())
	if err != nil {
		// unblock the dispatcher loop before surfacing the failure
		go func() {
			for range ir.results {
			}
		}()
		return err
	}
	if ir.sm != nil && ir.sm.slowErr != nil {
		return ir.sm.slowErr
	}
	return nil
}

func (ir *IterResult) iter(f func(val any) error) error {
	warned := false
	soft, hard := 80, 99
	if ir.sm != nil {
		soft = ir.sm.cfg.Memory.SoftMemLimit
		hard = ir.sm.cfg.Memory.HardMemLimit
	}
	for res := range ir.results {
		if msg, _ := sysmem.Check(soft, hard); msg != "" && !warned {
			ir.log.LogMemoryWarning(msg)
			warned = true
		}
		for k, v := range res.NBytes {
			ir.recvBytes[k] += v
		}
		otelx.GlobalMetrics().AddReceivedBytes(context.Background(), ir.name, res.Len())

		switch res.Kind {
		case KindEnd:
			ir.saveTaskInfo(res)
		case KindFailure:
			_, err := res.Get()
			return err
		default:
			val, err := res.Get()
			if err != nil {
				return err
			}
			if err := f(val); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ir *IterResult) saveTaskInfo(res *Result) {
	if ir.store == nil || res.Mon == nil {
		return
	}
	mon := res.Mon
	name := strings.TrimPrefix(mon.Operation, "total ")
	if ir.sm != nil {
		ir.sent = ir.sm.SnapshotSent()
	}
	ir.store.SetTaskSent(ir.sent)
	ir.store.SaveTaskInfo(monitor.TaskInfo{
		Operation:     name,
		TimeSec:       mon.Duration,
		MemoryMB:      mon.MemMB(),
		Counts:        uint32(mon.Counts),
		TaskNo:        uint32(mon.TaskNo),
		Weight:        mon.Weight,
		Duration:      mon.Duration,
		ReceivedBytes: uint64(res.SentBytes),
	})
	mon.Flush(ir.store)
}

// Reduce folds the values with acc = agg(acc, val). agg defaults to the
// additive accumulator merge, acc to an empty AccumDict; the result is
// deterministic for commutative agg regardless of arrival order.
func (ir *IterResult) Reduce(agg func(acc, val any) any, acc any) (any, error) {
	if agg == nil {
		agg = split.Add
	}
	if acc == nil {
		acc = split.AccumDict{}
	}
	err := ir.Iter(func(val any) error {
		acc = agg(acc, val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// SumIterResults merges the transfer accounting of several IterResults that
// ran the same task.
func SumIterResults(results []*IterResult) *IterResult {
	out := &IterResult{sent: map[string]map[string]int64{}}
	for _, ir := range results {
		name := ir.name
		if i := strings.IndexByte(name, '#'); i >= 0 {
			name = name[:i]
		}
		out.name = name
		for fname, args := range ir.sent {
			dst, ok := out.sent[fname]
			if !ok {
				dst = map[string]int64{}
				out.sent[fname] = dst
			}
			for arg, n := range args {
				dst[arg] += n
			}
		}
	}
	return out
}
