package starmap

import (
	"fmt"
	"time"

	"github.com/hazardlab/starmap/config"
	"github.com/hazardlab/starmap/envelope"
	"github.com/hazardlab/starmap/monitor"
	"github.com/hazardlab/starmap/split"
)

// ApplyOptions tunes the splitting of an Apply call.
type ApplyOptions struct {
	// ConcurrentTasks is the target task fan-out when weight-splitting;
	// 0 means twice the pool size.
	ConcurrentTasks int
	// MaxWeight switches to weight-bounded (lazy) splitting.
	MaxWeight float64
	// Weight extracts the cost of one item; defaults to 1 per item.
	Weight split.WeightFunc
	// Key partitions the items so that no block mixes kinds.
	Key split.KeyFunc
	// Starmap options.
	Options *Options
}

// Apply splits the sequence in allArgs[0] into weighted blocks and submits
// one task per block, each receiving (block, rest...). Nothing runs until
// the returned Starmap is iterated or reduced.
func Apply(taskName string, allArgs []any, opts *ApplyOptions) (*Starmap, error) {
	if len(allArgs) == 0 {
		return nil, fmt.Errorf("apply needs at least the sequence argument")
	}
	if opts == nil {
		opts = &ApplyOptions{}
	}
	seq, err := asSequence(allArgs[0])
	if err != nil {
		return nil, err
	}
	rest := allArgs[1:]

	var taskArgs [][]any
	if opts.MaxWeight > 0 {
		for blk := range split.BlockSplitter(seq, opts.MaxWeight, opts.Weight, opts.Key, false) {
			taskArgs = append(taskArgs, blockArgs(blk, rest))
		}
	} else {
		ct := opts.ConcurrentTasks
		if ct <= 0 {
			ct = 2 * coresOf(opts.Options)
		}
		for _, blk := range split.SplitInBlocks(seq, ct, opts.Weight, opts.Key) {
			taskArgs = append(taskArgs, blockArgs(blk, rest))
		}
	}
	return New(taskName, taskArgs, opts.Options)
}

// SequentialApply is Apply with the parallelization disabled, useful for
// debugging.
func SequentialApply(taskName string, allArgs []any, opts *ApplyOptions) (*Starmap, error) {
	if opts == nil {
		opts = &ApplyOptions{}
	}
	inner := opts.Options
	if inner == nil {
		inner = &Options{}
	}
	cp := *inner
	cp.Backend = string(BackendInline)
	cpOpts := *opts
	cpOpts.Options = &cp
	return Apply(taskName, allArgs, &cpOpts)
}

// ApplySplit is Apply over the split-task wrapper: each block runs its
// first shard inline and spawns the remaining shards as subtasks when the
// first one exceeded the duration budget.
func ApplySplit(taskName string, allArgs []any, opts *ApplyOptions, duration float64, outsPerTask int) (*Starmap, error) {
	if duration <= 0 {
		duration = 300
	}
	if outsPerTask <= 0 {
		outsPerTask = 5
	}
	if len(allArgs) == 0 {
		return nil, fmt.Errorf("apply needs at least the sequence argument")
	}
	if _, ok := Lookup(taskName); !ok {
		return nil, fmt.Errorf("task %q is not registered", taskName)
	}
	wrapped := []any{allArgs[0], taskName, append([]any{}, allArgs[1:]...),
		duration, outsPerTask}
	sm, err := Apply(SplitTaskName, wrapped, opts)
	if err != nil {
		return nil, err
	}
	// measurements go under the inner task's name
	sm.name = taskName
	sm.monOp = taskName + "_"
	return sm, nil
}

func blockArgs(blk *split.Block, rest []any) []any {
	args := make([]any, 0, len(rest)+1)
	args = append(args, blk)
	return append(args, rest...)
}

func asSequence(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case *split.Block:
		return s.Items, nil
	case string:
		items := make([]any, 0, len(s))
		for _, r := range s {
			items = append(items, string(r))
		}
		return items, nil
	}
	return nil, fmt.Errorf("cannot split a %T", v)
}

func coresOf(opts *Options) int {
	if opts != nil && opts.NumCores > 0 {
		return opts.NumCores
	}
	if opts != nil && opts.Config != nil {
		return opts.Config.Distribution.NumCores
	}
	return config.Get().Distribution.NumCores
}

// SplitTaskName is the registered name of the split-task wrapper.
const SplitTaskName = "split_task"

// splitTask slices its input into outsPerTask shards, runs the first shard
// inline and, when its wall time exceeds the duration budget, emits the
// remaining shards as subtask requests instead of running them. This is how
// the dispatcher adapts task granularity at runtime.
func splitTask(args []any, mon *monitor.Monitor, emit func(any) error) error {
	elements, err := asSequence(args[0])
	if err != nil {
		return err
	}
	funcName, ok := args[1].(string)
	if !ok {
		return fmt.Errorf("split task wants a function name, got %T", args[1])
	}
	task, ok := Lookup(funcName)
	if !ok {
		return fmt.Errorf("task %q is not registered", funcName)
	}
	if task.Fn == nil {
		return fmt.Errorf("task %q is a stream and cannot be split", funcName)
	}
	tail, _ := args[2].([]any)
	duration, _ := args[3].(float64)
	outsPerTask, _ := args[4].(int)

	n := len(elements)
	if outsPerTask > n {
		outsPerTask = n
	}
	if outsPerTask < 1 {
		outsPerTask = 1
	}
	// interleave the shards so each gets a fair sample of the input
	shards := make([][]any, outsPerTask)
	for i, el := range elements {
		shards[i%outsPerTask] = append(shards[i%outsPerTask], el)
	}

	t0 := time.Now()
	for i, shard := range shards {
		mon.OutNo = mon.TaskNo + i*65536
		callArgs := append([]any{anyShard(shard)}, tail...)
		if task.Inject() {
			callArgs = append(callArgs, mon)
		}
		val, err := task.Fn(callArgs, mon)
		if err != nil {
			return err
		}
		if err := emit(val); err != nil {
			return err
		}
		if time.Since(t0).Seconds() > duration {
			// spawn subtasks for the rest and exit
			for _, rest := range shards[i+1:] {
				sub := Subtask{Func: funcName,
					Args: append([]any{anyShard(rest)}, tail...)}
				if err := emit(sub); err != nil {
					return err
				}
			}
			break
		}
	}
	return nil
}

// anyShard keeps the weight of a shard visible to the scheduler.
func anyShard(items []any) any {
	var w float64
	for _, it := range items {
		if wi, ok := it.(Weighted); ok {
			w += wi.TaskWeight()
		} else {
			w++
		}
	}
	return &split.Block{Items: items, TotWeight: w}
}

func init() {
	MustRegister(&TaskFunc{
		Name:     SplitTaskName,
		Stream:   splitTask,
		ArgNames: []string{"elements", "func", "args", "duration", "outs_per_task", "monitor"},
	})
	envelope.Register(&split.Block{})
	envelope.Register([]any{})
}
