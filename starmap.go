package starmap

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hazardlab/starmap/config"
	"github.com/hazardlab/starmap/envelope"
	"github.com/hazardlab/starmap/internal/eventlog"
	"github.com/hazardlab/starmap/internal/otelx"
	"github.com/hazardlab/starmap/monitor"
)

// Options tunes a Starmap. The zero value takes everything from the active
// configuration.
type Options struct {
	// Backend overrides distribution.backend; parsed strictly.
	Backend string
	// NumCores overrides the pool size.
	NumCores int
	// Store is an open telemetry store; when nil an autogenerated one is
	// created in the data directory and closed at Shutdown.
	Store *monitor.Store
	// Logger overrides the event logger.
	Logger *eventlog.Logger
	// Config overrides the active configuration.
	Config *config.Config
}

// queuedTask is one pending submission: args elements may already be blobs
// when the task was spawned by a subtask request.
type queuedTask struct {
	fname string
	args  []any
	host  string
}

// Starmap owns one MapReduce job: it submits tasks to the selected backend,
// multiplexes the ingress, feeds values to the consumer and records
// telemetry.
type Starmap struct {
	task     *TaskFunc
	name     string
	monOp    string
	taskArgs [][]any
	backend  Backend
	numCores int
	cfg      *config.Config
	store    *monitor.Store
	ownStore bool
	calcID   string
	log      *eventlog.Logger

	ingress *Ingress
	threads *threadPool
	procs   *processPool
	remote  *remotePool
	cluster *clusterPool
	shared  []*SharedBuffer

	queue       []queuedTask
	sentMu      sync.Mutex
	sent        map[string]map[string]int64
	sentBytes   int64
	taskNo      int
	submitted   int
	todo        int
	t0          time.Time
	prevPercent int
	havePercent bool
	busytime    map[string]float64
	durations   map[int]float64
	spans       map[int]trace.Span
	slowErr     error

	debugTaskNo  int
	debugTaskSet bool

	shutdownDone atomic.Bool
}

// New builds a Starmap over the registered task taskName and its argument
// tuples. Nothing is submitted until SubmitAll (or Reduce) is called.
func New(taskName string, taskArgs [][]any, opts *Options) (*Starmap, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Get()
	}
	backendName := opts.Backend
	if backendName == "" {
		backendName = cfg.Distribution.Backend
	}
	backend, err := ParseBackend(backendName)
	if err != nil {
		return nil, err
	}
	task, ok := Lookup(taskName)
	if !ok {
		return nil, fmt.Errorf("task %q is not registered", taskName)
	}
	numCores := opts.NumCores
	if numCores <= 0 {
		numCores = cfg.Distribution.NumCores
	}
	store := opts.Store
	ownStore := false
	if store == nil {
		store, err = monitor.AutoStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		ownStore = true
	}
	log := opts.Logger
	if log == nil {
		log = eventlog.New(strconv.Itoa(store.CalcID()))
	}
	envelope.SetCompression(cfg.Distribution.Compress)

	sm := &Starmap{
		task:     task,
		name:     taskName,
		monOp:    taskName,
		taskArgs: taskArgs,
		backend:  backend,
		numCores: numCores,
		cfg:      cfg,
		store:    store,
		ownStore: ownStore,
		calcID:   strconv.Itoa(store.CalcID()),
		log:      log,
		sent:      map[string]map[string]int64{},
		busytime:  map[string]float64{},
		durations: map[int]float64{},
		spans:     map[int]trace.Span{},
	}
	sm.debugTaskNo, sm.debugTaskSet = config.TaskNo()
	return sm, nil
}

// Name returns the task name the Starmap runs.
func (sm *Starmap) Name() string { return sm.name }

// CalcID returns the calculation id owning the job.
func (sm *Starmap) CalcID() string { return sm.calcID }

// Store returns the telemetry store handle.
func (sm *Starmap) Store() *monitor.Store { return sm.store }

// returnIP is the address workers send results back to: localhost for the
// in-machine backends, the configured receiver otherwise.
func (sm *Starmap) returnIP() string {
	switch sm.backend {
	case BackendInline, BackendProcessPool, BackendThreadPool:
		return "127.0.0.1"
	}
	if sm.cfg.Ingress.ReceiverHost != "" {
		return sm.cfg.Ingress.ReceiverHost
	}
	host, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	return host
}

// Submit submits one argument tuple to the underlying task. fname overrides
// the task function (used for subtasks); host pins the task to a worker.
func (sm *Starmap) Submit(args []any, fname, host string) error {
	if fname == "" {
		fname = sm.task.Name
	}
	if sm.ingress == nil { // first submit
		in, err := BindIngress(sm.returnIP(), sm.cfg.Ingress.Port)
		if err != nil {
			return err
		}
		sm.ingress = in
		sm.t0 = time.Now()
	}
	if sm.debugTaskSet && sm.taskNo != sm.debugTaskNo {
		sm.taskNo++
		return nil
	}
	dist := sm.backend
	if len(sm.taskArgs) == 1 || sm.debugTaskSet {
		dist = BackendInline
	}

	// arguments always travel wrapped, whatever the backend
	blobs, err := sm.wrapArgs(args, fname)
	if err != nil {
		return err
	}

	if err := sm.ensureBackend(dist); err != nil {
		return err
	}
	mon := sm.taskMonitor(host)
	spec := &TaskSpec{Func: fname, Args: blobs, TaskNo: sm.taskNo, Mon: mon}
	if err := submitters[dist](sm, spec); err != nil {
		return err
	}
	otelx.GlobalMetrics().AddInFlight(context.Background(), 1)
	_, span := otelx.GlobalTracer().StartTask(context.Background(), fname, sm.taskNo)
	sm.spans[sm.taskNo] = span
	sm.taskNo++
	sm.submitted++
	sm.todo++
	return nil
}

func (sm *Starmap) endSpan(taskNo int) {
	if span, ok := sm.spans[taskNo]; ok {
		span.End()
		delete(sm.spans, taskNo)
	}
}

// wrapArgs encodes the argument tuple with identity deduplication, unless
// the first argument is already a blob (subtask payloads arrive encoded).
// Per-argument byte counts are recorded under sent[fname][argname].
func (sm *Starmap) wrapArgs(args []any, fname string) ([]*envelope.Blob, error) {
	if len(args) > 0 {
		if _, ok := args[0].(*envelope.Blob); ok {
			blobs := make([]*envelope.Blob, len(args))
			for i, a := range args {
				b, ok := a.(*envelope.Blob)
				if !ok {
					var err error
					b, err = envelope.Wrap(a)
					if err != nil {
						return nil, err
					}
				}
				blobs[i] = b
			}
			return blobs, nil
		}
	}
	blobs, err := envelope.WrapSequence(args)
	if err != nil {
		return nil, err
	}
	argnames := sm.argNames(fname)
	sm.sentMu.Lock()
	dst, ok := sm.sent[fname]
	if !ok {
		dst = map[string]int64{}
		sm.sent[fname] = dst
	}
	for i, b := range blobs {
		name := fmt.Sprintf("arg%d", i)
		if i < len(argnames) {
			name = argnames[i]
		}
		dst[name] += int64(b.Len())
		sm.sentBytes += int64(b.Len())
		otelx.GlobalMetrics().AddSentBytes(context.Background(), fname, int64(b.Len()))
	}
	sm.sentMu.Unlock()
	return blobs, nil
}

// SnapshotSent copies the per-argument byte accounting.
func (sm *Starmap) SnapshotSent() map[string]map[string]int64 {
	sm.sentMu.Lock()
	defer sm.sentMu.Unlock()
	out := make(map[string]map[string]int64, len(sm.sent))
	for fname, args := range sm.sent {
		cp := make(map[string]int64, len(args))
		for k, v := range args {
			cp[k] = v
		}
		out[fname] = cp
	}
	return out
}

func (sm *Starmap) argNames(fname string) []string {
	task, ok := Lookup(fname)
	if !ok {
		return nil
	}
	names := task.ArgNames
	if task.Inject() && len(names) > 0 {
		names = names[:len(names)-1]
	}
	return names
}

// taskMonitor derives the per-task monitor from the job template.
func (sm *Starmap) taskMonitor(host string) *monitor.Monitor {
	return &monitor.Monitor{
		Operation:   sm.monOp,
		CalcID:      sm.calcID,
		Version:     Version,
		Fingerprint: sm.cfg.Fingerprint(),
		Backurl:     sm.ingress.Addr(),
		Host:        host,
		Inject:      sm.task.Inject(),
		TaskNo:      sm.taskNo,
	}
}

func (sm *Starmap) ensureBackend(dist Backend) error {
	switch dist {
	case BackendThreadPool:
		if sm.threads == nil {
			sm.threads = newThreadPool(sm.numCores)
		}
	case BackendProcessPool:
		if sm.procs == nil {
			procs, err := newProcessPool(sm.numCores, sm.cfg, sm.lostTasks)
			if err != nil {
				return err
			}
			sm.procs = procs
		}
	case BackendRemote:
		if sm.remote == nil {
			sm.remote = newRemotePool(sm.cfg.Hosts(), sm.cfg.Distribution.CtrlPort)
			if sm.remote == nil {
				return &BackendUnavailableError{Backend: string(BackendRemote),
					Reason: "no worker hosts configured"}
			}
		}
	case BackendCluster:
		if sm.cluster == nil {
			sm.cluster = newClusterPool(sm.cfg.Cluster.Brokers, sm.cfg.Cluster.Topic)
			if sm.cluster == nil {
				return &BackendUnavailableError{Backend: string(BackendCluster),
					Reason: "no brokers configured"}
			}
		}
	}
	return nil
}

// lostTasks injects WorkerLost failures for tasks that were on a dead pool
// worker; the in-flight accounting then terminates them.
func (sm *Starmap) lostTasks(taskNos []int) {
	for _, no := range taskNos {
		mon := &monitor.Monitor{
			Operation: "total " + sm.name,
			CalcID:    sm.calcID,
			TaskNo:    no,
		}
		res := NewFailure(KindWorkerLost,
			fmt.Sprintf("worker terminated without an end-of-task (task #%d)", no), "", mon)
		sm.ingress.Inject(res)
	}
}

// SubmitAll queues every argument tuple and returns the IterResult that
// drives the job.
func (sm *Starmap) SubmitAll() *IterResult {
	for _, args := range sm.taskArgs {
		sm.queue = append(sm.queue, queuedTask{fname: sm.task.Name, args: args})
	}
	return sm.results()
}

// Reduce submits all tasks and folds the results. agg defaults to the
// additive accumulator merge, acc to an empty AccumDict.
func (sm *Starmap) Reduce(agg func(acc, val any) any, acc any) (any, error) {
	return sm.SubmitAll().Reduce(agg, acc)
}

func (sm *Starmap) results() *IterResult {
	out := make(chan *Result, ingressBufferSize)
	go sm.loop(out)
	return &IterResult{
		results: out,
		name:    sm.name,
		sent:    sm.sent,
		store:   sm.store,
		log:     sm.log,
		sm:      sm,
	}
}

// submitMany pulls up to howmany queued tasks, preferring the given host
// for locality.
func (sm *Starmap) submitMany(howmany int, host string) {
	for i := 0; i < howmany && len(sm.queue) > 0; i++ {
		next := sm.queue[0]
		sm.queue = sm.queue[1:]
		if next.host == "" {
			next.host = host
		}
		if err := sm.Submit(next.args, next.fname, next.host); err != nil {
			sm.ingress.Inject(NewFailure(kindOf(err), err.Error(), "",
				&monitor.Monitor{Operation: "total " + sm.name, CalcID: sm.calcID}))
			sm.todo++ // the injected failure terminates it
		}
	}
}

// loop seeds the pool with the first numCores queued tasks, then drains the
// ingress until every submitted task reported its end.
func (sm *Starmap) loop(out chan<- *Result) {
	defer close(out)
	sm.submitMany(sm.numCores, "")
	if sm.ingress == nil { // no submit was ever made
		return
	}
	sm.sentMu.Lock()
	nbytes := sm.sentBytes
	sm.sentMu.Unlock()
	if nbytes > 1<<20 {
		sm.log.LogSent(sm.name, sm.submitted, envelope.Humansize(nbytes),
			time.Since(sm.t0).Seconds())
	}

	warned := false
	for sm.todo > 0 {
		sm.logPercent()
		res, ok := <-sm.ingress.Results()
		if !ok {
			return
		}
		if res.Mon != nil && res.Mon.CalcID != sm.calcID {
			sm.log.LogDiscarded(res.Mon.CalcID)
			continue
		}
		switch {
		case res.Kind == KindValue && res.Msg != "":
			if !warned {
				sm.log.LogMemoryWarning(res.Msg)
				warned = true
			}
		case res.Kind == KindEnd:
			sm.busytime[res.WorkerID] += res.Mon.Duration
			sm.durations[res.Mon.TaskNo] = res.Mon.Duration
			sm.todo--
			if sm.procs != nil {
				sm.procs.TaskDone(res.Mon.TaskNo)
			}
			otelx.GlobalMetrics().AddInFlight(context.Background(), -1)
			otelx.GlobalMetrics().RecordTaskDuration(context.Background(), sm.name, res.Mon.Duration)
			sm.endSpan(res.Mon.TaskNo)
			sm.submitMany(1, hostOf(res.WorkerID))
			sm.log.Debug("task_ended", "running", sm.todo, "queued", len(sm.queue))
			out <- res
		case res.Kind == KindSubtask:
			args := make([]any, len(res.Args))
			for i, b := range res.Args {
				args[i] = b
			}
			sm.queue = append(sm.queue, queuedTask{fname: res.FuncName, args: args})
			sm.submitMany(1, "")
		case res.Kind == KindFailure:
			sm.todo--
			if sm.procs != nil {
				sm.procs.TaskDone(res.Mon.TaskNo)
			}
			otelx.GlobalMetrics().AddInFlight(context.Background(), -1)
			otelx.GlobalMetrics().RecordFailure(context.Background(), sm.name, res.ErrKind)
			sm.endSpan(res.Mon.TaskNo)
			out <- res
		default:
			out <- res
		}
	}
	sm.logPercent()
	sm.ingress.Close()
	sm.reportBusyTimes()
	sm.reportSlowTasks()
}

// logPercent emits a progress line each time the integer percentage of done
// tasks grows.
func (sm *Starmap) logPercent() {
	queued := len(sm.queue)
	total := sm.submitted + queued
	if total == 0 {
		return
	}
	done := sm.submitted - sm.todo
	percent := done * 100 / total
	if !sm.havePercent {
		sm.havePercent = true
		sm.prevPercent = 0
		return
	}
	if percent > sm.prevPercent {
		sm.log.LogProgress(sm.name, percent, sm.submitted, queued)
		sm.prevPercent = percent
	}
}

func (sm *Starmap) reportBusyTimes() {
	if len(sm.busytime) <= 1 {
		return
	}
	var sum, sqsum float64
	min, max := math.Inf(1), math.Inf(-1)
	for _, t := range sm.busytime {
		sum += t
		sqsum += t * t
		min = math.Min(min, t)
		max = math.Max(max, t)
	}
	n := float64(len(sm.busytime))
	mean := sum / n
	std := math.Sqrt(sqsum/n - mean*mean)
	sm.log.LogBusyTimes(mean, std, min, max)
}

// reportSlowTasks flags tasks over three times the mean duration and over
// three minutes; with strict_slow_tasks set, the job fails.
func (sm *Starmap) reportSlowTasks() {
	if len(sm.durations) == 0 {
		return
	}
	var sum float64
	for _, d := range sm.durations {
		sum += d
	}
	mean := sum / float64(len(sm.durations))
	for no, d := range sm.durations {
		if d > 3*mean && d > 180 {
			sm.log.LogSlowTask(sm.name, no, d, mean)
			if sm.cfg.Distribution.StrictSlowTasks && sm.slowErr == nil {
				sm.slowErr = &SlowTaskError{Task: sm.name, TaskNo: no, Duration: d, Mean: mean}
			}
		}
	}
}

// Shutdown releases every worker and unlinks every shared buffer.
// Idempotent.
func (sm *Starmap) Shutdown() {
	if sm.shutdownDone.Swap(true) {
		return
	}
	for _, buf := range sm.shared {
		buf.Unlink()
	}
	sm.shared = nil
	if sm.threads != nil {
		sm.threads.Close()
	}
	if sm.procs != nil {
		sm.procs.Close()
	}
	if sm.remote != nil {
		sm.remote.Close()
	}
	if sm.cluster != nil {
		sm.cluster.Close()
	}
	if sm.ingress != nil {
		sm.ingress.Close()
	}
	if sm.ownStore {
		sm.store.Close()
	}
}

func hostOf(workerID string) string {
	for i := len(workerID) - 1; i >= 0; i-- {
		if workerID[i] == '-' {
			return workerID[:i]
		}
	}
	return ""
}
