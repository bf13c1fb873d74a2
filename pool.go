package starmap

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hazardlab/starmap/config"
	"github.com/hazardlab/starmap/envelope"
	"github.com/hazardlab/starmap/internal/eventlog"
)

// threadPool runs tasks on a fixed set of goroutines.
type threadPool struct {
	subs   chan *TaskSpec
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newThreadPool(n int) *threadPool {
	// buffered so a subtask submission never blocks the dispatcher loop
	p := &threadPool{subs: make(chan *TaskSpec, 1024)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for spec := range p.subs {
				RunTask(spec)
			}
		}()
	}
	return p
}

func (p *threadPool) Submit(spec *TaskSpec) {
	p.subs <- spec
}

func (p *threadPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.subs)
	p.wg.Wait()
}

// poolWorkerEnv marks a spawned pool-worker child process.
const poolWorkerEnv = "STARMAP_POOL_WORKER"

// poolConfigEnv carries the master's configuration to spawned children, so
// master and workers agree on limits and fingerprints.
const poolConfigEnv = "STARMAP_CONFIG"

// workerTitle is the argv0 of spawned pool workers, to aid operators.
const workerTitle = "oq-worker"

// processPool runs tasks on spawned worker processes executing the current
// binary. Children read task specs from their stdin and push results to the
// dispatcher's ingress like every other worker.
type processPool struct {
	mu       sync.Mutex
	children []*poolChild
	next     int
	closing  atomic.Bool
	lost     func(taskNos []int)
}

type poolChild struct {
	cmd      *exec.Cmd
	enc      *gob.Encoder
	stdin    io.WriteCloser
	inflight map[int]struct{}
	dead     bool
}

// newProcessPool spawns n worker children. Fatal signal handlers are
// disabled in the parent across the spawn (TERM to default, INT ignored),
// so children do not inherit the supervisor's shutdown handlers and race
// during teardown. Afterwards both signals are reset to their default
// disposition; handlers registered with signal.Notify for them before the
// call are not re-installed. lost is invoked with the task numbers
// outstanding on a child that died.
func newProcessPool(n int, cfg *config.Config, lost func(taskNos []int)) (*processPool, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate worker executable: %w", err)
	}
	cfgYaml, err := config.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	signal.Reset(syscall.SIGTERM)
	signal.Ignore(syscall.SIGINT)
	defer func() {
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	}()

	p := &processPool{lost: lost}
	for i := 0; i < n; i++ {
		child, err := spawnPoolChild(exe, cfgYaml)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.children = append(p.children, child)
		go p.watch(child)
	}
	return p, nil
}

func spawnPoolChild(exe, cfgYaml string) (*poolChild, error) {
	cmd := exec.Command(exe)
	cmd.Args = []string{workerTitle}
	cmd.Env = append(os.Environ(), poolWorkerEnv+"=1", poolConfigEnv+"="+cfgYaml)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe to pool worker: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &BackendUnavailableError{Backend: string(BackendProcessPool),
			Reason: err.Error()}
	}
	return &poolChild{
		cmd:      cmd,
		enc:      gob.NewEncoder(stdin),
		stdin:    stdin,
		inflight: map[int]struct{}{},
	}, nil
}

// Submit hands the spec to the next live child, round-robin.
func (p *processPool) Submit(spec *TaskSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range p.children {
		child := p.children[p.next%len(p.children)]
		p.next++
		if child.dead {
			continue
		}
		if err := child.enc.Encode(spec); err != nil {
			child.dead = true
			continue
		}
		child.inflight[spec.TaskNo] = struct{}{}
		return nil
	}
	return &BackendUnavailableError{Backend: string(BackendProcessPool),
		Reason: "all pool workers are gone"}
}

// TaskDone clears the in-flight bookkeeping once the dispatcher has seen
// the task's end-of-task or failure.
func (p *processPool) TaskDone(taskNo int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, child := range p.children {
		delete(child.inflight, taskNo)
	}
}

// Pids returns the worker process ids, for memory accounting.
func (p *processPool) Pids() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pids := make([]int, 0, len(p.children))
	for _, child := range p.children {
		if !child.dead && child.cmd.Process != nil {
			pids = append(pids, child.cmd.Process.Pid)
		}
	}
	return pids
}

func (p *processPool) watch(child *poolChild) {
	child.cmd.Wait()
	if p.closing.Load() {
		return
	}
	p.mu.Lock()
	child.dead = true
	var taskNos []int
	for no := range child.inflight {
		taskNos = append(taskNos, no)
	}
	child.inflight = map[int]struct{}{}
	p.mu.Unlock()
	if len(taskNos) > 0 && p.lost != nil {
		eventlog.Global().Warn("pool_worker_lost",
			"pid", child.cmd.Process.Pid, "tasks", len(taskNos))
		p.lost(taskNos)
	}
}

// Close terminates the pool: close stdin, terminate, join. Idempotent.
func (p *processPool) Close() {
	if p.closing.Swap(true) {
		return
	}
	p.mu.Lock()
	children := p.children
	p.mu.Unlock()
	for _, child := range children {
		child.stdin.Close()
	}
	for _, child := range children {
		if child.cmd.Process != nil {
			child.cmd.Process.Signal(syscall.SIGTERM)
		}
		child.cmd.Wait()
	}
}

// PoolWorkerMain is the entry point of a spawned pool worker. Programs
// embedding the dispatcher must call Init from main before doing anything
// else; Init diverts into this loop when the process is a pool child.
func PoolWorkerMain() {
	dec := gob.NewDecoder(os.Stdin)
	for {
		var spec TaskSpec
		if err := dec.Decode(&spec); err != nil {
			return // stdin closed: the pool is shutting down
		}
		RunTask(&spec)
	}
}

// Init must be called early in main by programs using the processpool
// backend: when the process is a spawned pool worker it adopts the master's
// configuration, runs the worker loop and exits; otherwise it is a no-op.
func Init() {
	if os.Getenv(poolWorkerEnv) == "" {
		return
	}
	if cfgYaml := os.Getenv(poolConfigEnv); cfgYaml != "" {
		if cfg, err := config.Unmarshal(cfgYaml); err == nil {
			config.Set(cfg)
			envelope.SetCompression(cfg.Distribution.Compress)
		}
	}
	PoolWorkerMain()
	os.Exit(0)
}

// Multispawn runs fn over the argument tuples with at most numCores
// concurrent executions and no result collection.
func Multispawn(fn func(args []any), allArgs [][]any, numCores int) {
	if numCores < 1 {
		numCores = 1
	}
	sem := make(chan struct{}, numCores)
	var wg sync.WaitGroup
	for _, args := range allArgs {
		sem <- struct{}{}
		wg.Add(1)
		go func(args []any) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(args)
		}(args)
	}
	wg.Wait()
}
