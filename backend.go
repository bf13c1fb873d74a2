package starmap

import (
	"fmt"
)

// Backend selects the submission strategy of a Starmap.
type Backend string

const (
	// BackendInline executes tasks in the caller's goroutine.
	BackendInline Backend = "no"
	// BackendProcessPool executes tasks on a pool of spawned worker
	// processes.
	BackendProcessPool Backend = "processpool"
	// BackendThreadPool executes tasks on a pool of goroutines, suited to
	// I/O-bound tasks.
	BackendThreadPool Backend = "threadpool"
	// BackendRemote round-robins tasks over the configured worker hosts.
	BackendRemote Backend = "remote"
	// BackendCluster hands tasks to an external cluster through the
	// message broker.
	BackendCluster Backend = "cluster"
)

// ParseBackend validates a backend name from configuration or environment.
// Invalid values fail fast.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendInline, BackendProcessPool, BackendThreadPool, BackendRemote, BackendCluster:
		return Backend(s), nil
	}
	return "", fmt.Errorf("invalid distribution backend %q", s)
}

// submitFunc submits one task spec through a backend; every successful
// submit guarantees at least one end-of-task (or failure) on the ingress.
type submitFunc func(sm *Starmap, spec *TaskSpec) error

// submitters is the dispatch table from backend to submission handler.
var submitters = map[Backend]submitFunc{
	BackendInline:      inlineSubmit,
	BackendProcessPool: processPoolSubmit,
	BackendThreadPool:  threadPoolSubmit,
	BackendRemote:      remoteSubmit,
	BackendCluster:     clusterSubmit,
}

func inlineSubmit(sm *Starmap, spec *TaskSpec) error {
	RunTask(spec)
	return nil
}

func threadPoolSubmit(sm *Starmap, spec *TaskSpec) error {
	if sm.threads == nil {
		return &BackendUnavailableError{Backend: string(BackendThreadPool),
			Reason: "pool not initialized"}
	}
	sm.threads.Submit(spec)
	return nil
}

func processPoolSubmit(sm *Starmap, spec *TaskSpec) error {
	if sm.procs == nil {
		return &BackendUnavailableError{Backend: string(BackendProcessPool),
			Reason: "pool not initialized"}
	}
	return sm.procs.Submit(spec)
}

func remoteSubmit(sm *Starmap, spec *TaskSpec) error {
	if sm.remote == nil {
		return &BackendUnavailableError{Backend: string(BackendRemote),
			Reason: "no worker hosts configured"}
	}
	return sm.remote.Submit(spec)
}

func clusterSubmit(sm *Starmap, spec *TaskSpec) error {
	if sm.cluster == nil {
		return &BackendUnavailableError{Backend: string(BackendCluster),
			Reason: "no brokers configured"}
	}
	return sm.cluster.Submit(spec)
}
