package starmap

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hazardlab/starmap/monitor"
)

// Func is a plain task: it consumes its arguments and returns one value.
type Func func(args []any, mon *monitor.Monitor) (any, error)

// StreamFunc is a generating task: it emits zero or more values and/or
// Subtask requests through emit before returning. Returning nil ends the
// task normally; returning an error fails it.
type StreamFunc func(args []any, mon *monitor.Monitor, emit func(any) error) error

// TaskFunc describes a registered task function. Functions travel between
// dispatcher and workers by name, so every process involved in a calculation
// must register the same names, typically from init functions.
type TaskFunc struct {
	// Name is the registered identifier.
	Name string
	// Fn is the plain form; exactly one of Fn and Stream is set.
	Fn Func
	// Stream is the generating form.
	Stream StreamFunc
	// ArgNames declare the positional parameters, used for the per-argument
	// byte accounting and for monitor injection: when the last name starts
	// or ends with "mon", the worker passes the task its monitor.
	ArgNames []string
}

// Inject reports whether the task wants the monitor appended to its args.
func (t *TaskFunc) Inject() bool {
	if len(t.ArgNames) == 0 {
		return false
	}
	last := t.ArgNames[len(t.ArgNames)-1]
	return strings.HasPrefix(last, "mon") || strings.HasSuffix(last, "mon")
}

// RegistrationError reports an invalid task registration.
type RegistrationError struct {
	Name   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("cannot register task %q: %s", e.Name, e.Reason)
}

// Registry maps task names to functions.
type Registry struct {
	tasks map[string]*TaskFunc
	mu    sync.RWMutex
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*TaskFunc)}
}

// Register adds a task function to the registry.
// Returns an error if the name is empty, the function is missing, or the
// name is already taken.
func (r *Registry) Register(t *TaskFunc) error {
	if t == nil {
		return &RegistrationError{Reason: "task cannot be nil"}
	}
	if t.Name == "" {
		return &RegistrationError{Reason: "task name cannot be empty"}
	}
	if (t.Fn == nil) == (t.Stream == nil) {
		return &RegistrationError{Name: t.Name, Reason: "exactly one of Fn and Stream must be set"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.Name]; exists {
		return &RegistrationError{Name: t.Name, Reason: "already registered"}
	}
	r.tasks[t.Name] = t
	return nil
}

// MustRegister adds a task function, panicking on error. Intended for use
// in init functions.
func (r *Registry) MustRegister(t *TaskFunc) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get retrieves a task function by name.
func (r *Registry) Get(name string) (*TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// List returns the sorted registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global registry used by dispatchers and workers.
var DefaultRegistry = NewRegistry()

// Register adds a task function to the default registry.
func Register(t *TaskFunc) error { return DefaultRegistry.Register(t) }

// MustRegister adds a task function to the default registry, panicking on
// error.
func MustRegister(t *TaskFunc) { DefaultRegistry.MustRegister(t) }

// Lookup retrieves a task function from the default registry.
func Lookup(name string) (*TaskFunc, bool) { return DefaultRegistry.Get(name) }
