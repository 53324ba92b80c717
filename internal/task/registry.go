package task

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh Task instance for one session. Tasks hold per-run
// state, so a factory is invoked once per session per task; instances are
// never shared across sessions.
type Factory func(cadence Cadence, params map[string]string) (Task, error)

// Registry maps task names to factories. The hosting application registers
// every available diagnoser at startup; the engine never discovers tasks on
// its own.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the given name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a task from the named factory.
func (r *Registry) New(name string, cadence Cadence, params map[string]string) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %q is not registered", name)
	}
	return f(cadence, params)
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers the diagnosers that ship with the engine.
func RegisterBuiltins(r *Registry) {
	r.Register("jitter", func(c Cadence, _ map[string]string) (Task, error) {
		return NewJitter(c), nil
	})
	r.Register("sysstats", func(c Cadence, _ map[string]string) (Task, error) {
		return NewSysStats(c), nil
	})
	r.Register("cmddump", func(c Cadence, params map[string]string) (Task, error) {
		return NewCmdDump(c, params["command"]), nil
	})
}
