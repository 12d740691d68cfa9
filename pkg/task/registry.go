package task

import (
	"sort"
	"sync"
)

// DoneFunc reports the task outcome: a non-nil err yields an error terminal
// state, otherwise result yields a completed terminal state.
type DoneFunc func(err, result any)

// ProgressFunc emits one opaque progress value toward the task's origin.
type ProgressFunc func(v any)

// CancelFunc ends the task with a cancelled terminal state.
type CancelFunc func(reason string)

// HandlerFunc executes a task. Exactly one of done or cancel must ultimately
// fire per task; extra or late calls are safe no-ops.
type HandlerFunc func(t *Task, done DoneFunc, progress ProgressFunc, cancel CancelFunc)

// Registry maps command-type names to handlers. It is pure data, kept apart
// from connection routing.
type Registry struct {
	mu sync.RWMutex
	m  map[string]HandlerFunc
}

func NewRegistry() *Registry { return &Registry{m: make(map[string]HandlerFunc)} }

// Register adds or overwrites the handler for a command type.
// A nil handler is silently ignored.
func (r *Registry) Register(typ string, h HandlerFunc) {
	if h == nil || typ == "" {
		return
	}
	r.mu.Lock()
	r.m[typ] = h
	r.mu.Unlock()
}

// Lookup returns the handler registered for a command type.
func (r *Registry) Lookup(typ string) (HandlerFunc, bool) {
	r.mu.RLock()
	h, ok := r.m[typ]
	r.mu.RUnlock()
	return h, ok
}

// Types returns the sorted set of registered command types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
