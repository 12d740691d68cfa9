// Package task holds the unit-of-work entity, its lifecycle state machine,
// and the envelope types exchanged between client, master and worker.
package task

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Task.
type State uint8

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateError
	StateCancelled
	StateTimeout
)

// Terminal reports whether s is absorbing: no mutator may leave it.
func (s State) Terminal() bool { return s >= StateCompleted }

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Task is the unit of work published by a client. The client owns it for its
// full lifetime; master and worker hold a transient mirror while executing
// and discard it on terminal transition.
type Task struct {
	mu     sync.Mutex
	id     string
	typ    string
	params any

	state    State
	phase    uint64
	result   any
	err      map[string]any
	progress []any

	cancelRequested bool
	cancelReason    string
	onCancel        func(reason string)
	cancelSignalled bool
}

// New constructs a Task for a publish request with a freshly minted id.
func New(typ string, params any) *Task {
	return &Task{id: uuid.NewString(), typ: typ, params: params}
}

func newWithID(id, typ string, params any) *Task {
	return &Task{id: id, typ: typ, params: params}
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Type() string { return t.typ }
func (t *Task) Params() any  { return t.params }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Phase returns the transition counter; it strictly increases on every mutation.
func (t *Task) Phase() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the normalized error payload, nil unless state is error.
func (t *Task) Err() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Progress returns a copy of the append-only progress sequence.
func (t *Task) Progress() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.progress))
	copy(out, t.progress)
	return out
}

func (t *Task) IsCancellationRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

func (t *Task) CancellationReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelReason
}

// MarkRunning moves created → running. No-op in any other state.
func (t *Task) MarkRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		return false
	}
	t.state = StateRunning
	t.phase++
	return true
}

// SetProgress appends v to the progress sequence. Reports false once the task
// is terminal; late progress is a no-op.
func (t *Task) SetProgress(v any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	if t.state == StateCreated {
		t.state = StateRunning
	}
	t.progress = append(t.progress, v)
	t.phase++
	return true
}

// SetCompleted records the result and moves to the completed terminal state.
func (t *Task) SetCompleted(result any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.result = result
	t.state = StateCompleted
	t.phase++
	return true
}

// SetError normalizes v (see NormalizeError) and moves to the error terminal state.
func (t *Task) SetError(v any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.err = NormalizeError(v)
	t.state = StateError
	t.phase++
	return true
}

// SetCancelled moves to the cancelled terminal state.
func (t *Task) SetCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = StateCancelled
	t.phase++
	return true
}

// SetTimedOut moves to the timeout terminal state. This outcome is local to
// the publishing client and never travels the wire.
func (t *Task) SetTimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = StateTimeout
	t.phase++
	return true
}

// OnCancelRequested registers fn to run at most once when cancellation is
// requested for this task. Replaces any previously registered callback. A
// request that arrived before registration is replayed so the listener still
// learns of it.
func (t *Task) OnCancelRequested(fn func(reason string)) {
	t.mu.Lock()
	t.onCancel = fn
	reason := t.cancelReason
	fire := fn != nil && t.cancelRequested && !t.cancelSignalled
	if fire {
		t.cancelSignalled = true
	}
	t.mu.Unlock()
	if fire {
		fn(reason)
	}
}

// RequestCancel marks the task as cancellation-requested and fires the
// registered callback. The request is advisory: the executing handler may
// ignore it and finish normally. Handler-initiated cancellation must NOT go
// through here, so the cancellationRequested flag stays false for it.
func (t *Task) RequestCancel(reason string) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.cancelRequested = true
	t.cancelReason = reason
	fn := t.onCancel
	fire := fn != nil && !t.cancelSignalled
	if fire {
		t.cancelSignalled = true
	}
	t.mu.Unlock()
	if fire {
		fn(reason)
	}
}

// NormalizeError coerces an arbitrary failure value into a structured payload
// guaranteed to carry at least a "message" field. Map-shaped values pass
// through unchanged, field for field.
func NormalizeError(v any) map[string]any {
	switch e := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return e
	case error:
		return map[string]any{"message": e.Error()}
	case string:
		return map[string]any{"message": e}
	default:
		return map[string]any{"message": fmt.Sprint(e)}
	}
}
