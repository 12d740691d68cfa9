package task

import "taskmesh/pkg/protocol"

// TaskState is a wire delta reporting a progress update or terminal outcome
// for a Task. It is ephemeral: applied on delivery, never retained.
type TaskState struct {
	ID      string
	Tag     protocol.Tag
	Payload any
}

// NewProgressState builds a progress delta carrying an opaque progress value.
func NewProgressState(id string, v any) *TaskState {
	return &TaskState{ID: id, Tag: protocol.TagProgress, Payload: v}
}

// NewCompleteState builds a terminal delta carrying the task result.
func NewCompleteState(id string, result any) *TaskState {
	return &TaskState{ID: id, Tag: protocol.TagComplete, Payload: result}
}

// NewErrorState builds a terminal delta carrying a normalized error payload.
func NewErrorState(id string, errv any) *TaskState {
	return &TaskState{ID: id, Tag: protocol.TagError, Payload: NormalizeError(errv)}
}

// NewCancelledState builds a cancellation delta. Sent by an executing side to
// report the cancelled outcome, or by a client to solicit cancellation.
func NewCancelledState(id, reason string) *TaskState {
	return &TaskState{ID: id, Tag: protocol.TagCancel, Payload: reason}
}

// Reason extracts the cancellation reason from a cancel-tagged state.
func (s *TaskState) Reason() string {
	if r, ok := s.Payload.(string); ok {
		return r
	}
	return ""
}
