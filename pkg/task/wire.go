package task

import (
	"strings"

	"taskmesh/pkg/protocol"
	"taskmesh/pkg/protocol/codec"
)

// Task and TaskState envelopes share one message channel, so receivers
// discriminate by trial decoding in a fixed order: Task first, TaskState
// second. The decode functions below never fail loudly on foreign input;
// they report ok=false and the caller tries the next kind.

type taskWire struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Params any    `json:"params,omitempty"`
}

type stateWire struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Payload any    `json:"payload,omitempty"`
}

// EncodeTask serializes the task's wire envelope (id, type, params) using the
// codec for f, prefixed with the format byte.
func EncodeTask(reg *codec.Registry, f protocol.Format, t *Task) ([]byte, error) {
	return protocol.EncodeBody(reg, f, taskWire{ID: t.ID(), Type: t.Type(), Params: t.Params()})
}

// DecodeTask attempts to read a Task envelope from a data payload.
// ok is false when the payload is malformed or not a Task.
func DecodeTask(reg *codec.Registry, payload []byte) (*Task, bool) {
	var w taskWire
	if _, err := protocol.DecodeBody(reg, payload, &w); err != nil {
		return nil, false
	}
	if strings.TrimSpace(w.ID) == "" || strings.TrimSpace(w.Type) == "" {
		return nil, false
	}
	return newWithID(w.ID, w.Type, w.Params), true
}

// EncodeState serializes a TaskState envelope (id, state, payload).
func EncodeState(reg *codec.Registry, f protocol.Format, s *TaskState) ([]byte, error) {
	return protocol.EncodeBody(reg, f, stateWire{ID: s.ID, State: string(s.Tag), Payload: s.Payload})
}

// DecodeState attempts to read a TaskState envelope from a data payload.
// ok is false when the payload is malformed or not a TaskState.
func DecodeState(reg *codec.Registry, payload []byte) (*TaskState, bool) {
	var w stateWire
	if _, err := protocol.DecodeBody(reg, payload, &w); err != nil {
		return nil, false
	}
	tag := protocol.Tag(w.State)
	if strings.TrimSpace(w.ID) == "" || !tag.Valid() {
		return nil, false
	}
	return &TaskState{ID: w.ID, Tag: tag, Payload: w.Payload}, true
}
