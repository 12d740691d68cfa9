package task

import (
	"testing"

	"taskmesh/pkg/protocol"
	"taskmesh/pkg/protocol/codec"
)

func newReg(t *testing.T) *codec.Registry {
	t.Helper()
	r := codec.NewRegistry()
	c, err := codec.CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	r.Register(c)
	return r
}

func TestTaskWireRoundtrip(t *testing.T) {
	reg := newReg(t)
	in := New("transcode", map[string]any{"codec": "h264"})
	b, err := EncodeTask(reg, protocol.FormatJSON, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, ok := DecodeTask(reg, b)
	if !ok {
		t.Fatalf("decode failed")
	}
	if out.ID() != in.ID() || out.Type() != "transcode" {
		t.Fatalf("roundtrip mismatch: %s %s", out.ID(), out.Type())
	}
	if p := out.Params().(map[string]any); p["codec"] != "h264" {
		t.Fatalf("params mismatch: %#v", p)
	}
}

func TestStateWireRoundtrip(t *testing.T) {
	reg := newReg(t)
	for _, f := range []protocol.Format{protocol.FormatJSON, protocol.FormatCBOR} {
		in := NewProgressState("id-1", "halfway")
		b, err := EncodeState(reg, f, in)
		if err != nil {
			t.Fatalf("encode (%v): %v", f, err)
		}
		out, ok := DecodeState(reg, b)
		if !ok {
			t.Fatalf("decode failed (%v)", f)
		}
		if out.ID != "id-1" || out.Tag != protocol.TagProgress || out.Payload != "halfway" {
			t.Fatalf("roundtrip mismatch (%v): %+v", f, out)
		}
	}
}

// Receivers try Task first, TaskState second on the shared data channel.
// Each decoder must reject the other kind quietly.
func TestTrialDecodeDiscrimination(t *testing.T) {
	reg := newReg(t)

	tb, err := EncodeTask(reg, protocol.FormatJSON, New("sleep", nil))
	if err != nil {
		t.Fatalf("encode task: %v", err)
	}
	sb, err := EncodeState(reg, protocol.FormatJSON, NewCompleteState("id-2", "r"))
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}

	if _, ok := DecodeTask(reg, tb); !ok {
		t.Fatalf("task payload must decode as task")
	}
	if _, ok := DecodeState(reg, tb); ok {
		t.Fatalf("task payload must not decode as state")
	}
	if _, ok := DecodeState(reg, sb); !ok {
		t.Fatalf("state payload must decode as state")
	}
	if _, ok := DecodeTask(reg, sb); ok {
		t.Fatalf("state payload must not decode as task")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	reg := newReg(t)
	for _, b := range [][]byte{nil, {0xff}, {byte(protocol.FormatJSON), '{'}, {byte(protocol.FormatJSON), 'n', 'u', 'l', 'l'}} {
		if _, ok := DecodeTask(reg, b); ok {
			t.Fatalf("garbage decoded as task: %v", b)
		}
		if _, ok := DecodeState(reg, b); ok {
			t.Fatalf("garbage decoded as state: %v", b)
		}
	}
}

func TestDecodeStateRejectsUnknownTag(t *testing.T) {
	reg := newReg(t)
	b, err := protocol.EncodeBody(reg, protocol.FormatJSON, map[string]any{"id": "x", "state": "paused"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := DecodeState(reg, b); ok {
		t.Fatalf("unknown tag must not decode")
	}
}

func TestErrorStateNormalizesPayload(t *testing.T) {
	s := NewErrorState("id-3", "oops")
	m, ok := s.Payload.(map[string]any)
	if !ok || m["message"] != "oops" {
		t.Fatalf("error state payload: %#v", s.Payload)
	}
}

func TestCancelledStateReason(t *testing.T) {
	s := NewCancelledState("id-4", "user asked")
	if s.Reason() != "user asked" {
		t.Fatalf("reason = %q", s.Reason())
	}
	s.Payload = 3
	if s.Reason() != "" {
		t.Fatalf("non-string payload must yield empty reason")
	}
}
