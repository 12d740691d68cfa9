package protocol

import (
	"bytes"
	"testing"
)

func TestEnvelopeFrameRoundtrip(t *testing.T) {
	corr, err := NewCorrelation()
	if err != nil {
		t.Fatalf("correlation: %v", err)
	}
	e := Envelope{
		Header:  Header{Version: 1, Type: MsgData, Correlation: corr},
		Payload: []byte("hello"),
	}
	b, err := e.EncodeFrame()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out Envelope
	if err := out.DecodeFrame(b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Header.Type != MsgData || !bytes.Equal(out.Payload, []byte("hello")) {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
	if out.Header.Correlation != corr {
		t.Fatalf("correlation mismatch")
	}
}

func TestEnvelopeReadWrite(t *testing.T) {
	e := Envelope{Header: Header{Version: 1, Type: MsgControl}, Payload: []byte{1, 2, 3}}
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out Envelope
	if _, err := out.ReadFrom(&buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out.Payload, []byte{1, 2, 3}) {
		t.Fatalf("payload mismatch: %v", out.Payload)
	}
}

func TestEnvelopeFlags(t *testing.T) {
	var e Envelope
	if e.HasFlag(FlagAck) {
		t.Fatalf("flag should be unset")
	}
	e.SetFlag(FlagAck, true)
	if !e.HasFlag(FlagAck) {
		t.Fatalf("flag should be set")
	}
	e.SetFlag(FlagAck, false)
	if e.HasFlag(FlagAck) {
		t.Fatalf("flag should be cleared")
	}
}

func TestEnvelopeDecodeShort(t *testing.T) {
	var e Envelope
	if err := e.DecodeFrame([]byte{1, 2}); err == nil {
		t.Fatalf("expected short frame error")
	}
}
