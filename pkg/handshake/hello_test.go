package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"taskmesh/pkg/protocol"
	"taskmesh/pkg/protocol/codec"
)

func genKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("genkey: %v", err)
	}
	return priv
}

func TestHelloRoundtrip(t *testing.T) {
	priv := genKey(t)
	h, pid, err := BuildHello("worker-a", protocol.RoleWorker, priv)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := VerifyHello(h, time.Minute)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != pid {
		t.Fatalf("peer id mismatch: %s vs %s", got, pid)
	}
}

func TestHelloRejectsInvalidRole(t *testing.T) {
	priv := genKey(t)
	if _, _, err := BuildHello("x", protocol.Role("router"), priv); err == nil {
		t.Fatalf("expected invalid role error")
	}
	h, _, _ := BuildHello("x", protocol.RoleClient, priv)
	h.Role = protocol.Role("router")
	if _, err := VerifyHello(h, time.Minute); err == nil {
		t.Fatalf("expected invalid role error on verify")
	}
}

func TestHelloRejectsTamperedRole(t *testing.T) {
	priv := genKey(t)
	h, _, _ := BuildHello("x", protocol.RoleClient, priv)
	// the role is part of the signed transcript
	h.Role = protocol.RoleWorker
	if _, err := VerifyHello(h, time.Minute); err == nil {
		t.Fatalf("role swap must break the signature")
	}
}

func TestHelloRejectsTamperedName(t *testing.T) {
	priv := genKey(t)
	h, _, _ := BuildHello("honest", protocol.RoleWorker, priv)
	h.PeerName = "impostor"
	if _, err := VerifyHello(h, time.Minute); err == nil {
		t.Fatalf("name swap must break the signature")
	}
}

func TestHelloRejectsStaleTimestamp(t *testing.T) {
	priv := genKey(t)
	h, _, _ := BuildHello("x", protocol.RoleWorker, priv)
	h.Timestamp -= 10 * 60 * 1000
	if _, err := VerifyHello(h, time.Minute); err == nil {
		t.Fatalf("stale hello must be rejected")
	}
}

func TestHelloRejectsBadKeyLengths(t *testing.T) {
	priv := genKey(t)
	h, _, _ := BuildHello("x", protocol.RoleWorker, priv)
	h.PubKey = h.PubKey[:5]
	if _, err := VerifyHello(h, time.Minute); err == nil {
		t.Fatalf("short pubkey must be rejected")
	}
	h, _, _ = BuildHello("x", protocol.RoleWorker, priv)
	h.Sig = h.Sig[:5]
	if _, err := VerifyHello(h, time.Minute); err == nil {
		t.Fatalf("short signature must be rejected")
	}
}

func TestControlWireRoundtrip(t *testing.T) {
	reg := codec.NewRegistry()
	priv := genKey(t)
	hello, _, _ := BuildHello("w", protocol.RoleWorker, priv)
	corr, _ := protocol.NewCorrelation()

	e, err := EncodeControl(reg, protocol.FormatJSON, corr, protocol.FlagAck, &Control{Kind: KindHello, Hello: &hello})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if e.Header.Type != protocol.MsgControl || !e.HasFlag(protocol.FlagAck) {
		t.Fatalf("header: %+v", e.Header)
	}
	ctl, err := DecodeControl(reg, e.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ctl.Kind != KindHello || ctl.Hello == nil || ctl.Hello.PeerName != "w" {
		t.Fatalf("roundtrip mismatch: %+v", ctl)
	}
	if _, err := VerifyHello(*ctl.Hello, time.Minute); err != nil {
		t.Fatalf("verify after roundtrip: %v", err)
	}
}

func TestDecodeControlRequiresKind(t *testing.T) {
	reg := codec.NewRegistry()
	b, err := protocol.EncodeBody(reg, protocol.FormatJSON, map[string]any{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeControl(reg, b); err == nil {
		t.Fatalf("kindless control must be rejected")
	}
}
