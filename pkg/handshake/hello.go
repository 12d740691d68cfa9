// Package handshake defines the control messages exchanged when a client or
// worker session is established: a signed identity hello, its ack, and the
// worker capability registration.
package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"taskmesh/pkg/crypto/sign"
	"taskmesh/pkg/protocol"
	"taskmesh/pkg/transport"
)

// Control kinds.
const (
	KindHello       = "hello"
	KindHelloAck    = "hello_ack"
	KindRegister    = "register"
	KindRegisterAck = "register_ack"
)

// Control is the tagged union carried by control envelopes.
type Control struct {
	Kind        string       `json:"kind"`
	Hello       *Hello       `json:"hello,omitempty"`
	HelloAck    *HelloAck    `json:"hello_ack,omitempty"`
	Register    *Register    `json:"register,omitempty"`
	RegisterAck *RegisterAck `json:"register_ack,omitempty"`
}

// Hello is a signed identity message sent on a newly established session.
// It binds a public key to a logical peer name, a declared role, and a fresh
// nonce with a timestamp.
type Hello struct {
	Version   uint32        `json:"ver,omitempty"`
	PeerName  string        `json:"peer_name,omitempty"`
	Role      protocol.Role `json:"role"`
	Alg       string        `json:"alg"`
	PubKey    []byte        `json:"pubkey"`
	Nonce     []byte        `json:"nonce"`
	Timestamp int64         `json:"ts_unix_ms"`
	Sig       []byte        `json:"sig"`
}

// HelloAck confirms the hello and tells the peer its canonical id.
type HelloAck struct {
	PeerID   string `json:"peer_id"`
	PeerName string `json:"peer_name,omitempty"`
}

// Register advertises the command types a worker handles.
type Register struct {
	Types  []string          `json:"types"`
	Labels map[string]string `json:"labels,omitempty"`
}

// RegisterAck confirms the registration with the accepted type set.
type RegisterAck struct {
	Accepted bool     `json:"accepted"`
	Types    []string `json:"types,omitempty"`
}

// BuildHello constructs a Hello payload and signs it with the ed25519 key.
func BuildHello(peerName string, role protocol.Role, priv ed25519.PrivateKey) (Hello, transport.PeerID, error) {
	if !role.Valid() {
		return Hello{}, "", fmt.Errorf("invalid role: %s", role)
	}
	pub := priv.Public().(ed25519.PublicKey)
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Hello{}, "", err
	}
	h := Hello{
		Version:   1,
		PeerName:  peerName,
		Role:      role,
		Alg:       "ed25519",
		PubKey:    append([]byte(nil), pub...),
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
	}
	msg := sign.HelloTranscript(string(h.Role), h.Alg, h.PubKey, h.Nonce, h.Timestamp, h.PeerName)
	h.Sig, _ = sign.SignEd25519(priv, msg)
	pid := transport.CanonicalPeerIDFromPubKey("ed25519", pub)
	return h, pid, nil
}

// VerifyHello verifies signature, role, and basic freshness. Returns the
// canonical PeerID derived from the public key.
func VerifyHello(h Hello, maxSkew time.Duration) (transport.PeerID, error) {
	if !h.Role.Valid() {
		return "", fmt.Errorf("invalid role: %s", h.Role)
	}
	if h.Alg != "ed25519" {
		return "", fmt.Errorf("unsupported alg: %s", h.Alg)
	}
	if len(h.PubKey) != ed25519.PublicKeySize {
		return "", errors.New("bad pubkey length")
	}
	if len(h.Sig) != ed25519.SignatureSize {
		return "", errors.New("bad signature length")
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	now := time.Now().UnixMilli()
	if dt := now - h.Timestamp; dt > int64(maxSkew/time.Millisecond) || dt < -int64(maxSkew/time.Millisecond) {
		return "", errors.New("hello timestamp out of bounds")
	}
	msg := sign.HelloTranscript(string(h.Role), h.Alg, h.PubKey, h.Nonce, h.Timestamp, h.PeerName)
	if !sign.VerifyEd25519(ed25519.PublicKey(h.PubKey), msg, h.Sig) {
		return "", errors.New("hello signature invalid")
	}
	return transport.CanonicalPeerIDFromPubKey("ed25519", h.PubKey), nil
}
