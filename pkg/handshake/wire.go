package handshake

import (
	"fmt"

	"taskmesh/pkg/protocol"
	"taskmesh/pkg/protocol/codec"
	"taskmesh/pkg/transport"
)

// EncodeControl builds a control envelope carrying c.
func EncodeControl(reg *codec.Registry, f protocol.Format, corr [16]byte, flags uint32, c *Control) (protocol.Envelope, error) {
	h := protocol.Header{Version: 1, Type: protocol.MsgControl, Flags: flags, Correlation: corr}
	return protocol.NewEnvelopeWithBody(h, f, c, reg)
}

// DecodeControl parses the control union out of a control envelope payload.
func DecodeControl(reg *codec.Registry, payload []byte) (*Control, error) {
	var c Control
	if _, err := protocol.DecodeBody(reg, payload, &c); err != nil {
		return nil, err
	}
	if c.Kind == "" {
		return nil, fmt.Errorf("control without kind")
	}
	return &c, nil
}

// SendControl encodes c and writes it to the stream as one frame.
func SendControl(st transport.Stream, reg *codec.Registry, f protocol.Format, corr [16]byte, flags uint32, c *Control) error {
	e, err := EncodeControl(reg, f, corr, flags, c)
	if err != nil {
		return err
	}
	b, err := e.EncodeFrame()
	if err != nil {
		return err
	}
	return st.SendBytes(b)
}
