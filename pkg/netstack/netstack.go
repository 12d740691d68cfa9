// Package netstack resolves configured transport kinds to concrete transports.
package netstack

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"taskmesh/pkg/transport"
	"taskmesh/pkg/transport/mem"
	tquic "taskmesh/pkg/transport/quic"
	ttcp "taskmesh/pkg/transport/tcp"
	tws "taskmesh/pkg/transport/ws"
)

// ErrUnknownKind is returned for kinds no transport implements.
var ErrUnknownKind = errors.New("netstack: unknown transport kind")

var (
	memOnce sync.Once
	memTr   *mem.Transport
)

// SharedMem returns the process-wide in-memory transport. Dialers and
// listeners must share one instance to see each other.
func SharedMem() *mem.Transport {
	memOnce.Do(func() { memTr = mem.New() })
	return memTr
}

// NewByKind builds a transport for a config kind string.
func NewByKind(kind string) (transport.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "tcp":
		return ttcp.New(), nil
	case "quic":
		return tquic.New(), nil
	case "ws", "websocket":
		return tws.New(), nil
	case "mem":
		return SharedMem(), nil
	case "winpipe", "npipe":
		return newWinPipeTransport()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
