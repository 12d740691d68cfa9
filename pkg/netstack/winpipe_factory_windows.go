//go:build windows

package netstack

import (
	"taskmesh/pkg/transport"
	"taskmesh/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }
