package netstack

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"taskmesh/pkg/config"
	"taskmesh/pkg/transport"
)

// DialWithBackoff dials addr over the given kind, retrying with exponential
// backoff per nc until the context ends. A zero nc dials exactly once.
func DialWithBackoff(ctx context.Context, kind, addr string, peer transport.PeerInfo, nc config.NetConfig) (transport.Session, error) {
	tr, err := NewByKind(kind)
	if err != nil {
		return nil, err
	}
	if nc.DialBackoffInitialMS <= 0 {
		return tr.Dial(ctx, addr, peer)
	}

	backoff := time.Duration(nc.DialBackoffInitialMS) * time.Millisecond
	maxBackoff := time.Duration(nc.DialBackoffMaxMS) * time.Millisecond
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	for {
		sess, err := tr.Dial(ctx, addr, peer)
		if err == nil {
			return sess, nil
		}
		wait := backoff
		if nc.DialBackoffJitterMS > 0 {
			wait += time.Duration(rand.Intn(nc.DialBackoffJitterMS)) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s %s: %w (last attempt: %v)", kind, addr, ctx.Err(), err)
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
