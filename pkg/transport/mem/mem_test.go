package mem

import (
	"bytes"
	"context"
	"testing"
	"time"

	"taskmesh/pkg/transport"
)

func TestDialListenExchange(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := tr.Listen(ctx, "inproc://t1")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cli, err := tr.Dial(ctx, "inproc://t1", transport.PeerInfo{ID: "peer-a", Addr: "inproc://t1"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	actx, acancel := context.WithTimeout(ctx, time.Second)
	defer acancel()
	srv, err := l.Accept(actx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	cs, err := cli.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	ss, err := srv.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	go func() { _ = cs.SendBytes([]byte("ping")) }()
	b, err := ss.RecvBytes()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(b, []byte("ping")) {
		t.Fatalf("payload = %q", b)
	}

	go func() { _ = ss.SendBytes([]byte("pong")) }()
	b, err = cs.RecvBytes()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(b, []byte("pong")) {
		t.Fatalf("payload = %q", b)
	}
}

func TestFramesArriveInOrder(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, _ := tr.Listen(ctx, "inproc://order")
	cli, err := tr.Dial(ctx, "inproc://order", transport.PeerInfo{ID: "p"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	cs, _ := cli.OpenStream(ctx, transport.StreamTask)
	ss, _ := srv.OpenStream(ctx, transport.StreamTask)

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	go func() {
		for _, m := range msgs {
			_ = cs.SendBytes(m)
		}
	}()
	for i, want := range msgs {
		got, err := ss.RecvBytes()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d = %q, want %q", i, got, want)
		}
	}
}

func TestDialUnknownListener(t *testing.T) {
	tr := New()
	if _, err := tr.Dial(context.Background(), "inproc://nope", transport.PeerInfo{}); err == nil {
		t.Fatalf("expected no such listener error")
	}
}

func TestDuplicateListen(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := tr.Listen(ctx, "inproc://dup"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := tr.Listen(ctx, "inproc://dup"); err == nil {
		t.Fatalf("expected duplicate listener error")
	}
}

func TestAcceptUnblocksOnClose(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l, _ := tr.Listen(ctx, "inproc://close")
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept(context.Background())
		errCh <- err
	}()
	_ = l.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected listener closed error")
		}
	case <-time.After(time.Second):
		t.Fatalf("accept did not unblock")
	}
}
