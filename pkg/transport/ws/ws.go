// Package ws implements a WebSocket transport. Each envelope travels as one
// binary WebSocket message, so no extra length prefix is needed.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskmesh/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWS }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	wl := &listener{nl: nl, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	wl.srv = &http.Server{Handler: http.HandlerFunc(wl.serveWS)}
	go func() { _ = wl.srv.Serve(nl) }()
	go func() { <-ctx.Done(); _ = wl.Close() }()
	return wl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: "/"}
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	// ctx governs dialing only; the session lives until Close
	return newSession(c, peer), nil
}

type listener struct {
	nl      net.Listener
	srv     *http.Server
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := newSession(c, transport.PeerInfo{
		ID:   transport.TempPeerID(transport.KindWS, c.RemoteAddr()),
		Addr: c.RemoteAddr().String(),
	})
	select {
	case l.newCh <- s:
	default:
		_ = s.Close()
	}
}

func (l *listener) Addr() net.Addr { return l.nl.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("ws listener closed")
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.srv.Close()
}

type session struct {
	mu            sync.Mutex
	peer          transport.PeerInfo
	c             *websocket.Conn
	establishedAt time.Time
	lastSeen      time.Time
}

func newSession(c *websocket.Conn, peer transport.PeerInfo) *session {
	return &session{peer: peer, c: c, establishedAt: time.Now()}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) SetPeer(pi transport.PeerInfo) { s.peer = pi }
func (s *session) TransportKind() transport.Kind { return transport.KindWS }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }
func (s *session) Close() error                  { return s.c.Close() }

func (s *session) OpenStream(_ context.Context, _ transport.StreamClass) (transport.Stream, error) {
	return s, nil
}

func (s *session) Quality() transport.Quality {
	return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *session) SendBytes(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	s.lastSeen = time.Now()
	return nil
}

func (s *session) RecvBytes() ([]byte, error) {
	for {
		mt, b, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.lastSeen = time.Now()
		return b, nil
	}
}
