// Package master implements the hub every client and worker connects to.
// It accepts sessions on any configured transport, verifies the signed hello,
// registers worker capabilities, and routes task envelopes between the
// publishing client and the executing side.
package master

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskmesh/pkg/config"
	"taskmesh/pkg/identity"
	"taskmesh/pkg/memkv"
	"taskmesh/pkg/netstack"
	"taskmesh/pkg/protocol"
	"taskmesh/pkg/protocol/codec"
	"taskmesh/pkg/registry"
	"taskmesh/pkg/task"
	"taskmesh/pkg/transport"
)

// Options tunes a Master.
type Options struct {
	// Name is the logical name announced in hello acks.
	Name string
	// Format selects the wire encoding for envelopes this master originates.
	Format protocol.Format
	// Identity configures the signing key. Empty config generates a fresh key.
	Identity config.IdentityConfig
	// HelloMaxSkew bounds the hello timestamp freshness window.
	HelloMaxSkew time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "master"
	}
	if o.Format == protocol.FormatUnknown {
		o.Format = protocol.FormatJSON
	}
	if o.HelloMaxSkew <= 0 {
		o.HelloMaxSkew = 5 * time.Minute
	}
	return o
}

// conn is one authenticated session with its send half serialized.
type conn struct {
	id   transport.PeerID
	role protocol.Role
	name string
	sess transport.Session
	st   transport.Stream

	sendMu sync.Mutex
}

func (c *conn) send(e *protocol.Envelope) error {
	b, err := e.EncodeFrame()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.st.SendBytes(b)
}

// route remembers where deltas for one in-flight task must go.
// Either worker is set (remote execution) or the task runs inline.
type route struct {
	client *conn
	worker transport.PeerID
}

// Master routes tasks between publishing clients and executing workers, and
// can execute task types itself via inline handlers.
type Master struct {
	log  *zap.Logger
	opts Options
	reg  *codec.Registry
	mgr  *transport.Manager

	kv       *memkv.Store
	workers  *registry.Store
	handlers *task.Registry

	priv ed25519.PrivateKey
	pid  transport.PeerID

	mu      sync.Mutex
	conns   map[transport.PeerID]*conn
	routes  map[string]*route     // task id to destination
	inline  map[string]*task.Task // tasks executing in-process
	closers []func()
	closed  bool

	wg sync.WaitGroup
}

// New builds a Master. The logger defaults to the global zap logger.
func New(log *zap.Logger, opts Options) (*Master, error) {
	if log == nil {
		log = zap.L()
	}
	opts = opts.withDefaults()
	priv, pid, err := identity.LoadOrGenEd25519(opts.Identity)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	kv := memkv.New(memkv.Options{})
	m := &Master{
		log:      log.Named("master"),
		opts:     opts,
		reg:      codec.NewRegistry(),
		mgr:      transport.NewManager(),
		kv:       kv,
		workers:  registry.NewStore(kv),
		handlers: task.NewRegistry(),
		priv:     priv,
		pid:      pid,
		conns:    make(map[transport.PeerID]*conn),
		routes:   make(map[string]*route),
		inline:   make(map[string]*task.Task),
	}
	if c, err := codec.CBOR(); err == nil {
		m.reg.Register(c)
	}
	return m, nil
}

// PeerID returns the master's canonical identity.
func (m *Master) PeerID() transport.PeerID { return m.pid }

// Execute registers an inline handler: tasks of this type run on the master
// itself instead of being forwarded to a worker.
func (m *Master) Execute(typ string, h task.HandlerFunc) {
	m.handlers.Register(typ, h)
}

// Workers returns the capability store for inspection.
func (m *Master) Workers() *registry.Store { return m.workers }

// Listen starts accepting sessions on every configured transport endpoint.
// It returns after listeners are bound; accepting continues until ctx is done
// or Close is called.
func (m *Master) Listen(ctx context.Context, tcs []config.TransportConfig) error {
	bound := 0
	for _, tc := range tcs {
		tr, err := netstack.NewByKind(tc.Kind)
		if err != nil {
			m.log.Warn("transport kind not available", zap.String("kind", tc.Kind), zap.Error(err))
			continue
		}
		for _, addr := range tc.Listen {
			l, err := tr.Listen(ctx, addr)
			if err != nil {
				m.log.Error("listen failed",
					zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
				continue
			}
			m.log.Info("listening",
				zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))
			m.mu.Lock()
			m.closers = append(m.closers, func() { _ = l.Close() })
			m.mu.Unlock()
			bound++
			m.wg.Add(1)
			go m.acceptLoop(ctx, l)
		}
	}
	if bound == 0 {
		return fmt.Errorf("no transport endpoints bound")
	}
	return nil
}

func (m *Master) acceptLoop(ctx context.Context, l transport.Listener) {
	defer m.wg.Done()
	for {
		s, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				m.log.Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			}
			return
		}
		m.log.Info("inbound session",
			zap.String("peer", string(s.Peer().ID)),
			zap.String("kind", s.TransportKind().String()))
		accepted, _, _ := m.mgr.AddSession(ctx, s)
		if !accepted {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleSession(ctx, s)
		}()
	}
}

// Close shuts down listeners, sessions, and the backing stores.
func (m *Master) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	closers := m.closers
	m.closers = nil
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	for _, c := range conns {
		_ = c.sess.Close()
	}
	m.wg.Wait()
	m.kv.Close()
}
