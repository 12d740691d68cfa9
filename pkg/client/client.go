// Package client implements the publishing peer. A client dials the master,
// publishes named commands, observes progress, and sees exactly one terminal
// outcome per command: completed, error, cancelled, or a local timeout.
package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskmesh/pkg/config"
	"taskmesh/pkg/handshake"
	"taskmesh/pkg/identity"
	"taskmesh/pkg/netstack"
	"taskmesh/pkg/protocol"
	"taskmesh/pkg/protocol/codec"
	"taskmesh/pkg/task"
	"taskmesh/pkg/transport"
)

// Options tunes a Client.
type Options struct {
	// Kind and Address locate the master (e.g. "tcp", "127.0.0.1:7700").
	Kind    string
	Address string
	// Name is the logical client name announced in the hello.
	Name string
	// Format selects the wire encoding for envelopes this client originates.
	Format protocol.Format
	// Identity configures the signing key. Empty config generates a fresh key.
	Identity config.IdentityConfig
	// AckTimeout bounds the wait for the hello ack.
	AckTimeout time.Duration
	// Backoff controls dial retries. The zero value dials exactly once.
	Backoff config.NetConfig
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "client"
	}
	if o.Format == protocol.FormatUnknown {
		o.Format = protocol.FormatJSON
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	return o
}

// Command describes one publish request. The Timeout is purely local: when it
// fires first the command ends with the timeout outcome on this client, but
// remote execution is neither cancelled nor notified.
type Command struct {
	Type    string
	Params  any
	Timeout time.Duration

	OnProgress  func(v any)
	OnComplete  func(result any)
	OnError     func(errv map[string]any)
	OnCancelled func(reason string)
	OnTimeout   func()
}

// Handle refers to one published command.
type Handle struct {
	id string
	t  *task.Task
	c  *Client
}

// ID returns the task id assigned at publish.
func (h *Handle) ID() string { return h.id }

// Task returns the client-side task mirror. It stays valid after the command
// ends, so the final state and cancellation flag remain inspectable.
func (h *Handle) Task() *task.Task { return h.t }

// Cancel requests cancellation of the command. The request is advisory; the
// executing side decides whether to honor it. This is the only path that sets
// the task's cancellation-requested flag.
func (h *Handle) Cancel(reason string) {
	h.c.cancel(h.id, reason)
}

type pendingCmd struct {
	t     *task.Task
	cmd   Command
	timer *time.Timer
}

// Client publishes commands to the master and applies the resulting deltas.
type Client struct {
	log  *zap.Logger
	opts Options
	reg  *codec.Registry

	priv ed25519.PrivateKey
	pid  transport.PeerID

	mu        sync.Mutex
	sess      transport.Session
	st        transport.Stream
	sendMu    sync.Mutex
	connected bool
	pending   map[string]*pendingCmd
	subs      map[protocol.Event][]func(any)

	helloAckCh chan *handshake.HelloAck

	wg sync.WaitGroup
}

// New builds a Client. The logger defaults to the global zap logger.
func New(log *zap.Logger, opts Options) (*Client, error) {
	if log == nil {
		log = zap.L()
	}
	opts = opts.withDefaults()
	priv, pid, err := identity.LoadOrGenEd25519(opts.Identity)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	c := &Client{
		log:        log.Named("client"),
		opts:       opts,
		reg:        codec.NewRegistry(),
		priv:       priv,
		pid:        pid,
		pending:    make(map[string]*pendingCmd),
		subs:       make(map[protocol.Event][]func(any)),
		helloAckCh: make(chan *handshake.HelloAck, 1),
	}
	if cc, err := codec.CBOR(); err == nil {
		c.reg.Register(cc)
	}
	return c, nil
}

// PeerID returns the client's canonical identity.
func (c *Client) PeerID() transport.PeerID { return c.pid }

// Notify subscribes fn to a local event.
func (c *Client) Notify(ev protocol.Event, fn func(arg any)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.subs[ev] = append(c.subs[ev], fn)
	c.mu.Unlock()
}

func (c *Client) emitEvent(ev protocol.Event, arg any) {
	c.mu.Lock()
	fns := append([]func(any){}, c.subs[ev]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(arg)
	}
}

// Connect dials the master and completes the hello handshake.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := netstack.DialWithBackoff(ctx, c.opts.Kind, c.opts.Address,
		transport.PeerInfo{Addr: c.opts.Address}, c.opts.Backoff)
	if err != nil {
		c.emitEvent(protocol.EventError, err)
		return err
	}
	st, err := sess.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		_ = sess.Close()
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.st = st
	c.mu.Unlock()

	hello, _, err := handshake.BuildHello(c.opts.Name, protocol.RoleClient, c.priv)
	if err != nil {
		_ = sess.Close()
		return err
	}
	corr, _ := protocol.NewCorrelation()
	ctl := &handshake.Control{Kind: handshake.KindHello, Hello: &hello}
	if err := handshake.SendControl(st, c.reg, c.opts.Format, corr, protocol.FlagAck, ctl); err != nil {
		_ = sess.Close()
		return err
	}

	c.wg.Add(1)
	go c.recvLoop(st)

	select {
	case <-c.helloAckCh:
	case <-time.After(c.opts.AckTimeout):
		_ = sess.Close()
		return fmt.Errorf("hello ack timeout")
	case <-ctx.Done():
		_ = sess.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.Info("connected to master",
		zap.String("addr", c.opts.Address), zap.String("kind", c.opts.Kind))
	c.emitEvent(protocol.EventConnected, nil)
	return nil
}

// Publish sends a command to the master and returns a handle for it.
// Deltas are applied in arrival order; callbacks fire outside the client lock.
func (c *Client) Publish(cmd Command) (*Handle, error) {
	if cmd.Type == "" {
		return nil, fmt.Errorf("command type is empty")
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	c.mu.Unlock()

	t := task.New(cmd.Type, cmd.Params)
	payload, err := task.EncodeTask(c.reg, c.opts.Format, t)
	if err != nil {
		return nil, err
	}
	corr, _ := protocol.NewCorrelation()
	e := &protocol.Envelope{
		Header:  protocol.Header{Version: 1, Type: protocol.MsgData, Correlation: corr},
		Payload: payload,
	}
	e.Header.PayloadLen = uint32(len(payload))

	p := &pendingCmd{t: t, cmd: cmd}
	c.mu.Lock()
	c.pending[t.ID()] = p
	c.mu.Unlock()

	if err := c.send(e); err != nil {
		c.mu.Lock()
		delete(c.pending, t.ID())
		c.mu.Unlock()
		return nil, err
	}

	// The timeout never travels the wire; firing it ends the command locally
	// while remote execution keeps going.
	if cmd.Timeout > 0 {
		p.timer = time.AfterFunc(cmd.Timeout, func() { c.expire(t.ID()) })
	}
	c.log.Debug("command published", zap.String("task", t.ID()), zap.String("type", cmd.Type))
	return &Handle{id: t.ID(), t: t, c: c}, nil
}

func (c *Client) send(e *protocol.Envelope) error {
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()
	if st == nil {
		return fmt.Errorf("not connected")
	}
	b, err := e.EncodeFrame()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return st.SendBytes(b)
}

// cancel is the Handle.Cancel implementation. The local mirror records that
// cancellation was requested; the delta solicits it from the executing side.
func (c *Client) cancel(id, reason string) {
	c.mu.Lock()
	p := c.pending[id]
	c.mu.Unlock()
	if p == nil {
		return
	}
	p.t.RequestCancel(reason)

	payload, err := task.EncodeState(c.reg, c.opts.Format, task.NewCancelledState(id, reason))
	if err != nil {
		c.log.Warn("encode cancel failed", zap.String("task", id), zap.Error(err))
		return
	}
	corr, _ := protocol.NewCorrelation()
	e := &protocol.Envelope{
		Header:  protocol.Header{Version: 1, Type: protocol.MsgData, Correlation: corr},
		Payload: payload,
	}
	e.Header.PayloadLen = uint32(len(payload))
	// fire and forget: the cancelled outcome, if any, arrives as a delta
	if err := c.send(e); err != nil {
		c.log.Warn("send cancel failed", zap.String("task", id), zap.Error(err))
	}
}

// expire fires the local timeout. Removing the pending entry first makes the
// race with an arriving terminal delta settle on exactly one outcome.
func (c *Client) expire(id string) {
	c.mu.Lock()
	p := c.pending[id]
	if p == nil {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	if p.t.SetTimedOut() {
		c.log.Info("command timed out locally", zap.String("task", id))
		if p.cmd.OnTimeout != nil {
			p.cmd.OnTimeout()
		}
	}
}

func (c *Client) recvLoop(st transport.Stream) {
	defer c.wg.Done()
	for {
		b, err := st.RecvBytes()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		var e protocol.Envelope
		if err := e.DecodeFrame(b); err != nil {
			c.log.Debug("bad frame dropped", zap.Error(err))
			continue
		}
		switch e.Header.Type {
		case protocol.MsgControl:
			c.handleControl(&e)
		case protocol.MsgData:
			c.handleData(&e)
		}
	}
}

func (c *Client) handleControl(e *protocol.Envelope) {
	ctl, err := handshake.DecodeControl(c.reg, e.Payload)
	if err != nil {
		c.log.Debug("bad control envelope", zap.Error(err))
		return
	}
	if ctl.Kind == handshake.KindHelloAck {
		select {
		case c.helloAckCh <- ctl.HelloAck:
		default:
		}
	}
}

// handleData discriminates by trial decoding. A client only expects
// TaskState deltas; a Task envelope here is foreign and dropped.
func (c *Client) handleData(e *protocol.Envelope) {
	if _, ok := task.DecodeTask(c.reg, e.Payload); ok {
		c.log.Debug("unexpected task envelope dropped")
		return
	}
	s, ok := task.DecodeState(c.reg, e.Payload)
	if !ok {
		c.log.Debug("undecodable data envelope dropped")
		return
	}
	c.applyState(s)
}

// applyState applies one delta to the pending command. Terminal deltas remove
// the entry under the lock, so the first terminal event wins and the rest
// (including a racing timeout) become no-ops.
func (c *Client) applyState(s *task.TaskState) {
	c.mu.Lock()
	p := c.pending[s.ID]
	if p == nil {
		c.mu.Unlock()
		c.log.Debug("delta for unknown command dropped",
			zap.String("task", s.ID), zap.String("tag", string(s.Tag)))
		return
	}
	if s.Tag.Terminal() {
		delete(c.pending, s.ID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	switch s.Tag {
	case protocol.TagProgress:
		if p.t.SetProgress(s.Payload) && p.cmd.OnProgress != nil {
			p.cmd.OnProgress(s.Payload)
		}
	case protocol.TagComplete:
		if p.t.SetCompleted(s.Payload) && p.cmd.OnComplete != nil {
			p.cmd.OnComplete(s.Payload)
		}
	case protocol.TagError:
		if p.t.SetError(s.Payload) && p.cmd.OnError != nil {
			p.cmd.OnError(p.t.Err())
		}
	case protocol.TagCancel:
		if p.t.SetCancelled() && p.cmd.OnCancelled != nil {
			p.cmd.OnCancelled(s.Reason())
		}
	}
}

// handleDisconnect fails every in-flight command with an error outcome.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.st = nil
	sess := c.sess
	c.sess = nil
	orphans := make([]*pendingCmd, 0, len(c.pending))
	for id, p := range c.pending {
		orphans = append(orphans, p)
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	for _, p := range orphans {
		if p.t.SetError("connection closed") && p.cmd.OnError != nil {
			p.cmd.OnError(p.t.Err())
		}
	}
	if wasConnected {
		c.log.Warn("connection to master lost", zap.Error(err))
		c.emitEvent(protocol.EventDisconnected, err)
	}
}

// Close tears the connection down. In-flight commands end with an error
// outcome via the disconnect path.
func (c *Client) Close() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	c.wg.Wait()
}
