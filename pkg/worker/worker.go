// Package worker implements the executing peer. A worker dials the master,
// announces itself with a signed hello, registers the command types it
// handles, and then executes tasks forwarded to it, streaming progress and
// the terminal outcome back.
package worker

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
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

// Options tunes a Worker.
type Options struct {
	// Kind and Address locate the master (e.g. "tcp", "127.0.0.1:7700").
	Kind    string
	Address string
	// Name is the logical worker name announced in the hello.
	Name string
	// Labels are advertised with the capability registration.
	Labels map[string]string
	// Format selects the wire encoding for envelopes this worker originates.
	Format protocol.Format
	// Identity configures the signing key. Empty config generates a fresh key.
	Identity config.IdentityConfig
	// AckTimeout bounds the wait for hello and register acks.
	AckTimeout time.Duration
	// Backoff controls dial retries. The zero value dials exactly once.
	Backoff config.NetConfig
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "worker"
	}
	if o.Format == protocol.FormatUnknown {
		o.Format = protocol.FormatJSON
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	return o
}

// TaskEvent is delivered to task observers alongside handler execution.
type TaskEvent struct {
	Task     *task.Task
	Done     task.DoneFunc
	Progress task.ProgressFunc
	Cancel   task.CancelFunc
}

// Worker executes tasks the master forwards to it.
type Worker struct {
	log  *zap.Logger
	opts Options
	reg  *codec.Registry

	handlers *task.Registry
	priv     ed25519.PrivateKey
	pid      transport.PeerID

	mu        sync.Mutex
	sess      transport.Session
	st        transport.Stream
	sendMu    sync.Mutex
	connected bool
	masterID  string
	pending   map[string]*task.Task
	subs      map[protocol.Event][]func(any)

	helloAckCh chan *handshake.HelloAck
	regAckCh   chan *handshake.RegisterAck

	wg sync.WaitGroup
}

// New builds a Worker. The logger defaults to the global zap logger.
func New(log *zap.Logger, opts Options) (*Worker, error) {
	if log == nil {
		log = zap.L()
	}
	opts = opts.withDefaults()
	priv, pid, err := identity.LoadOrGenEd25519(opts.Identity)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	w := &Worker{
		log:        log.Named("worker"),
		opts:       opts,
		reg:        codec.NewRegistry(),
		handlers:   task.NewRegistry(),
		priv:       priv,
		pid:        pid,
		pending:    make(map[string]*task.Task),
		subs:       make(map[protocol.Event][]func(any)),
		helloAckCh: make(chan *handshake.HelloAck, 1),
		regAckCh:   make(chan *handshake.RegisterAck, 1),
	}
	if c, err := codec.CBOR(); err == nil {
		w.reg.Register(c)
	}
	return w, nil
}

// PeerID returns the worker's canonical identity.
func (w *Worker) PeerID() transport.PeerID { return w.pid }

// Handle registers (or replaces) the handler for a command type. When the
// worker is already connected the updated type set is re-registered with the
// master right away.
func (w *Worker) Handle(typ string, h task.HandlerFunc) {
	w.handlers.Register(typ, h)
	w.mu.Lock()
	connected := w.connected
	w.mu.Unlock()
	if connected {
		if err := w.register(); err != nil {
			w.log.Warn("re-register failed", zap.Error(err))
		}
	}
}

// Notify subscribes fn to a local event. EventTask observers receive a
// *TaskEvent; the others receive an error or nil.
func (w *Worker) Notify(ev protocol.Event, fn func(arg any)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.subs[ev] = append(w.subs[ev], fn)
	w.mu.Unlock()
}

func (w *Worker) emitEvent(ev protocol.Event, arg any) {
	w.mu.Lock()
	fns := append([]func(any){}, w.subs[ev]...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(arg)
	}
}

// Endpoint describes the local end of the connection, RemoteEndpoint the
// master's end. Both are nil until connected.
func (w *Worker) Endpoint() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sess == nil {
		return nil
	}
	return w.sess.LocalAddr()
}

func (w *Worker) RemoteEndpoint() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sess == nil {
		return nil
	}
	return w.sess.RemoteAddr()
}

// Connect dials the master, completes the hello handshake, and registers the
// currently handled command types. It returns once the master has acked the
// registration, so published tasks can route to this worker immediately.
func (w *Worker) Connect(ctx context.Context) error {
	sess, err := netstack.DialWithBackoff(ctx, w.opts.Kind, w.opts.Address,
		transport.PeerInfo{Addr: w.opts.Address}, w.opts.Backoff)
	if err != nil {
		w.emitEvent(protocol.EventError, err)
		return err
	}
	st, err := sess.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		_ = sess.Close()
		return err
	}

	w.mu.Lock()
	w.sess = sess
	w.st = st
	w.mu.Unlock()

	hello, _, err := handshake.BuildHello(w.opts.Name, protocol.RoleWorker, w.priv)
	if err != nil {
		_ = sess.Close()
		return err
	}
	corr, _ := protocol.NewCorrelation()
	ctl := &handshake.Control{Kind: handshake.KindHello, Hello: &hello}
	if err := handshake.SendControl(st, w.reg, w.opts.Format, corr, protocol.FlagAck, ctl); err != nil {
		_ = sess.Close()
		return err
	}

	w.wg.Add(1)
	go w.recvLoop(st)

	select {
	case ack := <-w.helloAckCh:
		w.mu.Lock()
		w.masterID = ack.PeerName
		w.mu.Unlock()
	case <-time.After(w.opts.AckTimeout):
		_ = sess.Close()
		return fmt.Errorf("hello ack timeout")
	case <-ctx.Done():
		_ = sess.Close()
		return ctx.Err()
	}

	if err := w.register(); err != nil {
		_ = sess.Close()
		return err
	}
	select {
	case ack := <-w.regAckCh:
		if !ack.Accepted {
			_ = sess.Close()
			return fmt.Errorf("registration rejected")
		}
	case <-time.After(w.opts.AckTimeout):
		_ = sess.Close()
		return fmt.Errorf("register ack timeout")
	case <-ctx.Done():
		_ = sess.Close()
		return ctx.Err()
	}

	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	w.log.Info("connected to master",
		zap.String("addr", w.opts.Address), zap.String("kind", w.opts.Kind))
	w.emitEvent(protocol.EventConnected, nil)
	return nil
}

func (w *Worker) register() error {
	corr, _ := protocol.NewCorrelation()
	ctl := &handshake.Control{
		Kind:     handshake.KindRegister,
		Register: &handshake.Register{Types: w.handlers.Types(), Labels: w.opts.Labels},
	}
	w.mu.Lock()
	st := w.st
	w.mu.Unlock()
	if st == nil {
		return fmt.Errorf("not connected")
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return handshake.SendControl(st, w.reg, w.opts.Format, corr, protocol.FlagAck, ctl)
}

func (w *Worker) send(e *protocol.Envelope) error {
	w.mu.Lock()
	st := w.st
	w.mu.Unlock()
	if st == nil {
		return fmt.Errorf("not connected")
	}
	b, err := e.EncodeFrame()
	if err != nil {
		return err
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return st.SendBytes(b)
}

func (w *Worker) recvLoop(st transport.Stream) {
	defer w.wg.Done()
	for {
		b, err := st.RecvBytes()
		if err != nil {
			w.handleDisconnect(err)
			return
		}
		var e protocol.Envelope
		if err := e.DecodeFrame(b); err != nil {
			w.log.Debug("bad frame dropped", zap.Error(err))
			continue
		}
		switch e.Header.Type {
		case protocol.MsgControl:
			w.handleControl(&e)
		case protocol.MsgData:
			w.handleData(&e)
		}
	}
}

func (w *Worker) handleControl(e *protocol.Envelope) {
	ctl, err := handshake.DecodeControl(w.reg, e.Payload)
	if err != nil {
		w.log.Debug("bad control envelope", zap.Error(err))
		return
	}
	switch ctl.Kind {
	case handshake.KindHelloAck:
		select {
		case w.helloAckCh <- ctl.HelloAck:
		default:
		}
	case handshake.KindRegisterAck:
		select {
		case w.regAckCh <- ctl.RegisterAck:
		default:
		}
	}
}

// handleData discriminates by trial decoding: Task first, then TaskState.
// Inbound TaskStates can only be cancel requests for in-flight tasks.
func (w *Worker) handleData(e *protocol.Envelope) {
	if t, ok := task.DecodeTask(w.reg, e.Payload); ok {
		w.runTask(t, e.Header.Correlation)
		return
	}
	if s, ok := task.DecodeState(w.reg, e.Payload); ok {
		if s.Tag != protocol.TagCancel {
			w.log.Debug("unexpected inbound state dropped",
				zap.String("task", s.ID), zap.String("tag", string(s.Tag)))
			return
		}
		w.mu.Lock()
		t := w.pending[s.ID]
		w.mu.Unlock()
		if t != nil {
			// advisory: the handler decides whether to stop
			t.RequestCancel(s.Reason())
		}
		return
	}
	w.log.Debug("undecodable data envelope dropped")
}

// runTask executes one forwarded task on its own goroutine.
func (w *Worker) runTask(t *task.Task, corr [16]byte) {
	emit := func(s *task.TaskState) error {
		payload, err := task.EncodeState(w.reg, w.opts.Format, s)
		if err != nil {
			return err
		}
		e := &protocol.Envelope{
			Header:  protocol.Header{Version: 1, Type: protocol.MsgData, Correlation: corr},
			Payload: payload,
		}
		e.Header.PayloadLen = uint32(len(payload))
		return w.send(e)
	}

	h, ok := w.handlers.Lookup(t.Type())
	if !ok {
		w.log.Info("no handler for forwarded task",
			zap.String("task", t.ID()), zap.String("type", t.Type()))
		if err := emit(task.NewErrorState(t.ID(), fmt.Sprintf("no handler for task type %q", t.Type()))); err != nil {
			w.log.Warn("emit error delta failed", zap.String("task", t.ID()), zap.Error(err))
		}
		return
	}

	w.mu.Lock()
	w.pending[t.ID()] = t
	w.mu.Unlock()
	remove := func(id string) {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}

	done, progress, cancel := task.Bind(w.log, t, emit, remove)
	t.MarkRunning()
	w.log.Debug("task started", zap.String("task", t.ID()), zap.String("type", t.Type()))
	w.emitEvent(protocol.EventTask, &TaskEvent{Task: t, Done: done, Progress: progress, Cancel: cancel})
	go h(t, done, progress, cancel)
}

// handleDisconnect advises in-flight tasks to cancel: their deltas have no
// way home anymore, so handlers should stop doing unobservable work.
func (w *Worker) handleDisconnect(err error) {
	w.mu.Lock()
	wasConnected := w.connected
	w.connected = false
	w.st = nil
	sess := w.sess
	w.sess = nil
	inflight := make([]*task.Task, 0, len(w.pending))
	for id, t := range w.pending {
		inflight = append(inflight, t)
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	for _, t := range inflight {
		t.RequestCancel("connection lost")
	}
	if wasConnected {
		w.log.Warn("connection to master lost", zap.Error(err))
		w.emitEvent(protocol.EventDisconnected, err)
	}
}

// Close tears the connection down.
func (w *Worker) Close() {
	w.mu.Lock()
	sess := w.sess
	w.sess = nil
	w.st = nil
	w.connected = false
	w.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	w.wg.Wait()
}
