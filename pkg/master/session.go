package master

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"taskmesh/pkg/handshake"
	"taskmesh/pkg/protocol"
	"taskmesh/pkg/task"
	"taskmesh/pkg/transport"
)

func readEnvelope(st transport.Stream) (*protocol.Envelope, error) {
	b, err := st.RecvBytes()
	if err != nil {
		return nil, err
	}
	var e protocol.Envelope
	if err := e.DecodeFrame(b); err != nil {
		return nil, err
	}
	return &e, nil
}

// handleSession drives one accepted session: hello handshake first, then the
// control/data envelope loop until the peer goes away.
func (m *Master) handleSession(ctx context.Context, s transport.Session) {
	st, err := s.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		m.log.Warn("open stream failed", zap.Error(err))
		_ = s.Close()
		return
	}

	c, err := m.completeHandshake(s, st)
	if err != nil {
		m.log.Warn("handshake failed", zap.String("peer", string(s.Peer().ID)), zap.Error(err))
		_ = s.Close()
		return
	}
	m.log.Info("peer joined",
		zap.String("peer", string(c.id)),
		zap.String("role", string(c.role)),
		zap.String("name", c.name))

	for {
		e, err := readEnvelope(st)
		if err != nil {
			m.disconnect(c)
			return
		}
		switch e.Header.Type {
		case protocol.MsgControl:
			m.handleControl(c, e)
		case protocol.MsgData:
			m.handleData(c, e)
		default:
			m.log.Debug("unknown envelope type dropped",
				zap.Uint8("type", e.Header.Type), zap.String("peer", string(c.id)))
		}
	}
}

// completeHandshake expects a signed hello as the first envelope, verifies it,
// rebinds the session to the canonical peer id, and acks.
func (m *Master) completeHandshake(s transport.Session, st transport.Stream) (*conn, error) {
	e, err := readEnvelope(st)
	if err != nil {
		return nil, err
	}
	if e.Header.Type != protocol.MsgControl {
		return nil, fmt.Errorf("first envelope is not control")
	}
	ctl, err := handshake.DecodeControl(m.reg, e.Payload)
	if err != nil {
		return nil, err
	}
	if ctl.Kind != handshake.KindHello || ctl.Hello == nil {
		return nil, fmt.Errorf("expected hello, got %q", ctl.Kind)
	}
	pid, err := handshake.VerifyHello(*ctl.Hello, m.opts.HelloMaxSkew)
	if err != nil {
		return nil, err
	}
	m.mgr.RebindPeer(s.Peer().ID, pid)

	c := &conn{id: pid, role: ctl.Hello.Role, name: ctl.Hello.PeerName, sess: s, st: st}

	ack := &handshake.Control{
		Kind:     handshake.KindHelloAck,
		HelloAck: &handshake.HelloAck{PeerID: string(pid), PeerName: m.opts.Name},
	}
	if err := handshake.SendControl(st, m.reg, m.opts.Format, e.Header.Correlation, 0, ack); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if old := m.conns[pid]; old != nil {
		_ = old.sess.Close()
	}
	m.conns[pid] = c
	m.mu.Unlock()
	return c, nil
}

func (m *Master) handleControl(c *conn, e *protocol.Envelope) {
	ctl, err := handshake.DecodeControl(m.reg, e.Payload)
	if err != nil {
		m.log.Debug("bad control envelope", zap.String("peer", string(c.id)), zap.Error(err))
		return
	}
	switch ctl.Kind {
	case handshake.KindRegister:
		if c.role != protocol.RoleWorker || ctl.Register == nil {
			return
		}
		m.workers.Register(string(c.id), c.name, ctl.Register.Types, ctl.Register.Labels)
		ack := &handshake.Control{
			Kind:        handshake.KindRegisterAck,
			RegisterAck: &handshake.RegisterAck{Accepted: true, Types: m.workers.Types(string(c.id))},
		}
		if err := handshake.SendControl(c.st, m.reg, m.opts.Format, e.Header.Correlation, 0, ack); err != nil {
			m.log.Warn("send register ack failed", zap.String("peer", string(c.id)), zap.Error(err))
		}
	default:
		m.log.Debug("unexpected control kind", zap.String("kind", ctl.Kind), zap.String("peer", string(c.id)))
	}
}

// handleData discriminates data envelopes by trial decoding: Task first,
// TaskState second. Undecodable envelopes are dropped without fuss.
func (m *Master) handleData(c *conn, e *protocol.Envelope) {
	if t, ok := task.DecodeTask(m.reg, e.Payload); ok {
		if c.role != protocol.RoleClient {
			m.log.Debug("task from non-client dropped", zap.String("peer", string(c.id)))
			return
		}
		m.routeTask(c, t, e)
		return
	}
	if s, ok := task.DecodeState(m.reg, e.Payload); ok {
		if c.role == protocol.RoleClient {
			m.cancelTask(c, s, e)
		} else {
			m.relayFromWorker(c, s, e)
		}
		return
	}
	m.log.Debug("undecodable data envelope dropped", zap.String("peer", string(c.id)))
}

// routeTask decides where a freshly published task executes: an inline
// handler on this master, a registered worker, or nowhere (error delta back).
func (m *Master) routeTask(c *conn, t *task.Task, e *protocol.Envelope) {
	if h, ok := m.handlers.Lookup(t.Type()); ok {
		m.mu.Lock()
		m.inline[t.ID()] = t
		m.routes[t.ID()] = &route{client: c}
		m.mu.Unlock()

		emit := func(s *task.TaskState) error {
			env, err := m.encodeState(s, e.Header.Correlation)
			if err != nil {
				return err
			}
			return c.send(env)
		}
		remove := func(id string) {
			m.mu.Lock()
			delete(m.inline, id)
			delete(m.routes, id)
			m.mu.Unlock()
		}
		m.log.Debug("task runs inline", zap.String("task", t.ID()), zap.String("type", t.Type()))
		go task.Invoke(m.log, t, h, emit, remove)
		return
	}

	if wid, ok := m.workers.WorkerFor(t.Type()); ok {
		m.mu.Lock()
		wc := m.conns[transport.PeerID(wid)]
		if wc != nil {
			m.routes[t.ID()] = &route{client: c, worker: wc.id}
		}
		m.mu.Unlock()
		if wc != nil {
			// forward the client's envelope verbatim
			if err := wc.send(e); err != nil {
				m.log.Warn("forward task failed",
					zap.String("task", t.ID()), zap.String("worker", wid), zap.Error(err))
				m.failTask(c, t.ID(), e.Header.Correlation, "worker unreachable")
				m.mu.Lock()
				delete(m.routes, t.ID())
				m.mu.Unlock()
			} else {
				m.log.Debug("task forwarded",
					zap.String("task", t.ID()), zap.String("type", t.Type()), zap.String("worker", wid))
			}
			return
		}
	}

	m.log.Info("unroutable task", zap.String("task", t.ID()), zap.String("type", t.Type()))
	m.failTask(c, t.ID(), e.Header.Correlation, fmt.Sprintf("no handler for task type %q", t.Type()))
}

// cancelTask applies a client-originated cancel delta. The request is
// advisory: inline tasks get their cancel callback fired, remote tasks see
// the delta forwarded to the executing worker. Only the publisher may cancel.
func (m *Master) cancelTask(c *conn, s *task.TaskState, e *protocol.Envelope) {
	if s.Tag != protocol.TagCancel {
		m.log.Debug("non-cancel state from client dropped",
			zap.String("task", s.ID), zap.String("tag", string(s.Tag)))
		return
	}
	m.mu.Lock()
	r := m.routes[s.ID]
	var (
		wc *conn
		t  *task.Task
	)
	if r != nil && r.client == c {
		if r.worker != "" {
			wc = m.conns[r.worker]
		} else {
			t = m.inline[s.ID]
		}
	}
	m.mu.Unlock()

	switch {
	case wc != nil:
		if err := wc.send(e); err != nil {
			m.log.Warn("forward cancel failed", zap.String("task", s.ID), zap.Error(err))
		}
	case t != nil:
		t.RequestCancel(s.Reason())
	}
}

// relayFromWorker passes a worker's delta to the publishing client verbatim
// and forgets the route once the delta is terminal.
func (m *Master) relayFromWorker(wc *conn, s *task.TaskState, e *protocol.Envelope) {
	m.mu.Lock()
	r := m.routes[s.ID]
	if r == nil || r.worker != wc.id {
		m.mu.Unlock()
		m.log.Debug("delta without route dropped",
			zap.String("task", s.ID), zap.String("worker", string(wc.id)))
		return
	}
	cl := r.client
	if s.Tag.Terminal() {
		delete(m.routes, s.ID)
	}
	m.mu.Unlock()

	if err := cl.send(e); err != nil {
		m.log.Warn("relay delta failed",
			zap.String("task", s.ID), zap.String("client", string(cl.id)), zap.Error(err))
	}
}

// failTask sends an error delta for a task straight to a client.
func (m *Master) failTask(c *conn, id string, corr [16]byte, msg string) {
	env, err := m.encodeState(task.NewErrorState(id, msg), corr)
	if err != nil {
		m.log.Warn("encode error delta failed", zap.String("task", id), zap.Error(err))
		return
	}
	if err := c.send(env); err != nil {
		m.log.Warn("send error delta failed", zap.String("task", id), zap.Error(err))
	}
}

func (m *Master) encodeState(s *task.TaskState, corr [16]byte) (*protocol.Envelope, error) {
	payload, err := task.EncodeState(m.reg, m.opts.Format, s)
	if err != nil {
		return nil, err
	}
	e := &protocol.Envelope{
		Header:  protocol.Header{Version: 1, Type: protocol.MsgData, Correlation: corr},
		Payload: payload,
	}
	e.Header.PayloadLen = uint32(len(payload))
	return e, nil
}

// disconnect cleans up after a session ends. A dying worker fails its
// in-flight tasks toward their clients; a dying client just drops its routes
// and advises inline tasks to cancel.
func (m *Master) disconnect(c *conn) {
	_ = c.sess.Close()
	m.mgr.DropPeer(c.id)

	m.mu.Lock()
	if m.conns[c.id] == c {
		delete(m.conns, c.id)
	}
	type failure struct {
		client *conn
		taskID string
	}
	var failures []failure
	var orphaned []*task.Task
	for id, r := range m.routes {
		switch {
		case c.role == protocol.RoleWorker && r.worker == c.id:
			failures = append(failures, failure{client: r.client, taskID: id})
			delete(m.routes, id)
		case c.role == protocol.RoleClient && r.client == c:
			if t := m.inline[id]; t != nil {
				orphaned = append(orphaned, t)
			}
			delete(m.routes, id)
		}
	}
	m.mu.Unlock()

	if c.role == protocol.RoleWorker {
		m.workers.Deregister(string(c.id))
	}
	for _, f := range failures {
		m.failTask(f.client, f.taskID, [16]byte{}, "worker disconnected")
	}
	for _, t := range orphaned {
		t.RequestCancel("client disconnected")
	}
	m.log.Info("peer left", zap.String("peer", string(c.id)), zap.String("role", string(c.role)))
}
