package transport

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manager keeps at most one canonical Session per peer and applies a
// policy to deduplicate concurrent inbound/outbound links.
type Manager struct {
	mu    sync.RWMutex
	peers map[PeerID]*peerEntry
}

type peerEntry struct {
	canonical Session
}

func NewManager() *Manager { return &Manager{peers: make(map[PeerID]*peerEntry)} }

// AddSession registers a new session for a peer and applies the selection
// policy. If the session loses the election it is closed and (false,false,nil)
// is returned. If it becomes canonical and replaced an existing one, returns
// (true,true,old). First session for a peer returns (true,false,nil).
func (m *Manager) AddSession(ctx context.Context, s Session) (accepted bool, replaced bool, old Session) {
	pid := s.Peer().ID
	m.mu.Lock()
	defer m.mu.Unlock()

	pe := m.peers[pid]
	if pe == nil {
		m.peers[pid] = &peerEntry{canonical: s}
		return true, false, nil
	}
	cur := pe.canonical
	if better(s, cur) {
		pe.canonical = s
		// soft close the loser after a grace period
		go func(old Session) {
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
			}
			_ = old.Close()
		}(cur)
		return true, true, cur
	}
	_ = s.Close()
	return false, false, nil
}

// GetSession returns the current canonical session for a peer (if any).
func (m *Manager) GetSession(id PeerID) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pe := m.peers[id]; pe != nil {
		return pe.canonical
	}
	return nil
}

// ClosePeer closes the canonical session for a peer and clears it.
func (m *Manager) ClosePeer(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pe := m.peers[id]; pe != nil {
		if pe.canonical != nil {
			_ = pe.canonical.Close()
		}
		delete(m.peers, id)
	}
}

// DropPeer clears the entry for a peer without closing the session.
func (m *Manager) DropPeer(id PeerID) {
	m.mu.Lock()
	delete(m.peers, id)
	m.mu.Unlock()
}

// ListPeers returns all known peer IDs.
func (m *Manager) ListPeers() []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RebindPeer moves a canonical session from oldID to newID once the true
// identity becomes known after the handshake. If newID already has a
// canonical session the policy decides which one stays; the loser is closed.
func (m *Manager) RebindPeer(oldID, newID PeerID) bool {
	if oldID == newID || newID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.peers[oldID]
	if src == nil || src.canonical == nil {
		return false
	}
	moving := src.canonical
	delete(m.peers, oldID)

	if mp, ok := moving.(MutablePeer); ok {
		pi := moving.Peer()
		pi.ID = newID
		mp.SetPeer(pi)
	}

	dst := m.peers[newID]
	if dst == nil || dst.canonical == nil {
		m.peers[newID] = &peerEntry{canonical: moving}
		return true
	}
	if better(moving, dst.canonical) {
		old := dst.canonical
		dst.canonical = moving
		go func() { _ = old.Close() }()
		return true
	}
	go func() { _ = moving.Close() }()
	return false
}

// Preference order across kinds; higher is better.
func baseRank(k Kind) int {
	switch k {
	case KindMem:
		return 120
	case KindQUIC:
		return 100
	case KindWinPipe:
		return 95
	case KindTCP:
		return 90
	case KindWS:
		return 80
	default:
		return 0
	}
}

// better decides whether a should replace b as canonical.
func better(a, b Session) bool {
	ra := baseRank(a.TransportKind())
	rb := baseRank(b.TransportKind())
	if ra != rb {
		return ra > rb
	}
	qa := a.Quality()
	qb := b.Quality()
	if qa.RTT != qb.RTT {
		return qa.RTT < qb.RTT
	}
	// Prefer the newer session; reduces split-brain on reconnect races.
	return qa.EstablishedAt.After(qb.EstablishedAt)
}
