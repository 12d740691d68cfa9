// Package registry tracks connected workers and the command types they handle.
package registry

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskmesh/pkg/memkv"
)

// WorkerRecord is the JSON document kept per worker.
type WorkerRecord struct {
	WorkerID      string            `json:"worker_id"`
	Name          string            `json:"name,omitempty"`
	Types         []string          `json:"types"`
	Labels        map[string]string `json:"labels,omitempty"`
	UpdatedUnixMs int64             `json:"updated_unix_ms"`
}

// Store keeps worker capability records. Documents live in memkv; a small
// in-memory index answers type lookups without scanning the KV.
type Store struct {
	kv *memkv.Store

	mu      sync.RWMutex
	workers map[string]struct{}
	byType  map[string]map[string]struct{}
}

func NewStore(kv *memkv.Store) *Store {
	return &Store{
		kv:      kv,
		workers: make(map[string]struct{}),
		byType:  make(map[string]map[string]struct{}),
	}
}

func keyWorker(id string) string { return "reg:worker:" + id }

// Register replaces or creates a worker record with the given handled types.
func (s *Store) Register(workerID, name string, types []string, labels map[string]string) bool {
	wid := strings.TrimSpace(workerID)
	if wid == "" {
		return false
	}
	types = dedupSorted(types)
	doc := WorkerRecord{
		WorkerID:      wid,
		Name:          name,
		Types:         types,
		Labels:        labels,
		UpdatedUnixMs: time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(doc)
	s.kv.Set(keyWorker(wid), b, 0)

	s.mu.Lock()
	s.dropFromIndex(wid)
	s.workers[wid] = struct{}{}
	for _, t := range types {
		if s.byType[t] == nil {
			s.byType[t] = make(map[string]struct{})
		}
		s.byType[t][wid] = struct{}{}
	}
	s.mu.Unlock()

	zap.L().Info("worker registered", zap.String("worker", wid), zap.Int("types", len(types)))
	return true
}

// Deregister removes the worker record and its index entries.
func (s *Store) Deregister(workerID string) {
	wid := strings.TrimSpace(workerID)
	if wid == "" {
		return
	}
	s.kv.Delete(keyWorker(wid))
	s.mu.Lock()
	s.dropFromIndex(wid)
	delete(s.workers, wid)
	s.mu.Unlock()
	zap.L().Info("worker deregistered", zap.String("worker", wid))
}

// WorkerFor returns a worker able to handle the given command type. Selection
// is lowest id for determinism; balancing across workers is out of scope.
func (s *Store) WorkerFor(typ string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byType[typ]
	if len(set) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], true
}

// Types returns the sorted types a worker has advertised.
func (s *Store) Types(workerID string) []string {
	b, ok := s.kv.Get(keyWorker(workerID))
	if !ok {
		return nil
	}
	var doc WorkerRecord
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil
	}
	return doc.Types
}

// ListWorkers returns a stable-ordered snapshot of all records.
func (s *Store) ListWorkers() []WorkerRecord {
	s.mu.RLock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]WorkerRecord, 0, len(ids))
	for _, id := range ids {
		b, ok := s.kv.Get(keyWorker(id))
		if !ok {
			continue
		}
		var doc WorkerRecord
		if err := json.Unmarshal(b, &doc); err != nil {
			continue
		}
		out = append(out, doc)
	}
	return out
}

// dropFromIndex removes wid from every type bucket. Caller holds s.mu.
func (s *Store) dropFromIndex(wid string) {
	for t, set := range s.byType {
		delete(set, wid)
		if len(set) == 0 {
			delete(s.byType, t)
		}
	}
}

func dedupSorted(in []string) []string {
	m := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t != "" {
			m[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
