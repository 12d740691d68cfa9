package registry

import (
	"reflect"
	"testing"

	"taskmesh/pkg/memkv"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	kv := memkv.New(memkv.Options{})
	return NewStore(kv), kv.Close
}

func TestRegisterAndLookup(t *testing.T) {
	s, closeKV := newTestStore(t)
	defer closeKV()

	if !s.Register("w1", "alpha", []string{"resize", "encode", "resize"}, nil) {
		t.Fatalf("register failed")
	}
	if got := s.Types("w1"); !reflect.DeepEqual(got, []string{"encode", "resize"}) {
		t.Fatalf("types = %v", got)
	}
	wid, ok := s.WorkerFor("resize")
	if !ok || wid != "w1" {
		t.Fatalf("worker for resize: %v %q", ok, wid)
	}
	if _, ok := s.WorkerFor("transcode"); ok {
		t.Fatalf("unknown type must miss")
	}
}

func TestRegisterEmptyIDRejected(t *testing.T) {
	s, closeKV := newTestStore(t)
	defer closeKV()
	if s.Register("  ", "x", []string{"a"}, nil) {
		t.Fatalf("blank id must be rejected")
	}
}

func TestReRegisterReplacesTypes(t *testing.T) {
	s, closeKV := newTestStore(t)
	defer closeKV()

	s.Register("w1", "alpha", []string{"old"}, nil)
	s.Register("w1", "alpha", []string{"new"}, nil)
	if _, ok := s.WorkerFor("old"); ok {
		t.Fatalf("stale type must be dropped")
	}
	if wid, ok := s.WorkerFor("new"); !ok || wid != "w1" {
		t.Fatalf("new type must route")
	}
}

func TestDeterministicSelection(t *testing.T) {
	s, closeKV := newTestStore(t)
	defer closeKV()

	s.Register("w2", "b", []string{"job"}, nil)
	s.Register("w1", "a", []string{"job"}, nil)
	for i := 0; i < 5; i++ {
		if wid, _ := s.WorkerFor("job"); wid != "w1" {
			t.Fatalf("selection must be lowest id, got %q", wid)
		}
	}
}

func TestDeregister(t *testing.T) {
	s, closeKV := newTestStore(t)
	defer closeKV()

	s.Register("w1", "a", []string{"job"}, nil)
	s.Deregister("w1")
	if _, ok := s.WorkerFor("job"); ok {
		t.Fatalf("deregistered worker must not route")
	}
	if got := s.Types("w1"); got != nil {
		t.Fatalf("types after deregister: %v", got)
	}
	if got := s.ListWorkers(); len(got) != 0 {
		t.Fatalf("list after deregister: %v", got)
	}
}

func TestListWorkers(t *testing.T) {
	s, closeKV := newTestStore(t)
	defer closeKV()

	s.Register("w2", "b", []string{"y"}, map[string]string{"tier": "dev"})
	s.Register("w1", "a", []string{"x"}, nil)
	got := s.ListWorkers()
	if len(got) != 2 || got[0].WorkerID != "w1" || got[1].WorkerID != "w2" {
		t.Fatalf("list = %+v", got)
	}
	if got[1].Labels["tier"] != "dev" {
		t.Fatalf("labels lost: %+v", got[1])
	}
}
