package task

import (
	"reflect"
	"testing"
)

func TestRegistryRegisterLookup(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("sleep"); ok {
		t.Fatalf("empty registry must miss")
	}
	h := func(*Task, DoneFunc, ProgressFunc, CancelFunc) {}
	r.Register("sleep", h)
	if _, ok := r.Lookup("sleep"); !ok {
		t.Fatalf("registered type must hit")
	}
	// overwrite is allowed
	called := false
	r.Register("sleep", func(*Task, DoneFunc, ProgressFunc, CancelFunc) { called = true })
	h2, _ := r.Lookup("sleep")
	h2(nil, nil, nil, nil)
	if !called {
		t.Fatalf("overwrite must replace the handler")
	}
}

func TestRegistryIgnoresNilAndEmpty(t *testing.T) {
	r := NewRegistry()
	r.Register("", func(*Task, DoneFunc, ProgressFunc, CancelFunc) {})
	r.Register("x", nil)
	if got := r.Types(); len(got) != 0 {
		t.Fatalf("types = %v, want empty", got)
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	r := NewRegistry()
	h := func(*Task, DoneFunc, ProgressFunc, CancelFunc) {}
	r.Register("zeta", h)
	r.Register("alpha", h)
	r.Register("mid", h)
	if got := r.Types(); !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Fatalf("types = %v", got)
	}
}
