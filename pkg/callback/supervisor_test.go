package callback

import (
	"errors"
	"testing"
)

func TestSupervisorIsolatesFailures(t *testing.T) {
	s := NewSupervisor("test", nil)

	var ran []string
	s.Run("panics", func() error {
		ran = append(ran, "panics")
		panic("boom")
	})
	s.Run("errors", func() error {
		ran = append(ran, "errors")
		return errors.New("bad payload")
	})
	s.Run("ok", func() error {
		ran = append(ran, "ok")
		return nil
	})
	s.Run("errors", func() error { return errors.New("again") })

	if len(ran) != 3 {
		t.Fatalf("ran = %v, want all three callbacks", ran)
	}

	got := s.Failures()
	if got["panics"] != 1 || got["errors"] != 2 {
		t.Errorf("failures = %v", got)
	}
	if _, ok := got["ok"]; ok {
		t.Error("successful callback must not be counted")
	}
	if s.TotalFailures() != 3 {
		t.Errorf("TotalFailures = %d, want 3", s.TotalFailures())
	}
	if names := s.Names(); len(names) != 2 || names[0] != "errors" || names[1] != "panics" {
		t.Errorf("Names = %v", names)
	}
}

func TestFailuresReturnsCopy(t *testing.T) {
	s := NewSupervisor("test", nil)
	s.Run("x", func() error { return errors.New("x") })
	snap := s.Failures()
	snap["x"] = 100
	if s.Failures()["x"] != 1 {
		t.Fatal("Failures must return a copy")
	}
}

func TestNilSupervisorStillRuns(t *testing.T) {
	var s *Supervisor
	called := false
	s.Run("x", func() error { called = true; panic("ignored") })
	if !called {
		t.Fatal("nil supervisor must still invoke the callback")
	}
}
