package tank

import (
	"testing"

	"github.com/Nicolas3117/doser-control/internal/store"
)

func TestEvaluate(t *testing.T) {
	t.Run("low fires once", func(t *testing.T) {
		s := State{ModuleID: "mod1", Pump: 1, CapacityMl: 100, RemainingMl: 15, LowThresholdPercent: 20}
		a := s.Evaluate()
		if a == nil || a.Kind != AlertLow {
			t.Fatalf("Evaluate = %+v, want LOW", a)
		}
		if a := s.Evaluate(); a != nil {
			t.Errorf("second Evaluate = %+v, want nil", a)
		}
	})

	t.Run("empty fires once and wins over low", func(t *testing.T) {
		s := State{ModuleID: "mod1", Pump: 1, CapacityMl: 100, RemainingMl: 0, LowThresholdPercent: 20}
		a := s.Evaluate()
		if a == nil || a.Kind != AlertEmpty {
			t.Fatalf("Evaluate = %+v, want EMPTY", a)
		}
		if a := s.Evaluate(); a != nil {
			t.Errorf("second Evaluate = %+v, want nil", a)
		}
	})

	t.Run("empty independent of low flag", func(t *testing.T) {
		s := State{ModuleID: "mod1", Pump: 1, CapacityMl: 100, RemainingMl: 15, LowThresholdPercent: 20}
		if a := s.Evaluate(); a == nil || a.Kind != AlertLow {
			t.Fatalf("want LOW first")
		}
		s.RemainingMl = 0
		if a := s.Evaluate(); a == nil || a.Kind != AlertEmpty {
			t.Errorf("want EMPTY after draining, low flag notwithstanding")
		}
	})

	t.Run("zero threshold disables low alert", func(t *testing.T) {
		s := State{ModuleID: "mod1", Pump: 1, CapacityMl: 100, RemainingMl: 1}
		if a := s.Evaluate(); a != nil {
			t.Errorf("Evaluate = %+v, want nil with threshold 0", a)
		}
	})
}

func TestDecrement(t *testing.T) {
	s := State{ModuleID: "mod1", Pump: 1, CapacityMl: 100, RemainingMl: 10}

	// Over-draining clamps at zero and raises the empty alert.
	a := s.Decrement(25)
	if s.RemainingMl != 0 {
		t.Errorf("RemainingMl = %v, want 0", s.RemainingMl)
	}
	if a == nil || a.Kind != AlertEmpty {
		t.Errorf("Decrement alert = %+v, want EMPTY", a)
	}

	// Decrementing an empty tank is a no-op.
	if a := s.Decrement(5); a != nil || s.RemainingMl != 0 {
		t.Errorf("Decrement on empty tank: alert=%+v remaining=%v", a, s.RemainingMl)
	}
}

func TestRefill(t *testing.T) {
	s := State{
		ModuleID: "mod1", Pump: 1,
		CapacityMl: 100, RemainingMl: 0,
		LowAlertSent: true, EmptyAlertSent: true,
		LastProcessedMs: 1000,
	}
	s.Refill(250, 99999)

	if s.CapacityMl != 250 || s.RemainingMl != 250 {
		t.Errorf("after refill: capacity=%d remaining=%v", s.CapacityMl, s.RemainingMl)
	}
	if s.LowAlertSent || s.EmptyAlertSent {
		t.Error("refill did not clear alert flags")
	}
	if s.LastProcessedMs != 99999 {
		t.Errorf("cursor = %d, want 99999", s.LastProcessedMs)
	}
}

func TestStateRoundTrip(t *testing.T) {
	kv := store.NewMemKV()
	in := State{
		ModuleID: "mod1", Pump: 2,
		CapacityMl: 500, RemainingMl: 123.456,
		LowThresholdPercent: 25,
		LowAlertSent:        true,
		LastProcessedMs:     1700000000000,
	}
	if err := SaveState(kv, in); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	out := LoadState(kv, "mod1", 2)
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}

func TestLoadStateMissing(t *testing.T) {
	out := LoadState(store.NewMemKV(), "mod9", 3)
	want := State{ModuleID: "mod9", Pump: 3}
	if out != want {
		t.Errorf("LoadState on empty store = %+v, want zero state", out)
	}
}
