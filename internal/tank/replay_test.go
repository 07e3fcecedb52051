package tank

import (
	"testing"
	"time"

	"github.com/Nicolas3117/doser-control/internal/store"
	"github.com/Nicolas3117/doser-control/internal/timeutil"
)

// One enabled line on pump 1 at 00:01 for 60 s. At 1 mL/s that is a 60 mL
// dose ending 120 s after midnight.
const testLine = "110001060000"

func TestReplayProgram(t *testing.T) {
	loc := time.UTC
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, loc)
	dayMs := day.UnixMilli()
	doseEndMs := dayMs + 120_000

	lines := []string{testLine}

	t.Run("charges an elapsed dose once", func(t *testing.T) {
		now := day.Add(5 * time.Minute)
		cursor, occ := ReplayProgram(lines, 1.0, dayMs, now, loc)
		if len(occ) != 1 {
			t.Fatalf("got %d occurrences, want 1: %+v", len(occ), occ)
		}
		o := occ[0]
		if o.Pump != 1 || o.OffsetMs != 60_000 || o.DurationMs != 60_000 || o.VolumeMl != 60 || o.EndMs != doseEndMs {
			t.Errorf("occurrence = %+v", o)
		}
		if cursor != doseEndMs {
			t.Errorf("cursor = %d, want %d", cursor, doseEndMs)
		}

		// Replaying from the returned cursor finds nothing new.
		cursor2, occ2 := ReplayProgram(lines, 1.0, cursor, now, loc)
		if len(occ2) != 0 || cursor2 != cursor {
			t.Errorf("second replay: %d occurrences, cursor %d", len(occ2), cursor2)
		}
	})

	t.Run("dose ending exactly now is included", func(t *testing.T) {
		now := time.UnixMilli(doseEndMs).In(loc)
		_, occ := ReplayProgram(lines, 1.0, dayMs, now, loc)
		if len(occ) != 1 {
			t.Errorf("got %d occurrences, want 1", len(occ))
		}
	})

	t.Run("dose still running is not charged", func(t *testing.T) {
		now := time.UnixMilli(doseEndMs - 1).In(loc)
		cursor, occ := ReplayProgram(lines, 1.0, dayMs, now, loc)
		if len(occ) != 0 {
			t.Errorf("got %d occurrences, want 0", len(occ))
		}
		if cursor != dayMs {
			t.Errorf("cursor moved to %d with no occurrence", cursor)
		}
	})

	t.Run("catches up across days", func(t *testing.T) {
		now := day.Add(5 * time.Minute)
		from := day.AddDate(0, 0, -2).UnixMilli()
		_, occ := ReplayProgram(lines, 1.0, from, now, loc)
		if len(occ) != 3 {
			t.Fatalf("got %d occurrences, want 3", len(occ))
		}
		for i := 1; i < len(occ); i++ {
			if occ[i].EndMs <= occ[i-1].EndMs {
				t.Errorf("occurrences out of order: %+v", occ)
			}
		}
	})

	t.Run("lookback bounds the catch-up window", func(t *testing.T) {
		now := day.Add(5 * time.Minute)
		_, occ := ReplayProgram(lines, 1.0, 0, now, loc)
		if len(occ) > LookbackDays+1 {
			t.Errorf("got %d occurrences, lookback cap is %d days", len(occ), LookbackDays)
		}
		if len(occ) == 0 {
			t.Error("lookback produced no occurrences at all")
		}
	})

	t.Run("multiple lines walked chronologically", func(t *testing.T) {
		// Insertion order is late-first; replay must still charge the
		// earlier dose.
		multi := []string{"110010060000", "110001060000"}
		now := day.Add(15 * time.Minute)
		cursor, occ := ReplayProgram(multi, 1.0, dayMs, now, loc)
		if len(occ) != 2 {
			t.Fatalf("got %d occurrences, want 2", len(occ))
		}
		if occ[0].OffsetMs != 60_000 || occ[1].OffsetMs != 600_000 {
			t.Errorf("occurrences out of order: %+v", occ)
		}
		if cursor != dayMs+600_000+60_000 {
			t.Errorf("cursor = %d", cursor)
		}
	})

	t.Run("disabled and malformed lines ignored", func(t *testing.T) {
		now := day.Add(5 * time.Minute)
		_, occ := ReplayProgram([]string{"010001060000", "junk", "000000000000"}, 1.0, dayMs, now, loc)
		if len(occ) != 0 {
			t.Errorf("got %d occurrences, want 0", len(occ))
		}
	})

	t.Run("uncalibrated flow is a no-op", func(t *testing.T) {
		now := day.Add(5 * time.Minute)
		cursor, occ := ReplayProgram(lines, 0, dayMs, now, loc)
		if len(occ) != 0 || cursor != dayMs {
			t.Errorf("flow 0: %d occurrences, cursor %d", len(occ), cursor)
		}
	})
}

func TestEngineReplay(t *testing.T) {
	loc := time.UTC
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, loc)
	kv := store.NewMemKV()
	e := NewEngine(kv, loc)

	if _, err := e.Refill("mod1", 1, 100, day); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if _, _, err := e.Update("mod1", 1, func(s *State) *Alert {
		s.LowThresholdPercent = 50
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	now := day.Add(5 * time.Minute)
	st, occ, alerts, err := e.Replay("mod1", 1, []string{testLine}, 1.0, now)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(occ) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occ))
	}
	if st.RemainingMl != 40 {
		t.Errorf("RemainingMl = %v, want 40", st.RemainingMl)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertLow {
		t.Errorf("alerts = %+v, want one LOW", alerts)
	}

	// A second pass at the same instant changes nothing and re-raises nothing.
	st2, occ2, alerts2, err := e.Replay("mod1", 1, []string{testLine}, 1.0, now)
	if err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if len(occ2) != 0 || len(alerts2) != 0 || st2.RemainingMl != 40 {
		t.Errorf("second replay: occ=%d alerts=%d remaining=%v", len(occ2), len(alerts2), st2.RemainingMl)
	}

	// The advanced cursor survived persistence.
	if got := e.State("mod1", 1); got.LastProcessedMs != day.UnixMilli()+120_000 {
		t.Errorf("persisted cursor = %d", got.LastProcessedMs)
	}
}

func TestEngineRefillSkipsBacklog(t *testing.T) {
	loc := time.UTC
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, loc)
	kv := store.NewMemKV()
	e := NewEngine(kv, loc)

	// Tank calibrated days ago, process was down since.
	if _, err := e.Refill("mod1", 1, 100, day.AddDate(0, 0, -3)); err != nil {
		t.Fatalf("Refill: %v", err)
	}

	// Operator refills now: the three missed days are deliberately dropped.
	now := day.Add(5 * time.Minute)
	if _, err := e.Refill("mod1", 1, 100, now); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	st, occ, _, err := e.Replay("mod1", 1, []string{testLine}, 1.0, now)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(occ) != 0 {
		t.Errorf("replay after refill charged %d backlog doses", len(occ))
	}
	if st.RemainingMl != 100 {
		t.Errorf("RemainingMl = %v, want 100", st.RemainingMl)
	}
}

func TestEngineReplayRespectsDayBoundary(t *testing.T) {
	loc := time.UTC
	kv := store.NewMemKV()
	e := NewEngine(kv, loc)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, loc)
	if _, err := e.Refill("mod1", 1, 100, day.Add(12*time.Hour)); err != nil {
		t.Fatalf("Refill: %v", err)
	}

	// The 00:01 dose of the next day has elapsed by 00:03; the cursor sat in
	// the prior afternoon, so exactly one new occurrence is due.
	now := day.AddDate(0, 0, 1).Add(3 * time.Minute)
	_, occ, _, err := e.Replay("mod1", 1, []string{testLine}, 1.0, now)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(occ) != 1 {
		t.Fatalf("got %d occurrences, want 1: %+v", len(occ), occ)
	}
	if want := timeutil.DayStartMs(now, loc); occ[0].DayStartMs != want {
		t.Errorf("DayStartMs = %d, want %d", occ[0].DayStartMs, want)
	}
}
