package history

import (
	"strings"
	"testing"

	"github.com/Nicolas3117/doser-control/internal/models"
)

const (
	dayStart = int64(1_700_000_000_000)
	hourMs   = int64(3_600_000)
)

// snap builds an OK snapshot for module "mod1" pump 1.
func snap(sentAtMs int64, rawProgram string) models.ProgramSnapshot {
	return models.ProgramSnapshot{
		ModuleID:    "mod1",
		PumpNum:     1,
		SentAtMs:    sentAtMs,
		RawProgram:  rawProgram,
		ProgramHash: ProgramHash(rawProgram),
		OK:          true,
	}
}

func TestReconstructDay(t *testing.T) {
	// One enabled dose at 08:00 for 60 s; at 1 mL/s that is 60 mL.
	const line0800 = "110800060000"
	const line0900 = "110900060000"

	t.Run("elapsed dose is realized", func(t *testing.T) {
		snaps := []models.ProgramSnapshot{snap(dayStart, line0800)}
		events := ReconstructDay(snaps, 1.0, dayStart, dayStart+9*hourMs)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		e := events[0]
		if e.ModuleID != "mod1" || e.PumpNum != 1 || e.OffsetMs != 8*hourMs || e.VolumeMl != 60 || e.Source != models.SourceAuto {
			t.Errorf("event = %+v", e)
		}
		if !strings.HasPrefix(e.EventKey, "AUTO:mod1:1:") || !strings.HasSuffix(e.EventKey, e.ProgramHash) {
			t.Errorf("EventKey = %q", e.EventKey)
		}
	})

	t.Run("future dose is not realized", func(t *testing.T) {
		snaps := []models.ProgramSnapshot{snap(dayStart, line0800)}
		if events := ReconstructDay(snaps, 1.0, dayStart, dayStart+7*hourMs); len(events) != 0 {
			t.Errorf("got %d events, want 0", len(events))
		}
	})

	t.Run("program cannot retroactively claim earlier doses", func(t *testing.T) {
		// Sent at 09:00, listing an 08:00 dose that some other program may
		// or may not have run.
		snaps := []models.ProgramSnapshot{snap(dayStart+9*hourMs, line0800)}
		if events := ReconstructDay(snaps, 1.0, dayStart, dayStart+10*hourMs); len(events) != 0 {
			t.Errorf("got %d events, want 0", len(events))
		}
	})

	t.Run("snapshot governs only until the next one", func(t *testing.T) {
		snaps := []models.ProgramSnapshot{
			snap(dayStart, line0800+";"+line0900),
			snap(dayStart+8*hourMs+30*60_000, line0900),
		}
		events := ReconstructDay(snaps, 1.0, dayStart, dayStart+10*hourMs)

		// The first snapshot realizes only its 08:00 dose; its 09:00 dose
		// falls beyond the 08:30 handover. The second realizes 09:00.
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2: %+v", len(events), events)
		}
		if events[0].OffsetMs != 8*hourMs {
			t.Errorf("first event offset = %d", events[0].OffsetMs)
		}
		if events[1].OffsetMs != 9*hourMs {
			t.Errorf("second event offset = %d", events[1].OffsetMs)
		}
		if events[0].ProgramHash == events[1].ProgramHash {
			t.Error("events from different programs share a hash")
		}
	})

	t.Run("failed transmissions are ignored", func(t *testing.T) {
		s := snap(dayStart, line0800)
		s.OK = false
		if events := ReconstructDay([]models.ProgramSnapshot{s}, 1.0, dayStart, dayStart+9*hourMs); len(events) != 0 {
			t.Errorf("got %d events from a failed send", len(events))
		}
	})

	t.Run("disabled lines are ignored", func(t *testing.T) {
		snaps := []models.ProgramSnapshot{snap(dayStart, "010800060000")}
		if events := ReconstructDay(snaps, 1.0, dayStart, dayStart+9*hourMs); len(events) != 0 {
			t.Errorf("got %d events from a disabled line", len(events))
		}
	})

	t.Run("uncalibrated flow yields nothing", func(t *testing.T) {
		snaps := []models.ProgramSnapshot{snap(dayStart, line0800)}
		if events := ReconstructDay(snaps, 0, dayStart, dayStart+9*hourMs); len(events) != 0 {
			t.Errorf("got %d events with flow 0", len(events))
		}
	})

	t.Run("identical inputs give identical keys", func(t *testing.T) {
		snaps := []models.ProgramSnapshot{snap(dayStart, line0800)}
		a := ReconstructDay(snaps, 1.0, dayStart, dayStart+9*hourMs)
		b := ReconstructDay(snaps, 1.0, dayStart, dayStart+10*hourMs)
		if len(a) != 1 || len(b) != 1 || a[0].EventKey != b[0].EventKey {
			t.Errorf("keys differ across runs: %q vs %q", a[0].EventKey, b[0].EventKey)
		}
	})
}

func TestProgramHash(t *testing.T) {
	a := ProgramHash("110800060000")
	b := ProgramHash("110800060000")
	c := ProgramHash("110900060000")
	if a != b {
		t.Error("hash not deterministic")
	}
	if a == c {
		t.Error("different programs share a hash")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestEventKeys(t *testing.T) {
	auto := AutoEventKey("mod1", 2, dayStart, 8*hourMs, 60, "abc")
	if auto != "AUTO:mod1:2:1700000000000:28800000:60.0:abc" {
		t.Errorf("AutoEventKey = %q", auto)
	}
	manual := ManualEventKey("mod1", 2, dayStart, 12.5)
	if manual != "MANUAL:mod1:2:1700000000000:12.5" {
		t.Errorf("ManualEventKey = %q", manual)
	}
}
