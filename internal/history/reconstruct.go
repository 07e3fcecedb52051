// Package history reconstructs "doses already done today" from the log of
// previously-sent programs. The device has no persistent dose log, so what
// already ran can only be inferred from which program governed which part of
// the day, plus elapsed wall-clock time.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Nicolas3117/doser-control/internal/models"
	"github.com/Nicolas3117/doser-control/internal/program"
)

// ProgramHash is the content hash used to version per-pump programs in
// snapshots and dose-event identities.
func ProgramHash(rawProgram string) string {
	sum := sha256.Sum256([]byte(rawProgram))
	return hex.EncodeToString(sum[:])
}

// AutoEventKey builds the composite idempotency key for a reconstructed dose.
func AutoEventKey(moduleID string, pump int, dayStartMs, offsetMs int64, volumeMl float64, programHash string) string {
	return fmt.Sprintf("AUTO:%s:%d:%d:%d:%.1f:%s", moduleID, pump, dayStartMs, offsetMs, volumeMl, programHash)
}

// ManualEventKey builds the idempotency key for a directly recorded dose.
func ManualEventKey(moduleID string, pump int, atMs int64, volumeMl float64) string {
	return fmt.Sprintf("MANUAL:%s:%d:%d:%.1f", moduleID, pump, atMs, volumeMl)
}

// ReconstructDay derives the AUTO dose events realized between dayStartMs
// and nowMs from the day's snapshots, which must belong to one module/pump
// and be sorted by SentAtMs ascending.
//
// Snapshot i governs the program from its send instant until the next
// snapshot's send instant (or until now for the last one). A dose is
// accepted only when its start has elapsed, the governing snapshot was sent
// at or before the dose's start (a program cannot retroactively claim doses
// from before it existed), and the start falls strictly inside the
// governing interval.
func ReconstructDay(snapshots []models.ProgramSnapshot, flowMlPerSec float64, dayStartMs, nowMs int64) []models.DoseEvent {
	if flowMlPerSec <= 0 {
		return nil
	}
	var out []models.DoseEvent
	for i, snap := range snapshots {
		if !snap.OK {
			continue
		}
		intervalEnd := nowMs
		if i+1 < len(snapshots) {
			intervalEnd = snapshots[i+1].SentAtMs
		}
		for _, raw := range strings.Split(snap.RawProgram, ";") {
			l, ok := program.DecodeLine(raw)
			if !ok || !l.Enabled {
				continue
			}
			startMs := dayStartMs + l.StartOffsetMs()
			if startMs > nowMs {
				continue
			}
			if snap.SentAtMs > startMs {
				continue
			}
			if startMs >= intervalEnd {
				continue
			}
			volumeMl := flowMlPerSec * float64(l.DurationMs) / 1000
			out = append(out, models.DoseEvent{
				ModuleID:    snap.ModuleID,
				PumpNum:     snap.PumpNum,
				DayStartMs:  dayStartMs,
				OffsetMs:    l.StartOffsetMs(),
				VolumeMl:    volumeMl,
				Source:      models.SourceAuto,
				ProgramHash: snap.ProgramHash,
				EventKey:    AutoEventKey(snap.ModuleID, snap.PumpNum, dayStartMs, l.StartOffsetMs(), volumeMl, snap.ProgramHash),
			})
		}
	}
	return out
}
