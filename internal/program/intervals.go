package program

import (
	"fmt"
	"sort"

	"github.com/Nicolas3117/doser-control/internal/timeutil"
)

// Interval is a dose window derived from a schedule and a calibrated flow
// rate. Start and end are offsets from local midnight, in milliseconds.
// Intervals are computed on demand and never persisted.
type Interval struct {
	Pump    int
	StartMs int64
	EndMs   int64
}

// Validation reason codes.
type Reason string

const (
	ReasonInvalidInterval  Reason = "INVALID_INTERVAL"
	ReasonOverflowMidnight Reason = "OVERFLOW_MIDNIGHT"
	ReasonOverlapSamePump  Reason = "OVERLAP_SAME_PUMP"
	ReasonAntiGap          Reason = "ANTI_INTERFERENCE_GAP"
)

// ValidationResult reports whether a candidate dose window is legal, and if
// not, why, against which existing window, and the earliest legal start.
type ValidationResult struct {
	OK                 bool
	Reason             Reason
	ConflictPump       int
	ConflictStartMs    int64
	ConflictEndMs      int64
	NextAllowedStartMs int64
}

// Message renders a user-facing explanation of a rejected candidate.
func (r ValidationResult) Message() string {
	if r.OK {
		return "ok"
	}
	switch r.Reason {
	case ReasonInvalidInterval:
		return "the dose window is empty or starts before midnight"
	case ReasonOverflowMidnight:
		return "the dose would run past midnight; schedule it earlier or reduce the volume"
	case ReasonOverlapSamePump:
		return fmt.Sprintf("pump %d is already dosing between %s and %s; next possible start is %s",
			r.ConflictPump, fmtOffset(r.ConflictStartMs), fmtOffset(r.ConflictEndMs), fmtOffset(r.NextAllowedStartMs))
	case ReasonAntiGap:
		return fmt.Sprintf("too close to the pump %d dose between %s and %s (anti-interference gap); next possible start is %s",
			r.ConflictPump, fmtOffset(r.ConflictStartMs), fmtOffset(r.ConflictEndMs), fmtOffset(r.NextAllowedStartMs))
	}
	return string(r.Reason)
}

func fmtOffset(ms int64) string {
	minutes := ms / timeutil.MsPerMinute
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// BuildIntervals derives the day's dose windows from the per-pump schedules
// and calibrated flow rates. Pumps without a positive flow rate contribute
// nothing. Entries whose window would cross midnight or whose computed
// duration is not positive are discarded. The result is sorted by start time.
func BuildIntervals(schedulesByPump map[int][]Schedule, flowByPump map[int]float64) []Interval {
	var out []Interval
	for pump, schedules := range schedulesByPump {
		flow := flowByPump[pump]
		if flow <= 0 {
			continue
		}
		for _, s := range schedules {
			if !s.Enabled {
				continue
			}
			durationMs := DurationMsFor(s.VolumeMl(), flow)
			if durationMs <= 0 {
				continue
			}
			startMs := timeutil.HourMinuteToOffsetMs(s.Hour, s.Minute)
			endMs := startMs + durationMs
			if endMs >= timeutil.MsPerDay {
				continue
			}
			out = append(out, Interval{Pump: pump, StartMs: startMs, EndMs: endMs})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

// IntervalsFromLines derives dose windows directly from encoded program
// lines, whose durations are already fixed. Disabled and malformed lines
// contribute nothing; windows crossing midnight are discarded.
func IntervalsFromLines(linesByPump map[int][]string) []Interval {
	var out []Interval
	for pump, lines := range linesByPump {
		for _, raw := range lines {
			l, ok := DecodeLine(raw)
			if !ok || !l.Enabled {
				continue
			}
			endMs := l.EndOffsetMs()
			if endMs >= timeutil.MsPerDay {
				continue
			}
			out = append(out, Interval{Pump: pump, StartMs: l.StartOffsetMs(), EndMs: endMs})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

// ValidateNewInterval checks a candidate dose window against the existing
// windows. Hard same-pump collisions take precedence over the soft
// cross-pump anti-interference gap, and the reported next allowed start is
// always the latest (binding) one among all violated constraints.
func ValidateNewInterval(candidate Interval, existing []Interval, antiGapMs int64) ValidationResult {
	if candidate.StartMs < 0 || candidate.EndMs <= candidate.StartMs {
		return ValidationResult{Reason: ReasonInvalidInterval}
	}
	if candidate.EndMs >= timeutil.MsPerDay {
		return ValidationResult{Reason: ReasonOverflowMidnight}
	}

	// Same-pump overlap always blocks, whatever the gap setting.
	var first *Interval
	var maxEnd int64 = -1
	for i, ex := range existing {
		if ex.Pump != candidate.Pump {
			continue
		}
		if candidate.StartMs < ex.EndMs && candidate.EndMs > ex.StartMs {
			if first == nil {
				first = &existing[i]
			}
			if ex.EndMs > maxEnd {
				maxEnd = ex.EndMs
			}
		}
	}
	if first != nil {
		return ValidationResult{
			Reason:             ReasonOverlapSamePump,
			ConflictPump:       first.Pump,
			ConflictStartMs:    first.StartMs,
			ConflictEndMs:      first.EndMs,
			NextAllowedStartMs: maxEnd + antiGapMs,
		}
	}

	if antiGapMs <= 0 {
		return ValidationResult{OK: true}
	}

	// Soft cross-pump spacing: the candidate must sit at least antiGapMs
	// away from every existing window on either side. Report the binding
	// constraint, i.e. the conflict yielding the latest legal start.
	var binding *Interval
	var nextAllowed int64 = -1
	for i, ex := range existing {
		if candidate.EndMs+antiGapMs <= ex.StartMs || candidate.StartMs >= ex.EndMs+antiGapMs {
			continue
		}
		if ex.EndMs+antiGapMs > nextAllowed {
			nextAllowed = ex.EndMs + antiGapMs
			binding = &existing[i]
		}
	}
	if binding != nil {
		return ValidationResult{
			Reason:             ReasonAntiGap,
			ConflictPump:       binding.Pump,
			ConflictStartMs:    binding.StartMs,
			ConflictEndMs:      binding.EndMs,
			NextAllowedStartMs: nextAllowed,
		}
	}
	return ValidationResult{OK: true}
}

// ComputeMaxDoses returns how many doses fit in a window of windowMs when
// consecutive doses must be antiOverlapMinutes apart.
func ComputeMaxDoses(windowMs int64, antiOverlapMinutes int) int {
	if windowMs <= 0 || antiOverlapMinutes <= 0 {
		return 0
	}
	return int(windowMs/(int64(antiOverlapMinutes)*timeutil.MsPerMinute)) + 1
}

// MinAntiMinutesRequired returns the smallest whole-minute gap that still
// lets doseCount doses fit in a window of windowMs. Zero when one dose or
// fewer is requested.
func MinAntiMinutesRequired(windowMs int64, doseCount int) int {
	if doseCount <= 1 {
		return 0
	}
	denom := int64(doseCount-1) * timeutil.MsPerMinute
	return int((windowMs + denom - 1) / denom)
}
