// Package program implements the dosing program model: the fixed-width line
// codec spoken by the pump firmware, the interval overlap rules, and the
// per-pump program store that assembles the transmission payload.
package program

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Nicolas3117/doser-control/internal/timeutil"
)

const (
	// LineWidth is the current wire format: E P HH MM DDDDDD with the
	// duration in milliseconds.
	LineWidth = 12

	// LegacyLineWidth is the old format: E P HH MM SSS with the duration
	// in whole seconds. It is read for compatibility but never written.
	LegacyLineWidth = 9

	// MinDurationMs and MaxDurationMs are enforced by the firmware.
	MinDurationMs int64 = 50
	MaxDurationMs int64 = 600000

	// Placeholder marks an unused schedule slot.
	Placeholder = "000000000000"

	legacyPlaceholder = "000000000"
)

// Line is the canonical decoded form of one scheduled dose.
type Line struct {
	Enabled    bool
	Pump       int
	Hour       int
	Minute     int
	DurationMs int64
}

// StartOffsetMs returns the line's start as an offset from local midnight.
func (l Line) StartOffsetMs() int64 {
	return timeutil.HourMinuteToOffsetMs(l.Hour, l.Minute)
}

// EndOffsetMs returns the line's end as an offset from local midnight.
func (l Line) EndOffsetMs() int64 {
	return l.StartOffsetMs() + l.DurationMs
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func allZero(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' {
			return false
		}
	}
	return len(s) > 0
}

// IsPlaceholder reports whether raw is the unused-slot marker in either
// historical width.
func IsPlaceholder(raw string) bool {
	return (len(raw) == LineWidth || len(raw) == LegacyLineWidth) && allZero(raw)
}

// DecodeLine parses a raw line in either historical width into the canonical
// form. It is total: malformed input (wrong length, non-digit characters,
// hour/minute out of range, duration outside the firmware limits) and
// placeholder lines return ok=false, never an error or panic.
func DecodeLine(raw string) (Line, bool) {
	if len(raw) != LineWidth && len(raw) != LegacyLineWidth {
		return Line{}, false
	}
	if !allDigits(raw) {
		return Line{}, false
	}
	if allZero(raw) {
		return Line{}, false
	}

	enabled := raw[0] == '1'
	pump := int(raw[1] - '0')
	hour, _ := strconv.Atoi(raw[2:4])
	minute, _ := strconv.Atoi(raw[4:6])

	var durationMs int64
	if len(raw) == LegacyLineWidth {
		secs, _ := strconv.ParseInt(raw[6:9], 10, 64)
		durationMs = secs * 1000
	} else {
		durationMs, _ = strconv.ParseInt(raw[6:12], 10, 64)
	}

	if hour > 23 || minute > 59 {
		return Line{}, false
	}
	if durationMs < MinDurationMs || durationMs > MaxDurationMs {
		return Line{}, false
	}
	return Line{Enabled: enabled, Pump: pump, Hour: hour, Minute: minute, DurationMs: durationMs}, true
}

// EncodeLine renders a canonical line in the current 12-character format.
func EncodeLine(l Line) string {
	e := byte('0')
	if l.Enabled {
		e = '1'
	}
	return fmt.Sprintf("%c%d%02d%02d%06d", e, l.Pump, l.Hour, l.Minute, l.DurationMs)
}

// NormalizeLine converts a raw line of either width to the current format.
// All-zero lines of either width map to the canonical placeholder. Malformed
// input yields ok=false.
func NormalizeLine(raw string) (string, bool) {
	if IsPlaceholder(raw) {
		return Placeholder, true
	}
	l, ok := DecodeLine(raw)
	if !ok {
		return "", false
	}
	return EncodeLine(l), true
}

// DurationMsFor computes the pump run time needed to dispense volumeMl at the
// calibrated flow rate. Returns 0 when the flow is not calibrated.
func DurationMsFor(volumeMl, flowMlPerSec float64) int64 {
	if flowMlPerSec <= 0 || volumeMl <= 0 {
		return 0
	}
	return int64(math.Round(volumeMl / flowMlPerSec * 1000))
}

// Encode maps a user schedule entry to a wire line in the current format.
// The duration is derived from the dose volume and the calibrated flow rate;
// values outside the firmware limits make the entry invalid rather than being
// clamped (clamping is a legacy-format behavior only).
func Encode(s Schedule, flowMlPerSec float64) (string, bool) {
	if s.Pump < 1 || s.Pump > PumpsPerModule {
		return "", false
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return "", false
	}
	durationMs := DurationMsFor(s.VolumeMl(), flowMlPerSec)
	if durationMs < MinDurationMs || durationMs > MaxDurationMs {
		return "", false
	}
	return EncodeLine(Line{
		Enabled:    s.Enabled,
		Pump:       s.Pump,
		Hour:       s.Hour,
		Minute:     s.Minute,
		DurationMs: durationMs,
	}), true
}

// EncodeLegacy renders the entry in the old 9-character seconds format, used
// only when talking to firmware that predates the millisecond protocol. Here
// the duration IS clamped into the firmware's valid range, matching the old
// sender's behavior.
func EncodeLegacy(s Schedule, flowMlPerSec float64) (string, bool) {
	if s.Pump < 1 || s.Pump > PumpsPerModule {
		return "", false
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return "", false
	}
	durationMs := DurationMsFor(s.VolumeMl(), flowMlPerSec)
	if durationMs <= 0 {
		return "", false
	}
	secs := int64(math.Round(float64(durationMs) / 1000))
	if secs < 1 {
		secs = 1
	}
	if secs > MaxDurationMs/1000 {
		secs = MaxDurationMs / 1000
	}
	e := byte('0')
	if s.Enabled {
		e = '1'
	}
	return fmt.Sprintf("%c%d%02d%02d%03d", e, s.Pump, s.Hour, s.Minute, secs), true
}

// ParseTimeOfDay parses a wall-clock "HH:MM" string.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q out of range", s)
	}
	return hour, minute, nil
}
