// Package timeutil provides the calendar math shared by the scheduling and
// accounting engines. All day boundaries are computed in a caller-supplied
// location so that DST transitions are handled by the time package, not by
// fixed 24h arithmetic.
package timeutil

import "time"

const (
	// MsPerDay is the nominal length of a day in milliseconds. Offsets
	// within a day are always < MsPerDay; an offset equal to MsPerDay
	// belongs to the following day.
	MsPerDay = 24 * 60 * 60 * 1000

	MsPerMinute = 60 * 1000
)

// StartOfDay returns the local midnight of the day containing t.
// An instant exactly at midnight belongs to that day, not the prior one.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// DayStartMs returns StartOfDay as Unix milliseconds.
func DayStartMs(t time.Time, loc *time.Location) int64 {
	return StartOfDay(t, loc).UnixMilli()
}

// OffsetToInstant converts an offset-from-midnight into an absolute instant
// for the day beginning at dayStart.
func OffsetToInstant(dayStart time.Time, offsetMs int64) time.Time {
	return dayStart.Add(time.Duration(offsetMs) * time.Millisecond)
}

// MsOfDay returns the offset of t from its local midnight, in milliseconds.
func MsOfDay(t time.Time, loc *time.Location) int64 {
	return t.UnixMilli() - DayStartMs(t, loc)
}

// CeilToMinute rounds ms up to the next whole minute. Values already on a
// minute boundary are returned unchanged.
func CeilToMinute(ms int64) int64 {
	rem := ms % MsPerMinute
	if rem == 0 {
		return ms
	}
	return ms + MsPerMinute - rem
}

// HourMinuteToOffsetMs converts a wall-clock hour and minute into an
// offset-from-midnight in milliseconds.
func HourMinuteToOffsetMs(hour, minute int) int64 {
	return (int64(hour)*60 + int64(minute)) * MsPerMinute
}
