package program

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Nicolas3117/doser-control/internal/store"
)

const (
	lineDelimiter = ";"

	programField = "program"
	flowField    = "flow"
)

// Store keeps one module's per-pump programs in the key-value store, each as
// a single delimited string of encoded lines. Legacy 9-character lines are
// normalized to the current format at read time; writes only ever produce the
// current format.
type Store struct {
	kv       store.KV
	moduleID string
}

func NewStore(kv store.KV, moduleID string) *Store {
	return &Store{kv: kv, moduleID: moduleID}
}

// Lines returns the stored encoded lines for a pump, normalized to the
// current format. Malformed entries are dropped.
func (s *Store) Lines(pump int) []string {
	raw, ok := s.kv.Get(store.Key(s.moduleID, pump, programField))
	if !ok || raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, lineDelimiter) {
		if part == "" {
			continue
		}
		if norm, ok := NormalizeLine(part); ok {
			out = append(out, norm)
		}
	}
	return out
}

// SetLines replaces the pump's program wholesale. Lines beyond the firmware
// table size are dropped; malformed lines are dropped silently.
func (s *Store) SetLines(pump int, lines []string) error {
	var kept []string
	for _, raw := range lines {
		norm, ok := NormalizeLine(raw)
		if !ok {
			continue
		}
		kept = append(kept, norm)
		if len(kept) == MaxLinesPerPump {
			break
		}
	}
	return s.kv.Put(store.Key(s.moduleID, pump, programField), strings.Join(kept, lineDelimiter))
}

// AddLine appends one encoded line to the pump's program. It returns false
// when the pump already holds the maximum number of lines or the line is
// malformed.
func (s *Store) AddLine(pump int, raw string) bool {
	norm, ok := NormalizeLine(raw)
	if !ok {
		return false
	}
	lines := s.Lines(pump)
	if len(lines) >= MaxLinesPerPump {
		return false
	}
	lines = append(lines, norm)
	if err := s.kv.Put(store.Key(s.moduleID, pump, programField), strings.Join(lines, lineDelimiter)); err != nil {
		return false
	}
	return true
}

// RemoveLine deletes the line at index in insertion order. Returns false
// when the index is out of range.
func (s *Store) RemoveLine(pump, index int) bool {
	lines := s.Lines(pump)
	if index < 0 || index >= len(lines) {
		return false
	}
	lines = append(lines[:index], lines[index+1:]...)
	if err := s.kv.Put(store.Key(s.moduleID, pump, programField), strings.Join(lines, lineDelimiter)); err != nil {
		return false
	}
	return true
}

// Clear removes the pump's program.
func (s *Store) Clear(pump int) error {
	return s.kv.Delete(store.Key(s.moduleID, pump, programField))
}

// Flow returns the calibrated flow rate for a pump in mL/s, 0 when the pump
// has not been calibrated.
func (s *Store) Flow(pump int) float64 {
	raw, ok := s.kv.Get(store.Key(s.moduleID, pump, flowField))
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

// SetFlow stores a pump's calibrated flow rate.
func (s *Store) SetFlow(pump int, mlPerSec float64) error {
	return s.kv.Put(store.Key(s.moduleID, pump, flowField), strconv.FormatFloat(mlPerSec, 'f', -1, 64))
}

// sortedValidLines filters a pump's lines down to those the firmware will
// accept and orders them chronologically. The sort is stable so entries with
// the same start keep their insertion order.
func sortedValidLines(lines []string) []string {
	type decoded struct {
		raw   string
		start int64
	}
	var valid []decoded
	for _, raw := range lines {
		l, ok := DecodeLine(raw)
		if !ok {
			continue
		}
		valid = append(valid, decoded{raw: raw, start: l.StartOffsetMs()})
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].start < valid[j].start })
	out := make([]string, 0, len(valid))
	for _, d := range valid {
		out = append(out, d.raw)
	}
	return out
}

// ValidLines returns the pump's firmware-acceptable lines in chronological
// order, the same set and order the transmission payload will carry.
func (s *Store) ValidLines(pump int) []string {
	return sortedValidLines(s.Lines(pump))
}

// BuildTransmissionPayload assembles the full device message: for each of
// the 4 pumps, the valid lines sorted by start time, truncated to the table
// size and padded with placeholders. The firmware's schedule walker expects
// chronological order, so the sort is mandatory, not cosmetic.
func (s *Store) BuildTransmissionPayload() string {
	var b strings.Builder
	b.Grow(PumpsPerModule * MaxLinesPerPump * LineWidth)
	for pump := 1; pump <= PumpsPerModule; pump++ {
		lines := sortedValidLines(s.Lines(pump))
		if len(lines) > MaxLinesPerPump {
			lines = lines[:MaxLinesPerPump]
		}
		for _, l := range lines {
			b.WriteString(l)
		}
		for i := len(lines); i < MaxLinesPerPump; i++ {
			b.WriteString(Placeholder)
		}
	}
	return b.String()
}

// BuildLegacyPayload renders the same program in the old 9-character format
// for firmware that predates the millisecond protocol. Durations are
// re-expressed in whole seconds and clamped into [1,600].
func (s *Store) BuildLegacyPayload() string {
	var b strings.Builder
	b.Grow(PumpsPerModule * MaxLinesPerPump * LegacyLineWidth)
	for pump := 1; pump <= PumpsPerModule; pump++ {
		lines := sortedValidLines(s.Lines(pump))
		if len(lines) > MaxLinesPerPump {
			lines = lines[:MaxLinesPerPump]
		}
		for _, raw := range lines {
			l, _ := DecodeLine(raw)
			secs := int64(math.Round(float64(l.DurationMs) / 1000))
			if secs < 1 {
				secs = 1
			}
			if secs > 600 {
				secs = 600
			}
			e := byte('0')
			if l.Enabled {
				e = '1'
			}
			b.WriteByte(e)
			b.WriteByte(byte('0' + l.Pump))
			b.WriteString(pad2(l.Hour))
			b.WriteString(pad2(l.Minute))
			b.WriteString(pad3(int(secs)))
		}
		for i := len(lines); i < MaxLinesPerPump; i++ {
			b.WriteString(legacyPlaceholder)
		}
	}
	return b.String()
}

func pad2(v int) string {
	return string([]byte{byte('0' + v/10), byte('0' + v%10)})
}

func pad3(v int) string {
	return string([]byte{byte('0' + v/100), byte('0' + (v/10)%10), byte('0' + v%10)})
}
