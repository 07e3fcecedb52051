// Package tank tracks the remaining volume of each dosing container and
// replays elapsed program occurrences against a wall-clock cursor so every
// completed dose is accounted exactly once.
package tank

import (
	"fmt"
	"strconv"

	"github.com/Nicolas3117/doser-control/internal/store"
)

// State is the accounting record for one module/pump container.
// LastProcessedMs is the replay cursor: the wall-clock instant up to which
// dose occurrences have been charged against the remaining volume. It only
// ever moves forward.
type State struct {
	ModuleID            string
	Pump                int
	CapacityMl          int
	RemainingMl         float64
	LowThresholdPercent int
	LowAlertSent        bool
	EmptyAlertSent      bool
	LastProcessedMs     int64
}

type AlertKind string

const (
	AlertLow   AlertKind = "LOW"
	AlertEmpty AlertKind = "EMPTY"
)

// Alert is a fire decision produced by the accounting engine. Formatting for
// a specific sink and the delivery itself live elsewhere.
type Alert struct {
	Kind        AlertKind
	ModuleID    string
	Pump        int
	RemainingMl float64
	Percent     float64
}

// Message renders the human-readable alert body.
func (a Alert) Message() string {
	if a.Kind == AlertEmpty {
		return fmt.Sprintf("Tank empty: module %s pump %d has run dry. Refill and recalibrate the level.", a.ModuleID, a.Pump)
	}
	return fmt.Sprintf("Tank low: module %s pump %d is at %.0f%% (%.1f mL left).", a.ModuleID, a.Pump, a.Percent, a.RemainingMl)
}

// Percent returns the remaining volume as a percentage of capacity.
func (s *State) Percent() float64 {
	if s.CapacityMl <= 0 {
		return 0
	}
	return s.RemainingMl / float64(s.CapacityMl) * 100
}

// Evaluate checks the level against the thresholds and returns an alert
// decision, or nil. Each alert kind fires once until a refill clears the
// flags; the empty alert is independent of the low flag.
func (s *State) Evaluate() *Alert {
	if s.RemainingMl <= 0 {
		if s.EmptyAlertSent {
			return nil
		}
		s.EmptyAlertSent = true
		return &Alert{Kind: AlertEmpty, ModuleID: s.ModuleID, Pump: s.Pump, RemainingMl: 0, Percent: 0}
	}
	if s.LowThresholdPercent > 0 && s.Percent() <= float64(s.LowThresholdPercent) && !s.LowAlertSent {
		s.LowAlertSent = true
		return &Alert{Kind: AlertLow, ModuleID: s.ModuleID, Pump: s.Pump, RemainingMl: s.RemainingMl, Percent: s.Percent()}
	}
	return nil
}

// Decrement charges one dose against the remaining volume, clamping at zero,
// and evaluates the alert thresholds. Decrementing an already-empty tank is
// a no-op.
func (s *State) Decrement(volumeMl float64) *Alert {
	if s.RemainingMl <= 0 {
		return nil
	}
	s.RemainingMl -= volumeMl
	if s.RemainingMl < 0 {
		s.RemainingMl = 0
	}
	return s.Evaluate()
}

// Refill resets the container to a full tank of newCapacityMl, clears both
// alert flags and moves the replay cursor to now. Doses between the old
// cursor and now are deliberately skipped: the operator asserts the tank is
// physically full at this instant, so the prior deficit is moot.
func (s *State) Refill(newCapacityMl int, nowMs int64) {
	s.CapacityMl = newCapacityMl
	s.RemainingMl = float64(newCapacityMl)
	s.LowAlertSent = false
	s.EmptyAlertSent = false
	s.LastProcessedMs = nowMs
}

const (
	capacityField  = "tank_capacity"
	remainingField = "tank_remaining"
	thresholdField = "tank_low_threshold"
	lowSentField   = "tank_low_alert_sent"
	emptySentField = "tank_empty_alert_sent"
	cursorField    = "last_processed_ms"
)

// LoadState reads a tank's fields from the key-value store. Missing keys
// yield the zero value so a never-calibrated tank is simply empty.
func LoadState(kv store.KV, moduleID string, pump int) State {
	s := State{ModuleID: moduleID, Pump: pump}
	s.CapacityMl = int(getInt(kv, store.Key(moduleID, pump, capacityField)))
	s.RemainingMl = getFloat(kv, store.Key(moduleID, pump, remainingField))
	s.LowThresholdPercent = int(getInt(kv, store.Key(moduleID, pump, thresholdField)))
	s.LowAlertSent = getBool(kv, store.Key(moduleID, pump, lowSentField))
	s.EmptyAlertSent = getBool(kv, store.Key(moduleID, pump, emptySentField))
	s.LastProcessedMs = getInt(kv, store.Key(moduleID, pump, cursorField))
	return s
}

// SaveState writes the tank's fields back. Each field is a separate key;
// atomicity across them comes from the engine's per-tank lock, not the store.
func SaveState(kv store.KV, s State) error {
	pairs := map[string]string{
		store.Key(s.ModuleID, s.Pump, capacityField):  strconv.Itoa(s.CapacityMl),
		store.Key(s.ModuleID, s.Pump, remainingField): strconv.FormatFloat(s.RemainingMl, 'f', 3, 64),
		store.Key(s.ModuleID, s.Pump, thresholdField): strconv.Itoa(s.LowThresholdPercent),
		store.Key(s.ModuleID, s.Pump, lowSentField):   strconv.FormatBool(s.LowAlertSent),
		store.Key(s.ModuleID, s.Pump, emptySentField): strconv.FormatBool(s.EmptyAlertSent),
		store.Key(s.ModuleID, s.Pump, cursorField):    strconv.FormatInt(s.LastProcessedMs, 10),
	}
	for k, v := range pairs {
		if err := kv.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

func getInt(kv store.KV, key string) int64 {
	raw, ok := kv.Get(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func getFloat(kv store.KV, key string) float64 {
	raw, ok := kv.Get(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func getBool(kv store.KV, key string) bool {
	raw, ok := kv.Get(key)
	return ok && raw == "true"
}
