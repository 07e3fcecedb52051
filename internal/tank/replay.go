package tank

import (
	"sort"
	"sync"
	"time"

	"github.com/Nicolas3117/doser-control/internal/program"
	"github.com/Nicolas3117/doser-control/internal/store"
	"github.com/Nicolas3117/doser-control/internal/timeutil"
)

// LookbackDays bounds the replay window so a long-dormant process does not
// walk months of history on its first tick.
const LookbackDays = 30

// Occurrence is one elapsed dose found by a replay pass.
type Occurrence struct {
	Pump       int
	DayStartMs int64
	OffsetMs   int64
	DurationMs int64
	VolumeMl   float64
	EndMs      int64
}

// ReplayProgram walks every day-occurrence of the program's enabled lines
// whose end-instant lies in (lastProcessedMs, now], bounded by the lookback
// cap, and returns the occurrences in chronological order together with the
// advanced cursor. It is pure: calling it again with the same arguments
// returns the same result, and with the returned cursor it returns nothing.
func ReplayProgram(lines []string, flowMlPerSec float64, lastProcessedMs int64, now time.Time, loc *time.Location) (int64, []Occurrence) {
	cursor := lastProcessedMs
	if flowMlPerSec <= 0 {
		return cursor, nil
	}

	decoded := make([]program.Line, 0, len(lines))
	for _, raw := range lines {
		l, ok := program.DecodeLine(raw)
		if !ok || !l.Enabled {
			continue
		}
		decoded = append(decoded, l)
	}
	if len(decoded) == 0 {
		return cursor, nil
	}
	// Lines must be walked chronologically so an earlier dose is never
	// skipped because a later one already advanced the cursor.
	sort.SliceStable(decoded, func(i, j int) bool {
		return decoded[i].StartOffsetMs() < decoded[j].StartOffsetMs()
	})

	nowMs := now.UnixMilli()
	fromMs := cursor
	floorMs := now.AddDate(0, 0, -LookbackDays).UnixMilli()
	if fromMs < floorMs {
		fromMs = floorMs
	}

	day := timeutil.StartOfDay(time.UnixMilli(fromMs), loc)
	today := timeutil.StartOfDay(now, loc)

	var out []Occurrence
	for !day.After(today) {
		dayStartMs := day.UnixMilli()
		for _, l := range decoded {
			endMs := dayStartMs + l.StartOffsetMs() + l.DurationMs
			if endMs <= cursor || endMs > nowMs {
				continue
			}
			out = append(out, Occurrence{
				Pump:       l.Pump,
				DayStartMs: dayStartMs,
				OffsetMs:   l.StartOffsetMs(),
				DurationMs: l.DurationMs,
				VolumeMl:   flowMlPerSec * float64(l.DurationMs) / 1000,
				EndMs:      endMs,
			})
			cursor = endMs
		}
		day = day.AddDate(0, 0, 1)
	}
	return cursor, out
}

// Engine serializes the read-decrement-advance sequence per (module, pump)
// so the independent triggers (foreground refresh, background tick, manual
// API call) can never double-count a dose occurrence.
type Engine struct {
	kv  store.KV
	loc *time.Location

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(kv store.KV, loc *time.Location) *Engine {
	return &Engine{kv: kv, loc: loc, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(moduleID string, pump int) *sync.Mutex {
	key := store.Key(moduleID, pump, "replay_lock")
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Replay charges every elapsed dose of the given program against the tank,
// advancing the cursor, and returns the new state, the occurrences processed
// and any alert decisions raised along the way. Invoking it again with the
// same now is a no-op.
func (e *Engine) Replay(moduleID string, pump int, lines []string, flowMlPerSec float64, now time.Time) (State, []Occurrence, []*Alert, error) {
	l := e.lockFor(moduleID, pump)
	l.Lock()
	defer l.Unlock()

	st := LoadState(e.kv, moduleID, pump)
	cursor, occurrences := ReplayProgram(lines, flowMlPerSec, st.LastProcessedMs, now, e.loc)

	var alerts []*Alert
	for _, occ := range occurrences {
		if a := st.Decrement(occ.VolumeMl); a != nil {
			alerts = append(alerts, a)
		}
	}
	st.LastProcessedMs = cursor
	if err := SaveState(e.kv, st); err != nil {
		return st, nil, nil, err
	}
	return st, occurrences, alerts, nil
}

// Refill resets the tank under the same per-key lock used by replay.
func (e *Engine) Refill(moduleID string, pump, newCapacityMl int, now time.Time) (State, error) {
	l := e.lockFor(moduleID, pump)
	l.Lock()
	defer l.Unlock()

	st := LoadState(e.kv, moduleID, pump)
	st.Refill(newCapacityMl, now.UnixMilli())
	return st, SaveState(e.kv, st)
}

// Update applies an arbitrary mutation (threshold change, manual decrement)
// under the tank's lock.
func (e *Engine) Update(moduleID string, pump int, fn func(*State) *Alert) (State, *Alert, error) {
	l := e.lockFor(moduleID, pump)
	l.Lock()
	defer l.Unlock()

	st := LoadState(e.kv, moduleID, pump)
	alert := fn(&st)
	return st, alert, SaveState(e.kv, st)
}

// State returns the current tank state without mutating it.
func (e *Engine) State(moduleID string, pump int) State {
	l := e.lockFor(moduleID, pump)
	l.Lock()
	defer l.Unlock()
	return LoadState(e.kv, moduleID, pump)
}
