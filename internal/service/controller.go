package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Nicolas3117/doser-control/internal/config"
	"github.com/Nicolas3117/doser-control/internal/device"
	"github.com/Nicolas3117/doser-control/internal/dosing"
	"github.com/Nicolas3117/doser-control/internal/history"
	"github.com/Nicolas3117/doser-control/internal/models"
	"github.com/Nicolas3117/doser-control/internal/mqtt"
	"github.com/Nicolas3117/doser-control/internal/notify"
	"github.com/Nicolas3117/doser-control/internal/program"
	"github.com/Nicolas3117/doser-control/internal/store"
	"github.com/Nicolas3117/doser-control/internal/tank"
	"github.com/Nicolas3117/doser-control/internal/timeutil"
)

// Controller ties the engines together: it is the single entry point the
// REST handlers and the background jobs go through.
type Controller struct {
	cfg       *config.Config
	kv        store.KV
	tanks     *tank.Engine
	hist      *history.Repo
	client    *device.Client
	doser     *dosing.Doser
	queue     *notify.Queue
	telemetry *mqtt.Publisher
	loc       *time.Location
}

func NewController(cfg *config.Config, kv store.KV, tanks *tank.Engine, hist *history.Repo,
	client *device.Client, doser *dosing.Doser, queue *notify.Queue, telemetry *mqtt.Publisher,
	loc *time.Location) *Controller {
	return &Controller{
		cfg:       cfg,
		kv:        kv,
		tanks:     tanks,
		hist:      hist,
		client:    client,
		doser:     doser,
		queue:     queue,
		telemetry: telemetry,
		loc:       loc,
	}
}

// Programs returns the program store bound to one module.
func (c *Controller) Programs(moduleID string) *program.Store {
	return program.NewStore(c.kv, moduleID)
}

// Modules exposes the configured module registry.
func (c *Controller) Modules() []config.ModuleConfig {
	return c.cfg.Modules
}

func (c *Controller) module(moduleID string) (config.ModuleConfig, error) {
	m, ok := c.cfg.Module(moduleID)
	if !ok {
		return config.ModuleConfig{}, fmt.Errorf("unknown module %q", moduleID)
	}
	return m, nil
}

func (c *Controller) antiGapMs() int64 {
	return int64(c.cfg.Dosing.AntiGapMinutes) * timeutil.MsPerMinute
}

// AddSchedule validates a new dose entry against the module's existing
// windows and, when legal, appends it to the pump's program. The validation
// result carries the rejection reason and the next legal start for the UI.
func (c *Controller) AddSchedule(moduleID string, s program.Schedule) (program.ValidationResult, error) {
	progs := c.Programs(moduleID)
	flow := progs.Flow(s.Pump)
	if flow <= 0 {
		return program.ValidationResult{}, fmt.Errorf("pump %d of module %s is not calibrated", s.Pump, moduleID)
	}

	encoded, ok := program.Encode(s, flow)
	if !ok {
		return program.ValidationResult{}, fmt.Errorf("schedule entry is invalid: volume %.1f mL at %.3f mL/s is outside the firmware duration range", s.VolumeMl(), flow)
	}

	line, _ := program.DecodeLine(encoded)
	candidate := program.Interval{Pump: s.Pump, StartMs: line.StartOffsetMs(), EndMs: line.EndOffsetMs()}

	linesByPump := make(map[int][]string, program.PumpsPerModule)
	for pump := 1; pump <= program.PumpsPerModule; pump++ {
		linesByPump[pump] = progs.Lines(pump)
	}
	res := program.ValidateNewInterval(candidate, program.IntervalsFromLines(linesByPump), c.antiGapMs())
	if !res.OK {
		return res, nil
	}

	if !progs.AddLine(s.Pump, encoded) {
		return res, fmt.Errorf("pump %d already holds %d schedule entries", s.Pump, program.MaxLinesPerPump)
	}
	return res, nil
}

// SendProgram verifies the module's identity at its registered address,
// uploads the assembled payload and records one snapshot per pump. A failed
// transmission still records a snapshot, flagged not-OK, and leaves local
// schedule and tank state untouched.
func (c *Controller) SendProgram(ctx context.Context, moduleID string) error {
	m, err := c.module(moduleID)
	if err != nil {
		return err
	}
	if err := c.client.Verify(ctx, m.IP, m.ID); err != nil {
		return err
	}

	progs := c.Programs(moduleID)
	payload := progs.BuildTransmissionPayload()

	sendErr := c.client.SendProgram(ctx, m.IP, payload)
	now := time.Now()
	for pump := 1; pump <= program.PumpsPerModule; pump++ {
		raw := strings.Join(progs.ValidLines(pump), ";")
		if _, err := c.hist.RecordSnapshot(moduleID, pump, raw, sendErr == nil, now); err != nil {
			log.Printf("[ERROR] failed to record snapshot for %s pump %d: %v", moduleID, pump, err)
		}
	}
	return sendErr
}

// ManualDose dispenses one dose immediately. Multi-dose sequences go
// through ManualDoseSplit, which runs off the request path.
func (c *Controller) ManualDose(ctx context.Context, moduleID string, pump, volumeTenth int) (*tank.Alert, error) {
	m, err := c.module(moduleID)
	if err != nil {
		return nil, err
	}
	flow := c.Programs(moduleID).Flow(pump)
	alert, err := c.doser.Dispense(ctx, moduleID, m.IP, pump, volumeTenth, flow)
	if err != nil {
		return nil, err
	}
	st := c.tanks.State(moduleID, pump)
	c.telemetry.PublishTankLevel(moduleID, pump, st.RemainingMl, st.Percent())
	c.telemetry.PublishDoseEvent(moduleID, pump, float64(volumeTenth)/10, models.SourceManual, time.Now().UnixMilli())
	if alert != nil {
		c.enqueueAlert(alert)
	}
	return alert, nil
}

// ManualDoseSplit distributes a total volume over several doses and
// dispenses them sequentially, spaced by the configured anti-interference
// gap. Meant to run off the request path.
func (c *Controller) ManualDoseSplit(ctx context.Context, moduleID string, pump, totalTenth, count int) error {
	m, err := c.module(moduleID)
	if err != nil {
		return err
	}
	flow := c.Programs(moduleID).Flow(pump)
	gap := time.Duration(c.antiGapMs()) * time.Millisecond
	alerts, err := c.doser.DispenseSplit(ctx, moduleID, m.IP, pump, totalTenth, count, flow, gap)
	for _, a := range alerts {
		c.enqueueAlert(a)
	}
	if err != nil {
		return err
	}
	st := c.tanks.State(moduleID, pump)
	c.telemetry.PublishTankLevel(moduleID, pump, st.RemainingMl, st.Percent())
	return nil
}

// RemoveSchedule deletes one schedule entry by its insertion index.
func (c *Controller) RemoveSchedule(moduleID string, pump, index int) error {
	if !c.Programs(moduleID).RemoveLine(pump, index) {
		return fmt.Errorf("no schedule entry %d on pump %d of module %s", index, pump, moduleID)
	}
	return nil
}

// SetFlow stores a pump's calibration.
func (c *Controller) SetFlow(moduleID string, pump int, mlPerSec float64) error {
	if mlPerSec <= 0 {
		return fmt.Errorf("flow rate must be positive")
	}
	return c.Programs(moduleID).SetFlow(pump, mlPerSec)
}

// ReplayModulePump runs one tank-accounting pass for a single pump.
func (c *Controller) ReplayModulePump(moduleID string, pump int) {
	progs := c.Programs(moduleID)
	lines := progs.Lines(pump)
	flow := progs.Flow(pump)
	now := time.Now()

	st, occurrences, alerts, err := c.tanks.Replay(moduleID, pump, lines, flow, now)
	if err != nil {
		log.Printf("[ERROR] replay failed for %s pump %d: %v", moduleID, pump, err)
		return
	}
	if len(occurrences) == 0 {
		return
	}
	log.Printf("[INFO] replayed %d dose(s) for %s pump %d, %.1f mL remaining",
		len(occurrences), moduleID, pump, st.RemainingMl)
	for _, occ := range occurrences {
		c.telemetry.PublishDoseEvent(moduleID, pump, occ.VolumeMl, models.SourceAuto, occ.EndMs)
	}
	c.telemetry.PublishTankLevel(moduleID, pump, st.RemainingMl, st.Percent())
	for _, a := range alerts {
		c.enqueueAlert(a)
	}
}

// ReplayAll runs tank accounting for every registered pump. Invoked by the
// periodic job and by the manual trigger endpoint; the per-tank locks make
// overlapping invocations harmless.
func (c *Controller) ReplayAll() {
	for _, m := range c.cfg.Modules {
		for pump := 1; pump <= program.PumpsPerModule; pump++ {
			c.ReplayModulePump(m.ID, pump)
		}
	}
}

// ReconstructAll rebuilds today's dose history for every registered pump.
func (c *Controller) ReconstructAll() {
	now := time.Now()
	for _, m := range c.cfg.Modules {
		progs := c.Programs(m.ID)
		for pump := 1; pump <= program.PumpsPerModule; pump++ {
			flow := progs.Flow(pump)
			if flow <= 0 {
				continue
			}
			inserted, err := c.hist.ReconstructDay(m.ID, pump, flow, now, c.loc)
			if err != nil {
				log.Printf("[ERROR] history reconstruction failed for %s pump %d: %v", m.ID, pump, err)
				continue
			}
			if inserted > 0 {
				log.Printf("[INFO] reconstructed %d dose event(s) for %s pump %d", inserted, m.ID, pump)
			}
		}
	}
}

// DrainAlerts flushes the pending alert queue.
func (c *Controller) DrainAlerts() {
	c.queue.Drain(time.Now())
}

func (c *Controller) enqueueAlert(a *tank.Alert) {
	// The id is stable per (module, pump, kind, day) so the same alert
	// decision enqueued twice before delivery collapses into one.
	day := timeutil.DayStartMs(time.Now(), c.loc)
	c.queue.Enqueue(notify.Alert{
		ID:    fmt.Sprintf("tank:%s:%d:%s:%d", a.ModuleID, a.Pump, a.Kind, day),
		Title: "Dosing pump alert",
		Body:  a.Message(),
	})
}

// Tank returns the current accounting state for one pump.
func (c *Controller) Tank(moduleID string, pump int) tank.State {
	return c.tanks.State(moduleID, pump)
}

// RefillTank resets a container to full and moves the replay cursor to now.
func (c *Controller) RefillTank(moduleID string, pump, capacityMl int) (tank.State, error) {
	st, err := c.tanks.Refill(moduleID, pump, capacityMl, time.Now())
	if err == nil {
		c.telemetry.PublishTankLevel(moduleID, pump, st.RemainingMl, st.Percent())
	}
	return st, err
}

// SetTankThreshold updates the low-level alert threshold.
func (c *Controller) SetTankThreshold(moduleID string, pump, percent int) (tank.State, error) {
	st, _, err := c.tanks.Update(moduleID, pump, func(s *tank.State) *tank.Alert {
		s.LowThresholdPercent = percent
		return nil
	})
	return st, err
}

// TodayEvents lists today's dose events for one pump, reconstructing first
// so the answer reflects the latest elapsed doses.
func (c *Controller) TodayEvents(moduleID string, pump int) ([]models.DoseEvent, float64, error) {
	now := time.Now()
	flow := c.Programs(moduleID).Flow(pump)
	if flow > 0 {
		if _, err := c.hist.ReconstructDay(moduleID, pump, flow, now, c.loc); err != nil {
			return nil, 0, err
		}
	}
	dayStart := timeutil.DayStartMs(now, c.loc)
	events, err := c.hist.EventsForDay(moduleID, pump, dayStart)
	if err != nil {
		return nil, 0, err
	}
	total, err := c.hist.TotalForDay(moduleID, pump, dayStart)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Discover scans a subnet for modules.
func (c *Controller) Discover(ctx context.Context, prefix string) []device.Found {
	return c.client.Discover(ctx, prefix)
}
