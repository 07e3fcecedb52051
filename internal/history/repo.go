package history

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Nicolas3117/doser-control/internal/models"
	"github.com/Nicolas3117/doser-control/internal/timeutil"
)

// Repo persists program snapshots and dose events.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// RecordSnapshot appends a program snapshot taken at the moment of a
// transmission attempt.
func (r *Repo) RecordSnapshot(moduleID string, pump int, rawProgram string, ok bool, sentAt time.Time) (models.ProgramSnapshot, error) {
	snap := models.ProgramSnapshot{
		ModuleID:    moduleID,
		PumpNum:     pump,
		SentAtMs:    sentAt.UnixMilli(),
		ProgramHash: ProgramHash(rawProgram),
		RawProgram:  rawProgram,
		OK:          ok,
	}
	if err := r.db.Create(&snap).Error; err != nil {
		return models.ProgramSnapshot{}, fmt.Errorf("failed to record program snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotsBetween returns the snapshots sent in [fromMs, toMs], oldest
// first.
func (r *Repo) SnapshotsBetween(moduleID string, pump int, fromMs, toMs int64) ([]models.ProgramSnapshot, error) {
	var out []models.ProgramSnapshot
	err := r.db.
		Where("module_id = ? AND pump_num = ? AND sent_at_ms >= ? AND sent_at_ms <= ?", moduleID, pump, fromMs, toMs).
		Order("sent_at_ms ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	return out, nil
}

// InsertEvents inserts dose events with insert-or-ignore semantics keyed by
// the composite event identity. It returns how many rows were actually new.
func (r *Repo) InsertEvents(events []models.DoseEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoNothing: true,
	}).Create(&events)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert dose events: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// RecordManual stores a directly dispatched dose. Manual doses are not
// subject to the snapshot-interval reconstruction.
func (r *Repo) RecordManual(moduleID string, pump int, volumeMl float64, at time.Time, loc *time.Location) (models.DoseEvent, error) {
	dayStartMs := timeutil.DayStartMs(at, loc)
	ev := models.DoseEvent{
		ModuleID:   moduleID,
		PumpNum:    pump,
		DayStartMs: dayStartMs,
		OffsetMs:   at.UnixMilli() - dayStartMs,
		VolumeMl:   volumeMl,
		Source:     models.SourceManual,
		EventKey:   ManualEventKey(moduleID, pump, at.UnixMilli(), volumeMl),
	}
	if _, err := r.InsertEvents([]models.DoseEvent{ev}); err != nil {
		return models.DoseEvent{}, err
	}
	return ev, nil
}

// ReconstructDay rebuilds today's AUTO events for one pump from its snapshot
// history and inserts the new ones. Safe to call on every refresh.
func (r *Repo) ReconstructDay(moduleID string, pump int, flowMlPerSec float64, now time.Time, loc *time.Location) (int, error) {
	dayStartMs := timeutil.DayStartMs(now, loc)
	snaps, err := r.SnapshotsBetween(moduleID, pump, dayStartMs, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	events := ReconstructDay(snaps, flowMlPerSec, dayStartMs, now.UnixMilli())
	return r.InsertEvents(events)
}

// EventsForDay lists a pump's dose events for the day, in time order.
func (r *Repo) EventsForDay(moduleID string, pump int, dayStartMs int64) ([]models.DoseEvent, error) {
	var out []models.DoseEvent
	err := r.db.
		Where("module_id = ? AND pump_num = ? AND day_start_ms = ?", moduleID, pump, dayStartMs).
		Order("offset_ms ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query dose events: %w", err)
	}
	return out, nil
}

// TotalForDay sums a pump's dispensed volume for the day.
func (r *Repo) TotalForDay(moduleID string, pump int, dayStartMs int64) (float64, error) {
	var total float64
	err := r.db.Model(&models.DoseEvent{}).
		Where("module_id = ? AND pump_num = ? AND day_start_ms = ?", moduleID, pump, dayStartMs).
		Select("COALESCE(SUM(volume_ml), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum dose events: %w", err)
	}
	return total, nil
}
