package models

import "time"

// Dose event sources.
const (
	SourceAuto   = "AUTO"
	SourceManual = "MANUAL"
)

// ProgramSnapshot records a program at the moment it was successfully sent
// to a device. The device keeps no dose log of its own, so these snapshots
// are the only evidence of what was scheduled when. Append-only.
type ProgramSnapshot struct {
	ID          uint   `gorm:"primaryKey"`
	ModuleID    string `gorm:"size:64;index:idx_snapshot_lookup,priority:1;not null"`
	PumpNum     int    `gorm:"index:idx_snapshot_lookup,priority:2;not null"`
	SentAtMs    int64  `gorm:"index:idx_snapshot_lookup,priority:3;not null"`
	ProgramHash string `gorm:"size:64;index"`
	RawProgram  string `gorm:"type:text"`
	OK          bool
	CreatedAt   time.Time
}

func (ProgramSnapshot) TableName() string {
	return "program_snapshots"
}

// DoseEvent is a single realized dose, reconstructed from snapshots (AUTO)
// or recorded at dispatch (MANUAL). EventKey is the composite identity that
// makes inserts idempotent: a duplicate insert is a silent no-op.
type DoseEvent struct {
	ID          uint    `gorm:"primaryKey"`
	ModuleID    string  `gorm:"size:64;index:idx_event_day,priority:1;not null"`
	PumpNum     int     `gorm:"index:idx_event_day,priority:2;not null"`
	DayStartMs  int64   `gorm:"index:idx_event_day,priority:3;not null"`
	OffsetMs    int64   `gorm:"not null"`
	VolumeMl    float64 `gorm:"not null"`
	Source      string  `gorm:"size:16;not null"`
	ProgramHash string  `gorm:"size:64"`
	EventKey    string  `gorm:"size:160;uniqueIndex:ux_dose_event_key;not null"`
	CreatedAt   time.Time
}

func (DoseEvent) TableName() string {
	return "dose_events"
}
