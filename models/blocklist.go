// models/blocklist.go
package models

import "time"

type BlockOrigin string

const (
	BlockOriginCaught BlockOrigin = "caught"
	BlockOriginAdmin  BlockOrigin = "admin"
)

// BlocklistEntry blocks a species family run-wide, for all players, forever. Append-only.
type BlocklistEntry struct {
	RunID     string      `gorm:"primaryKey;size:36" json:"run_id"`
	FamilyID  int         `gorm:"primaryKey;autoIncrement:false" json:"family_id"`
	Origin    BlockOrigin `gorm:"size:16;not null" json:"origin"`
	EventID   string      `gorm:"size:36" json:"event_id,omitempty"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// RouteProgress has at most one row per (run, route). Inserting it is how an encounter claims
// first-encounter finalization; the primary key rejects a second winner.
type RouteProgress struct {
	RunID       string    `gorm:"primaryKey;size:36" json:"run_id"`
	RouteID     int       `gorm:"primaryKey;autoIncrement:false" json:"route_id"`
	EncounterID string    `gorm:"size:36;not null" json:"encounter_id"`
	FEFinalized bool      `gorm:"column:fe_finalized;not null;default:true" json:"fe_finalized"`
	FinalizedAt time.Time `gorm:"not null" json:"finalized_at"`
}

func (RouteProgress) TableName() string { return "route_progress" }
