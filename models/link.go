// models/link.go
package models

import "time"

type LinkStatus string

const (
	LinkAlive LinkStatus = "alive"
	LinkDead  LinkStatus = "dead"
)

// Link ties together the caught encounters of every player on one route: the shared-fate pair
// (or group) of the challenge. One link per (run, route).
type Link struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	RunID     string       `gorm:"size:36;not null;uniqueIndex:ux_links_run_route,priority:1" json:"run_id"`
	RouteID   int          `gorm:"not null;uniqueIndex:ux_links_run_route,priority:2" json:"route_id"`
	Status    LinkStatus   `gorm:"size:16;not null;default:'alive'" json:"status"`
	Members   []LinkMember `gorm:"foreignKey:LinkID" json:"members,omitempty"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type LinkMember struct {
	LinkID      string `gorm:"primaryKey;size:36" json:"link_id"`
	EncounterID string `gorm:"primaryKey;size:36;index" json:"encounter_id"`
	PlayerID    string `gorm:"size:36;not null" json:"player_id"`
	Position    int    `gorm:"not null" json:"position"`
}

// ArchiveCheckpoint remembers how far each run's event log has been exported to object storage.
type ArchiveCheckpoint struct {
	RunID     string    `gorm:"primaryKey;size:36"`
	LastSeq   int64     `gorm:"not null;default:0"`
	ObjectKey string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// All lists every table the service owns, in migration order.
func All() []any {
	return []any{
		&Run{},
		&Player{},
		&Route{},
		&Species{},
		&Encounter{},
		&Event{},
		&RunSequence{},
		&BlocklistEntry{},
		&RouteProgress{},
		&IdempotencyKey{},
		&Link{},
		&LinkMember{},
		&ArchiveCheckpoint{},
	}
}
