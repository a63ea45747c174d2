// models/event.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// EventType is the telemetry kind submitted by clients.
type EventType string

const (
	EventEncounter     EventType = "encounter"
	EventCatchResult   EventType = "catch_result"
	EventFaint         EventType = "faint"
	EventAdminOverride EventType = "admin_override"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventEncounter, EventCatchResult, EventFaint, EventAdminOverride:
		return true
	}
	return false
}

// Event is one accepted submission in the per-run log. SequenceNumber is unique per run and
// shared by the catch-up query and live frames, so clients can de-duplicate across both paths.
type Event struct {
	ID             string          `gorm:"primaryKey;size:36" json:"event_id"`
	RunID          string          `gorm:"size:36;not null;uniqueIndex:ux_events_run_seq,priority:1" json:"run_id"`
	SequenceNumber int64           `gorm:"not null;uniqueIndex:ux_events_run_seq,priority:2" json:"sequence_number"`
	Type           EventType       `gorm:"size:32;not null" json:"type"`
	PlayerID       string          `gorm:"size:36;not null;index" json:"player_id"`
	EncounterID    *string         `gorm:"size:36;index" json:"encounter_id,omitempty"`
	Status         EncounterStatus `gorm:"size:32;not null" json:"status"`
	Payload        datatypes.JSON  `json:"data"`
	OccurredAt     time.Time       `gorm:"not null" json:"time"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// RunSequence is the authoritative per-run counter. It is only ever advanced inside the
// transaction that writes the event holding the new value.
type RunSequence struct {
	RunID   string `gorm:"primaryKey;size:36"`
	LastSeq int64  `gorm:"not null;default:0"`
}
