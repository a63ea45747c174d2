// models/encounter.go
package models

import "time"

// EncounterStatus is the rules outcome of an encounter, or a later catch/faint transition.
type EncounterStatus string

const (
	StatusFirstEncounter EncounterStatus = "FIRST_ENCOUNTER"
	StatusDupeSkip       EncounterStatus = "DUPE_SKIP"
	StatusCaught         EncounterStatus = "CAUGHT"
	StatusFled           EncounterStatus = "FLED"
	StatusKO             EncounterStatus = "KO"
	StatusFailed         EncounterStatus = "FAILED"
	StatusAdmin          EncounterStatus = "ADMIN" // admin events with no encounter outcome
)

// Valid reports whether s is a known status.
func (s EncounterStatus) Valid() bool {
	switch s {
	case StatusFirstEncounter, StatusDupeSkip, StatusCaught, StatusFled, StatusKO, StatusFailed, StatusAdmin:
		return true
	}
	return false
}

const (
	MethodGrass     = "grass"
	MethodSurf      = "surf"
	MethodFish      = "fish"
	MethodHeadbutt  = "headbutt"
	MethodRockSmash = "rock_smash"
	MethodGift      = "gift"
	MethodStatic    = "static"
)

// Rods, required when Method == MethodFish.
const (
	RodOld   = "old"
	RodGood  = "good"
	RodSuper = "super"
)

// Encounter is written once at intake and never edited. Catch and faint outcomes are
// recorded as new events referencing it.
type Encounter struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	RunID    string `gorm:"size:36;not null;index:idx_encounter_run_route_family,priority:1" json:"run_id"`
	PlayerID string `gorm:"size:36;not null;index" json:"player_id"`
	RouteID  int    `gorm:"not null;index:idx_encounter_run_route_family,priority:2" json:"route_id"`
	FamilyID int    `gorm:"not null;index:idx_encounter_run_route_family,priority:3" json:"family_id"`

	SpeciesID int    `gorm:"not null" json:"species_id"`
	Level     int    `json:"level"`
	Shiny     bool   `gorm:"default:false" json:"shiny"`
	Method    string `gorm:"size:32;not null" json:"method"`
	Rod       string `gorm:"size:16" json:"rod,omitempty"`

	Time           time.Time       `gorm:"not null" json:"time"`
	Status         EncounterStatus `gorm:"size:32;not null" json:"status"`
	FEFinalized    bool            `gorm:"column:fe_finalized;default:false" json:"fe_finalized"`
	SequenceNumber int64           `gorm:"not null" json:"sequence_number"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
