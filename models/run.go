// models/run.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Run is one instance of the shared challenge. Reference data: mirrored from the roster
// service, never written by the event pipeline.
type Run struct {
	ID   string `gorm:"primaryKey;size:36" json:"id"`
	Name string `gorm:"not null" json:"name"`

	Timestamps
}

// Player belongs to exactly one Run.
type Player struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	RunID       string `gorm:"size:36;not null;index" json:"run_id"`
	DisplayName string `json:"display_name"`

	Timestamps
}

// Route is a location where encounters happen (e.g. route 31).
type Route struct {
	ID     int    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name   string `gorm:"not null" json:"name"`
	Region string `json:"region,omitempty"`

	Timestamps
}

// Species carries the family used for blocking and dupe checks.
type Species struct {
	ID       int    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name     string `gorm:"not null" json:"name"`
	FamilyID int    `gorm:"not null;index" json:"family_id"`

	Timestamps
}
