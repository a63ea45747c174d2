// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"soullink-events/config"
	"soullink-events/database"
	"soullink-events/models"
)

// NewDB opens a migrated SQLite database under t.TempDir().
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	return NewDBAt(t, filepath.Join(t.TempDir(), "test.db"))
}

// NewDBAt opens path with its own connection pool. Opening the same path twice gives two
// independent writers, which is how tests interleave commits.
func NewDBAt(t testing.TB, path string) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DriverSQLite, path)
	if err != nil {
		t.Fatalf("database.Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

// Fixture IDs used across packages.
const (
	RunID   = "00000000-0000-0000-0000-0000000000a1"
	PlayerA = "00000000-0000-0000-0000-00000000000a"
	PlayerB = "00000000-0000-0000-0000-00000000000b"
	PlayerC = "00000000-0000-0000-0000-00000000000c"

	OtherRunID   = "00000000-0000-0000-0000-0000000000a2"
	OtherPlayerX = "00000000-0000-0000-0000-0000000000f1"
)

// SeedReference writes two runs, their players, a handful of routes and species.
//
// Families: 1 (species 1,2,3), 2 (species 4), 3 (species 5, 6).
func SeedReference(t testing.TB, db *gorm.DB) {
	t.Helper()
	rows := []any{
		&models.Run{ID: RunID, Name: "Crystal Soul Link"},
		&models.Run{ID: OtherRunID, Name: "Emerald Soul Link"},
		&models.Player{ID: PlayerA, RunID: RunID, DisplayName: "Ash"},
		&models.Player{ID: PlayerB, RunID: RunID, DisplayName: "Brock"},
		&models.Player{ID: PlayerC, RunID: RunID, DisplayName: "Misty"},
		&models.Player{ID: OtherPlayerX, RunID: OtherRunID, DisplayName: "May"},
		&models.Route{ID: 29, Name: "Route 29"},
		&models.Route{ID: 31, Name: "Route 31"},
		&models.Route{ID: 32, Name: "Route 32"},
		&models.Route{ID: 50, Name: "Route 50"},
		&models.Species{ID: 1, Name: "Bulbasaur", FamilyID: 1},
		&models.Species{ID: 2, Name: "Ivysaur", FamilyID: 1},
		&models.Species{ID: 3, Name: "Venusaur", FamilyID: 1},
		&models.Species{ID: 4, Name: "Pidgey", FamilyID: 2},
		&models.Species{ID: 5, Name: "Rattata", FamilyID: 3},
		&models.Species{ID: 6, Name: "Raticate", FamilyID: 3},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed %T: %v", row, err)
		}
	}
}
