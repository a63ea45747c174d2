package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"soullink-events/models"
	"soullink-events/rules"
	"soullink-events/testutil"
)

func appendEncounter(t *testing.T, f *fixture, in EncounterInput) *Result {
	t.Helper()
	var res *Result
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = f.store.AppendEncounter(tx, in)
		return err
	}))
	return res
}

func encounterInput(id, playerID string, routeID, familyID int) EncounterInput {
	return EncounterInput{
		EventID:   id,
		RunID:     testutil.RunID,
		PlayerID:  playerID,
		RouteID:   routeID,
		SpeciesID: 1,
		FamilyID:  familyID,
		Level:     4,
		Method:    models.MethodGrass,
		Time:      baseTime,
	}
}

func TestEventStore_ClaimLostDowngradesToDupeSkip(t *testing.T) {
	f := newFixture(t)

	// Another writer already finalized route 31.
	require.NoError(t, f.db.Create(&models.RouteProgress{
		RunID: testutil.RunID, RouteID: 31, EncounterID: "elsewhere", FEFinalized: true, FinalizedAt: baseTime,
	}).Error)

	res := appendEncounter(t, f, encounterInput("enc-1", testutil.PlayerA, 31, 2))

	assert.Equal(t, models.StatusDupeSkip, res.Status)
	assert.Equal(t, []string{rules.RuleFinalizationRaceLost}, res.AppliedRules)
	assert.Equal(t, int64(1), res.Event.SequenceNumber)

	var enc models.Encounter
	require.NoError(t, f.db.First(&enc, "id = ?", "enc-1").Error)
	assert.False(t, enc.FEFinalized)
}

func TestEventStore_ClaimRoute(t *testing.T) {
	f := newFixture(t)

	var first, second FinalizeResult
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		if first, err = f.store.claimRoute(tx, testutil.RunID, 29, "a", baseTime); err != nil {
			return err
		}
		second, err = f.store.claimRoute(tx, testutil.RunID, 29, "b", baseTime)
		return err
	}))
	assert.Equal(t, FinalizeWon, first)
	assert.Equal(t, FinalizeLost, second)

	var progress models.RouteProgress
	require.NoError(t, f.db.First(&progress, "run_id = ? AND route_id = ?", testutil.RunID, 29).Error)
	assert.Equal(t, "a", progress.EncounterID)
}

func TestEventStore_AbortedTransactionConsumesNothing(t *testing.T) {
	f := newFixture(t)
	appendEncounter(t, f, encounterInput("enc-1", testutil.PlayerA, 29, 1))

	boom := errors.New("boom")
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.store.AppendEncounter(tx, encounterInput("enc-2", testutil.PlayerB, 31, 2)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	next := appendEncounter(t, f, encounterInput("enc-3", testutil.PlayerB, 31, 2))
	assert.Equal(t, int64(2), next.Event.SequenceNumber)
	assert.Equal(t, models.StatusFirstEncounter, next.Status, "aborted claim must not survive")
	assert.Equal(t, int64(0), countRows(t, f.db, &models.Encounter{}, "id = ?", "enc-2"))
}

func TestEventStore_SequencesArePerRun(t *testing.T) {
	f := newFixture(t)
	appendEncounter(t, f, encounterInput("enc-1", testutil.PlayerA, 29, 1))
	appendEncounter(t, f, encounterInput("enc-2", testutil.PlayerA, 31, 1))

	other := encounterInput("enc-3", testutil.OtherPlayerX, 29, 1)
	other.RunID = testutil.OtherRunID
	res := appendEncounter(t, f, other)

	assert.Equal(t, int64(1), res.Event.SequenceNumber)
	assert.Equal(t, models.StatusFirstEncounter, res.Status, "rule state is scoped to the run")
}

func TestEventStore_EventsSince(t *testing.T) {
	f := newFixture(t)
	routes := []int{29, 31, 32, 50}
	for i, route := range routes {
		appendEncounter(t, f, encounterInput("enc-"+string(rune('a'+i)), testutil.PlayerA, route, i+1))
	}

	ctx := context.Background()
	events, err := f.store.EventsSince(ctx, testutil.RunID, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].SequenceNumber)
	assert.Equal(t, int64(4), events[1].SequenceNumber)

	limited, err := f.store.EventsSince(ctx, testutil.RunID, 0, 3)
	require.NoError(t, err)
	require.Len(t, limited, 3)
	assert.Equal(t, int64(1), limited[0].SequenceNumber)

	none, err := f.store.EventsSince(ctx, testutil.RunID, 4, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	empty, err := f.store.EventsSince(ctx, testutil.OtherRunID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	last, err := f.store.LastSequence(ctx, testutil.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)

	zero, err := f.store.LastSequence(ctx, testutil.OtherRunID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), zero)
}

func TestEventStore_EncounterEventCarriesPayload(t *testing.T) {
	f := newFixture(t)
	in := encounterInput("enc-1", testutil.PlayerA, 29, 1)
	in.Payload = []byte(`{"route_id":29}`)
	in.Time = baseTime.Add(3 * time.Minute)

	res := appendEncounter(t, f, in)

	assert.Equal(t, "enc-1", res.Event.ID)
	require.NotNil(t, res.Event.EncounterID)
	assert.Equal(t, "enc-1", *res.Event.EncounterID)
	assert.JSONEq(t, `{"route_id":29}`, string(res.Event.Payload))
	assert.True(t, in.Time.Equal(res.Event.OccurredAt))
}

// blockFamilyOnce registers a callback that inserts a blocklist entry for familyID on the
// statement's own transaction the first time match returns true. It stands in for a
// concurrent writer whose block commits at that point of the encounter transaction.
func blockFamilyOnce(familyID int, match func(*gorm.DB) bool) func(*gorm.DB) {
	fired := false
	return func(db *gorm.DB) {
		if fired || !match(db) {
			return
		}
		fired = true
		entry := models.BlocklistEntry{RunID: testutil.RunID, FamilyID: familyID, Origin: models.BlockOriginCaught, EventID: "other-writer"}
		if err := db.Session(&gorm.Session{NewDB: true}).Create(&entry).Error; err != nil {
			_ = db.AddError(err)
		}
	}
}

func onTable(name string) func(*gorm.DB) bool {
	return func(db *gorm.DB) bool { return db.Statement.Table == name }
}

func assertBlockedEncounter(t *testing.T, f *fixture, res *Result, routeID int) {
	t.Helper()
	assert.Equal(t, models.StatusDupeSkip, res.Status)
	assert.Equal(t, []string{rules.RuleFamilyBlocked}, res.AppliedRules)
	assert.Equal(t, int64(1), res.Event.SequenceNumber)

	var enc models.Encounter
	require.NoError(t, f.db.First(&enc, "id = ?", res.Event.ID).Error)
	assert.False(t, enc.FEFinalized)
	assert.Equal(t, models.StatusDupeSkip, enc.Status)

	var claimed int64
	require.NoError(t, f.db.Model(&models.RouteProgress{}).
		Where("run_id = ? AND route_id = ?", testutil.RunID, routeID).Count(&claimed).Error)
	assert.Zero(t, claimed, "a blocked family must not finalize the route")
}

func TestEventStore_BlockCommittedWhileWaitingForRunLock(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").
		Register("test:block_at_run_lock", blockFamilyOnce(3, onTable("run_sequences"))))

	res := appendEncounter(t, f, encounterInput("enc-locked", testutil.PlayerA, 50, 3))

	assertBlockedEncounter(t, f, res, 50)
}

func TestEventStore_BlockBeforeClaimDowngradesToDupeSkip(t *testing.T) {
	f := newFixture(t)
	// Lands after the snapshot read, before the finalization re-check.
	require.NoError(t, f.db.Callback().Query().After("gorm:query").
		Register("test:block_after_snapshot", blockFamilyOnce(3, onTable("encounters"))))

	res := appendEncounter(t, f, encounterInput("enc-recheck", testutil.PlayerA, 50, 3))

	assertBlockedEncounter(t, f, res, 50)
}
