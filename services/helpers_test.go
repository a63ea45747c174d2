package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"soullink-events/broadcast"
	"soullink-events/models"
	"soullink-events/testutil"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []broadcast.Message
}

func (p *recordingPublisher) Publish(runID string, msg broadcast.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) all() []broadcast.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broadcast.Message(nil), p.messages...)
}

type fixture struct {
	db     *gorm.DB
	store  *EventStore
	guard  *IdempotencyGuard
	ingest *IngestService
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.SeedReference(t, db)

	store := NewEventStore(db, nil)
	guard := NewIdempotencyGuard(db, nil)
	pub := &recordingPublisher{}
	return &fixture{
		db:     db,
		store:  store,
		guard:  guard,
		ingest: NewIngestService(db, guard, store, pub, nil),
		pub:    pub,
	}
}

func player(id string) Identity {
	return Identity{PlayerID: id, RunID: testutil.RunID, Source: "bearer"}
}

func admin(id string) Identity {
	return Identity{PlayerID: id, Roles: []string{RoleAdmin}, Source: "session"}
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func encounterBody(playerID string, routeID, speciesID int, method string) []byte {
	body := map[string]any{
		"type":       "encounter",
		"run_id":     testutil.RunID,
		"player_id":  playerID,
		"time":       baseTime.Format(time.RFC3339),
		"route_id":   routeID,
		"species_id": speciesID,
		"level":      5,
		"method":     method,
	}
	if method == models.MethodFish {
		body["rod"] = models.RodOld
	}
	encoded, _ := json.Marshal(body)
	return encoded
}

func catchBody(playerID, encounterID, result string) []byte {
	encoded, _ := json.Marshal(map[string]any{
		"type":         "catch_result",
		"run_id":       testutil.RunID,
		"player_id":    playerID,
		"time":         baseTime.Add(time.Minute).Format(time.RFC3339),
		"encounter_id": encounterID,
		"result":       result,
	})
	return encoded
}

func faintBody(playerID, encounterID string) []byte {
	encoded, _ := json.Marshal(map[string]any{
		"type":         "faint",
		"run_id":       testutil.RunID,
		"player_id":    playerID,
		"time":         baseTime.Add(time.Hour).Format(time.RFC3339),
		"encounter_id": encounterID,
	})
	return encoded
}

var keySeq struct {
	sync.Mutex
	n int
}

func nextKey() string {
	keySeq.Lock()
	defer keySeq.Unlock()
	keySeq.n++
	return fmt.Sprintf("key-%d", keySeq.n)
}

func (f *fixture) submit(t *testing.T, ident Identity, body []byte) *SubmitOutcome {
	t.Helper()
	out, err := f.ingest.Submit(context.Background(), ident, testutil.RunID, nextKey(), body)
	require.NoError(t, err)
	return out
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
