package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soullink-events/models"
	"soullink-events/testutil"
)

type rosterServer struct {
	mu     sync.Mutex
	snaps  []RosterSnapshot
	sinces []string
}

func (s *rosterServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, rosterPath, r.URL.Path)
		if r.Header.Get("X-Service-Token") != "svc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sinces = append(s.sinces, r.URL.Query().Get("since"))
		var snap RosterSnapshot
		if len(s.snaps) > 0 {
			snap, s.snaps = s.snaps[0], s.snaps[1:]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

func TestRosterSync_UpsertsAndAdvancesWatermark(t *testing.T) {
	db := testutil.NewDB(t)
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	run := models.Run{ID: testutil.RunID, Name: "Crystal Soul Link"}
	run.UpdatedAt = first
	player := models.Player{ID: testutil.PlayerA, RunID: testutil.RunID, DisplayName: "Ash"}
	player.UpdatedAt = first
	route := models.Route{ID: 29, Name: "Route 29", Region: "Johto"}
	route.UpdatedAt = first
	species := models.Species{ID: 1, Name: "Bulbasaur", FamilyID: 1}
	species.UpdatedAt = first

	renamed := run
	renamed.Name = "Crystal Soul Link (restart)"
	renamed.UpdatedAt = second

	srv := &rosterServer{snaps: []RosterSnapshot{
		{Runs: []models.Run{run}, Players: []models.Player{player}, Routes: []models.Route{route}, Species: []models.Species{species}},
		{Runs: []models.Run{renamed}},
	}}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	w := NewRosterSyncWorker(db, ts.URL+"/", "svc-token", time.Minute, nil)

	n, err := w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got models.Run
	require.NoError(t, db.First(&got, "id = ?", testutil.RunID).Error)
	assert.Equal(t, "Crystal Soul Link (restart)", got.Name)

	var sp models.Species
	require.NoError(t, db.First(&sp, "id = ?", 1).Error)
	assert.Equal(t, 1, sp.FamilyID)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.sinces, 2)
	assert.Empty(t, srv.sinces[0], "first sync is a full pull")
	assert.Equal(t, first.Format(time.RFC3339Nano), srv.sinces[1])
}

func TestRosterSync_EmptySnapshotWritesNothing(t *testing.T) {
	db := testutil.NewDB(t)
	ts := httptest.NewServer((&rosterServer{}).handler(t))
	defer ts.Close()

	w := NewRosterSyncWorker(db, ts.URL, "svc-token", 0, nil)
	n, err := w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, time.Minute, w.Interval)
}

func TestRosterSync_RejectedTokenIsAnError(t *testing.T) {
	db := testutil.NewDB(t)
	ts := httptest.NewServer((&rosterServer{}).handler(t))
	defer ts.Close()

	w := NewRosterSyncWorker(db, ts.URL, "wrong", time.Minute, nil)
	_, err := w.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
