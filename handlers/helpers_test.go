package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"soullink-events/broadcast"
	"soullink-events/middleware"
	"soullink-events/services"
	"soullink-events/testutil"
)

const (
	testSecret       = "test-secret"
	testServiceToken = "svc-token"
)

type testServer struct {
	app    *fiber.App
	hub    *broadcast.Hub
	store  *services.EventStore
	ingest *services.IngestService
	bearer *services.BearerVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.SeedReference(t, db)

	logger := zap.NewNop()
	hub := broadcast.NewHub(logger)
	t.Cleanup(hub.Close)

	store := services.NewEventStore(db, logger)
	guard := services.NewIdempotencyGuard(db, logger)
	ingest := services.NewIngestService(db, guard, store, hub, logger)
	bearer := services.NewBearerVerifier(testSecret, "soullink-legacy")

	app := fiber.New()
	SetupEventRoutes(app, RouteDeps{
		Events:       NewEventHandler(ingest, store, hub, logger),
		Live:         NewLiveHandler(hub, store, 16, 5*time.Second, logger),
		Auth:         services.NewAuthenticator(nil, bearer),
		Limiter:      middleware.NewSubmitLimiter(1000, 1000),
		ServiceToken: testServiceToken,
		Logger:       logger,
	})
	return &testServer{app: app, hub: hub, store: store, ingest: ingest, bearer: bearer}
}

// listen serves the app on a loopback port for websocket tests.
func (s *testServer) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.ShutdownWithTimeout(2 * time.Second) })
	return ln.Addr().String()
}

func (s *testServer) token(t *testing.T, playerID string) string {
	t.Helper()
	token, err := s.bearer.Sign(playerID, testutil.RunID, nil, time.Hour)
	require.NoError(t, err)
	return token
}

func encounterJSON(playerID string, routeID, speciesID int) []byte {
	body, _ := json.Marshal(map[string]any{
		"type":       "encounter",
		"run_id":     testutil.RunID,
		"player_id":  playerID,
		"time":       "2025-03-01T12:00:00Z",
		"route_id":   routeID,
		"species_id": speciesID,
		"level":      7,
		"method":     "grass",
	})
	return body
}

func submitRequest(token, key string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/runs/%s/events", testutil.RunID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
