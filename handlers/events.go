// handlers/events.go
package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"soullink-events/broadcast"
	"soullink-events/logging"
	"soullink-events/middleware"
	"soullink-events/models"
	"soullink-events/services"
)

// EventHandler serves event submission, catch-up and the internal stats route.
type EventHandler struct {
	Ingest *services.IngestService
	Store  *services.EventStore
	Hub    *broadcast.Hub
	Logger *zap.Logger
}

func NewEventHandler(ingest *services.IngestService, store *services.EventStore, hub *broadcast.Hub, logger *zap.Logger) *EventHandler {
	return &EventHandler{Ingest: ingest, Store: store, Hub: hub, Logger: logging.OrNop(logger)}
}

// RouteDeps is everything SetupEventRoutes mounts.
type RouteDeps struct {
	Events       *EventHandler
	Live         *LiveHandler
	Auth         *services.Authenticator
	Limiter      *middleware.SubmitLimiter
	ServiceToken string
	Logger       *zap.Logger
}

func SetupEventRoutes(app *fiber.App, deps RouteDeps) {
	logger := logging.OrNop(deps.Logger)

	app.Get("/healthz", deps.Events.Health)

	// 🔐 Player routes: session token or legacy bearer
	runs := app.Group("/runs", middleware.PlayerAuthMiddleware(deps.Auth, logger))
	if deps.Limiter != nil {
		runs.Post("/:run_id/events", deps.Limiter.Handler(), deps.Events.SubmitEvent)
	} else {
		runs.Post("/:run_id/events", deps.Events.SubmitEvent)
	}
	runs.Get("/:run_id/events", deps.Events.CatchUp)

	// Live channel: auth and run checks happen before the upgrade
	app.Get("/ws/runs/:run_id",
		middleware.LiveAuthMiddleware(deps.Auth, logger),
		deps.Live.RequireRun,
		deps.Live.Upgrade(),
	)

	// 🔐 Internal routes: service token
	internal := app.Group("/internal", middleware.ServiceTokenMiddleware(deps.ServiceToken, logger))
	internal.Get("/runs/:run_id/connections", deps.Events.ConnectionCount)
}

// SubmitEvent handles POST /runs/:run_id/events.
func (h *EventHandler) SubmitEvent(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	runID := c.Params("run_id")
	outcome, err := h.Ingest.Submit(c.UserContext(), ident, runID, c.Get("Idempotency-Key"), c.Body())
	if err != nil {
		return middleware.RespondError(c, h.Logger, err)
	}

	if outcome.Replayed {
		c.Set("Idempotent-Replayed", "true")
	}
	return c.Status(outcome.StatusCode).JSON(outcome.Response)
}

// CatchUpResponse is the body of GET /runs/:run_id/events.
type CatchUpResponse struct {
	RunID        string         `json:"run_id"`
	Events       []models.Event `json:"events"`
	LastSequence int64          `json:"last_sequence"`
}

// CatchUp handles GET /runs/:run_id/events?since_seq=N&limit=M. One call returns at most
// limit events (default 500, capped at 1000) after since_seq, so it may not drain the log.
// last_sequence is the run's latest committed number: a client repeats the call with
// since_seq set to the last event it received until that reaches last_sequence.
func (h *EventHandler) CatchUp(c *fiber.Ctx) error {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	runID := c.Params("run_id")
	if !ident.CanAccessRun(runID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "credential is not valid for this run"})
	}

	sinceSeq, err := parseNonNegative(c.Query("since_seq"), 0)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "since_seq must be a non-negative integer"})
	}
	limit, err := parseNonNegative(c.Query("limit"), services.DefaultCatchUpLimit)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a non-negative integer"})
	}

	ctx := c.UserContext()
	found, err := h.Store.RunExists(ctx, runID)
	if err != nil {
		return middleware.RespondError(c, h.Logger, err)
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found"})
	}

	last, err := h.Store.LastSequence(ctx, runID)
	if err != nil {
		return middleware.RespondError(c, h.Logger, err)
	}
	events, err := h.Store.EventsSince(ctx, runID, sinceSeq, int(limit))
	if err != nil {
		return middleware.RespondError(c, h.Logger, err)
	}

	return c.JSON(CatchUpResponse{RunID: runID, Events: events, LastSequence: last})
}

// ConnectionCount handles GET /internal/runs/:run_id/connections.
func (h *EventHandler) ConnectionCount(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	return c.JSON(fiber.Map{
		"run_id":           runID,
		"connection_count": h.Hub.ConnectionCount(runID),
	})
}

func (h *EventHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":           "ok",
		"live_connections": h.Hub.TotalConnections(),
	})
}

func parseNonNegative(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
