// services/ingest_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"soullink-events/broadcast"
	"soullink-events/logging"
	"soullink-events/models"
)

const maxIdempotencyKeyLen = 128

// Submission is the request body of POST /runs/:run_id/events. Type-specific fields are
// flat so the whole body takes part in the idempotency fingerprint.
type Submission struct {
	Type     models.EventType `json:"type"`
	RunID    string           `json:"run_id"`
	PlayerID string           `json:"player_id"`
	Time     time.Time        `json:"time"`

	// encounter
	RouteID   int    `json:"route_id,omitempty"`
	SpeciesID int    `json:"species_id,omitempty"`
	FamilyID  int    `json:"family_id,omitempty"`
	Level     int    `json:"level,omitempty"`
	Shiny     bool   `json:"shiny,omitempty"`
	Method    string `json:"method,omitempty"`
	Rod       string `json:"rod,omitempty"`

	// catch_result, faint, admin_override set_status
	EncounterID string `json:"encounter_id,omitempty"`
	Result      string `json:"result,omitempty"`

	// admin_override
	Action string                 `json:"action,omitempty"`
	Status models.EncounterStatus `json:"status,omitempty"`
	Reason string                 `json:"reason,omitempty"`
}

// SubmitResponse is the synchronous answer for an accepted event.
type SubmitResponse struct {
	EventID        string   `json:"event_id"`
	SequenceNumber int64    `json:"sequence_number"`
	Status         string   `json:"status"`
	AppliedRules   []string `json:"applied_rules"`
}

type SubmitOutcome struct {
	Response   SubmitResponse
	StatusCode int
	Replayed   bool
}

// Publisher receives events after their transaction commits.
type Publisher interface {
	Publish(runID string, msg broadcast.Message)
}

// IngestService runs one submission through validation, idempotency, rules and storage,
// then hands the committed event to the live hub.
type IngestService struct {
	DB     *gorm.DB
	Guard  *IdempotencyGuard
	Store  *EventStore
	Hub    Publisher
	Logger *zap.Logger
}

func NewIngestService(db *gorm.DB, guard *IdempotencyGuard, store *EventStore, hub Publisher, logger *zap.Logger) *IngestService {
	return &IngestService{DB: db, Guard: guard, Store: store, Hub: hub, Logger: logging.OrNop(logger)}
}

func (s *IngestService) Submit(ctx context.Context, ident Identity, runID, idempotencyKey string, body []byte) (*SubmitOutcome, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return nil, validationError("Idempotency-Key header is required")
	}
	if len(idempotencyKey) > maxIdempotencyKeyLen {
		return nil, validationError("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen)
	}

	sub, err := decodeSubmission(body)
	if err != nil {
		return nil, err
	}
	if sub.RunID == "" {
		sub.RunID = runID
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.RunID != runID {
		return nil, validationError("run_id in body does not match path")
	}

	if !ident.CanAccessRun(runID) {
		return nil, forbiddenError("credential is not valid for run %s", runID)
	}
	if sub.Type == models.EventAdminOverride {
		if !ident.IsAdmin() {
			return nil, forbiddenError("admin_override requires the admin role")
		}
	} else if sub.PlayerID != ident.PlayerID && !ident.IsAdmin() {
		return nil, forbiddenError("player_id does not match credential")
	}

	if err := s.checkReferences(ctx, sub); err != nil {
		return nil, err
	}

	hash, err := Fingerprint(body)
	if err != nil {
		return nil, validationError("%v", err)
	}

	scope := Scope{Key: idempotencyKey, RunID: runID, PlayerID: ident.PlayerID, RequestHash: hash}
	var appended *Result
	stored, replayed, err := s.Guard.Resolve(ctx, scope, func(tx *gorm.DB) (StoredResponse, error) {
		res, err := s.apply(tx, ident, sub)
		if err != nil {
			return StoredResponse{}, err
		}
		resp := SubmitResponse{
			EventID:        res.Event.ID,
			SequenceNumber: res.Event.SequenceNumber,
			Status:         string(res.Status),
			AppliedRules:   res.AppliedRules,
		}
		encoded, err := json.Marshal(resp)
		if err != nil {
			return StoredResponse{}, err
		}
		appended = res
		return StoredResponse{StatusCode: http.StatusCreated, Body: encoded}, nil
	})
	if err != nil {
		return nil, err
	}

	var resp SubmitResponse
	if err := json.Unmarshal(stored.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}

	if replayed {
		s.Logger.Info("[INGEST] idempotent replay",
			zap.String("run_id", runID),
			zap.String("player_id", ident.PlayerID),
			zap.Int64("sequence_number", resp.SequenceNumber),
		)
		return &SubmitOutcome{Response: resp, StatusCode: http.StatusOK, Replayed: true}, nil
	}

	s.Logger.Info("[INGEST] event accepted",
		zap.String("run_id", runID),
		zap.String("type", string(sub.Type)),
		zap.String("event_id", resp.EventID),
		zap.Int64("sequence_number", resp.SequenceNumber),
		zap.String("status", resp.Status),
		zap.Strings("applied_rules", resp.AppliedRules),
	)
	if appended != nil && s.Hub != nil {
		s.Hub.Publish(runID, EventMessage(appended.Event, appended.AppliedRules))
	}
	return &SubmitOutcome{Response: resp, StatusCode: stored.StatusCode}, nil
}

// EventMessage renders a committed event as a live frame.
func EventMessage(ev models.Event, appliedRules []string) broadcast.Message {
	return broadcast.Message{
		Type:           string(ev.Type),
		SequenceNumber: ev.SequenceNumber,
		Data: LiveEvent{
			Event:        ev,
			AppliedRules: appliedRules,
		},
		Timestamp: broadcast.Stamp(ev.CreatedAt),
	}
}

// LiveEvent is the data of a live event frame: the stored event plus the rules that fired.
type LiveEvent struct {
	models.Event
	AppliedRules []string `json:"applied_rules,omitempty"`
}

func (s *IngestService) apply(tx *gorm.DB, ident Identity, sub *Submission) (*Result, error) {
	eventID := uuid.NewString()
	payload, err := sub.payload()
	if err != nil {
		return nil, err
	}

	switch sub.Type {
	case models.EventEncounter:
		return s.Store.AppendEncounter(tx, EncounterInput{
			EventID:   eventID,
			RunID:     sub.RunID,
			PlayerID:  sub.PlayerID,
			RouteID:   sub.RouteID,
			SpeciesID: sub.SpeciesID,
			FamilyID:  sub.FamilyID,
			Level:     sub.Level,
			Shiny:     sub.Shiny,
			Method:    sub.Method,
			Rod:       sub.Rod,
			Time:      sub.Time,
			Payload:   payload,
		})
	case models.EventCatchResult:
		return s.Store.AppendCatchResult(tx, CatchInput{
			EventID:     eventID,
			RunID:       sub.RunID,
			PlayerID:    sub.PlayerID,
			EncounterID: sub.EncounterID,
			Result:      sub.Result,
			Admin:       ident.IsAdmin(),
			Time:        sub.Time,
			Payload:     payload,
		})
	case models.EventFaint:
		return s.Store.AppendFaint(tx, FaintInput{
			EventID:     eventID,
			RunID:       sub.RunID,
			PlayerID:    sub.PlayerID,
			EncounterID: sub.EncounterID,
			Admin:       ident.IsAdmin(),
			Time:        sub.Time,
			Payload:     payload,
		})
	case models.EventAdminOverride:
		return s.Store.AppendAdminOverride(tx, AdminInput{
			EventID:     eventID,
			RunID:       sub.RunID,
			PlayerID:    ident.PlayerID,
			Action:      sub.Action,
			FamilyID:    sub.FamilyID,
			EncounterID: sub.EncounterID,
			Status:      sub.Status,
			Time:        sub.Time,
			Payload:     payload,
		})
	}
	return nil, validationError("unknown event type %q", sub.Type)
}

// checkReferences verifies the run, player, route and species exist, and derives the
// encounter's family from its species.
func (s *IngestService) checkReferences(ctx context.Context, sub *Submission) error {
	db := s.DB.WithContext(ctx)

	if err := exists(db.Model(&models.Run{}).Where("id = ?", sub.RunID), "run", sub.RunID); err != nil {
		return err
	}
	if sub.Type != models.EventAdminOverride {
		if err := exists(db.Model(&models.Player{}).Where("id = ? AND run_id = ?", sub.PlayerID, sub.RunID), "player", sub.PlayerID); err != nil {
			return err
		}
	}
	if sub.Type != models.EventEncounter {
		return nil
	}

	if err := exists(db.Model(&models.Route{}).Where("id = ?", sub.RouteID), "route", fmt.Sprint(sub.RouteID)); err != nil {
		return err
	}
	var species models.Species
	err := db.Where("id = ?", sub.SpeciesID).First(&species).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundError("species %d not found", sub.SpeciesID)
	}
	if err != nil {
		return fmt.Errorf("failed to load species: %w", err)
	}
	if sub.FamilyID != 0 && sub.FamilyID != species.FamilyID {
		return validationError("family_id %d does not match species %d (family %d)", sub.FamilyID, sub.SpeciesID, species.FamilyID)
	}
	sub.FamilyID = species.FamilyID
	return nil
}

func exists(q *gorm.DB, kind, id string) error {
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return fmt.Errorf("failed to check %s: %w", kind, err)
	}
	if n == 0 {
		return notFoundError("%s %s not found", kind, id)
	}
	return nil
}

func decodeSubmission(body []byte) (*Submission, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, validationError("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var sub Submission
	if err := dec.Decode(&sub); err != nil {
		return nil, validationError("invalid request body: %v", err)
	}
	return &sub, nil
}

// Validate checks required and type-specific fields before any state is read.
func (sub *Submission) Validate() error {
	if !sub.Type.Valid() {
		return validationError("unknown event type %q", sub.Type)
	}
	if sub.PlayerID == "" {
		return validationError("player_id is required")
	}
	if sub.Time.IsZero() {
		return validationError("time is required")
	}

	switch sub.Type {
	case models.EventEncounter:
		if sub.RouteID <= 0 {
			return validationError("route_id is required")
		}
		if sub.SpeciesID <= 0 {
			return validationError("species_id is required")
		}
		if sub.Level < 1 || sub.Level > 100 {
			return validationError("level must be between 1 and 100")
		}
		switch sub.Method {
		case models.MethodGrass, models.MethodSurf, models.MethodHeadbutt, models.MethodRockSmash,
			models.MethodGift, models.MethodStatic:
			if sub.Rod != "" {
				return validationError("rod is only valid for method %q", models.MethodFish)
			}
		case models.MethodFish:
			switch sub.Rod {
			case models.RodOld, models.RodGood, models.RodSuper:
			case "":
				return validationError("method %q requires a rod", models.MethodFish)
			default:
				return validationError("unknown rod %q", sub.Rod)
			}
		default:
			return validationError("unknown method %q", sub.Method)
		}
	case models.EventCatchResult:
		if sub.EncounterID == "" {
			return validationError("encounter_id is required")
		}
		if sub.Result == "" {
			return validationError("result is required")
		}
	case models.EventFaint:
		if sub.EncounterID == "" {
			return validationError("encounter_id is required")
		}
	case models.EventAdminOverride:
		switch sub.Action {
		case ActionBlockFamily:
			if sub.FamilyID <= 0 {
				return validationError("family_id is required for %s", ActionBlockFamily)
			}
		case ActionSetStatus:
			if sub.EncounterID == "" {
				return validationError("encounter_id is required for %s", ActionSetStatus)
			}
			if !sub.Status.Valid() || sub.Status == models.StatusAdmin {
				return validationError("invalid status %q", sub.Status)
			}
		default:
			return validationError("unknown admin action %q", sub.Action)
		}
	}
	return nil
}

// payload is the event data stored with the event and carried on live frames.
func (sub *Submission) payload() ([]byte, error) {
	var data map[string]any
	switch sub.Type {
	case models.EventEncounter:
		data = map[string]any{
			"route_id":   sub.RouteID,
			"species_id": sub.SpeciesID,
			"family_id":  sub.FamilyID,
			"level":      sub.Level,
			"shiny":      sub.Shiny,
			"method":     sub.Method,
		}
		if sub.Rod != "" {
			data["rod"] = sub.Rod
		}
	case models.EventCatchResult:
		data = map[string]any{"encounter_id": sub.EncounterID, "result": strings.ToLower(sub.Result)}
	case models.EventFaint:
		data = map[string]any{"encounter_id": sub.EncounterID}
	case models.EventAdminOverride:
		data = map[string]any{"action": sub.Action, "acted_for": sub.PlayerID}
		if sub.FamilyID > 0 {
			data["family_id"] = sub.FamilyID
		}
		if sub.EncounterID != "" {
			data["encounter_id"] = sub.EncounterID
			data["status"] = sub.Status
		}
		if sub.Reason != "" {
			data["reason"] = sub.Reason
		}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return encoded, nil
}
