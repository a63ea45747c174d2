// services/event_store.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"soullink-events/logging"
	"soullink-events/models"
	"soullink-events/rules"
)

// FinalizeResult is the outcome of claiming first-encounter finalization for a route.
type FinalizeResult int

const (
	FinalizeWon FinalizeResult = iota + 1
	FinalizeLost
)

const (
	DefaultCatchUpLimit = 500
	MaxCatchUpLimit     = 1000
)

// Admin override actions.
const (
	ActionBlockFamily = "block_family"
	ActionSetStatus   = "set_status"
)

type EncounterInput struct {
	EventID   string
	RunID     string
	PlayerID  string
	RouteID   int
	SpeciesID int
	FamilyID  int
	Level     int
	Shiny     bool
	Method    string
	Rod       string
	Time      time.Time
	Payload   []byte
}

type CatchInput struct {
	EventID     string
	RunID       string
	PlayerID    string
	EncounterID string
	Result      string
	Admin       bool
	Time        time.Time
	Payload     []byte
}

type FaintInput struct {
	EventID     string
	RunID       string
	PlayerID    string
	EncounterID string
	Admin       bool
	Time        time.Time
	Payload     []byte
}

type AdminInput struct {
	EventID     string
	RunID       string
	PlayerID    string
	Action      string
	FamilyID    int
	EncounterID string
	Status      models.EncounterStatus
	Time        time.Time
	Payload     []byte
}

// Result is what one append wrote: the event row and the rules that fired.
type Result struct {
	Event        models.Event
	Status       models.EncounterStatus
	AppliedRules []string
}

// EventStore writes events and their rule side effects. Every Append method runs on the
// transaction it is handed and allocates the run's next sequence number inside it, so an
// aborted transaction leaves neither the event nor the number behind.
type EventStore struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

func NewEventStore(db *gorm.DB, logger *zap.Logger) *EventStore {
	return &EventStore{DB: db, Logger: logging.OrNop(logger)}
}

// AppendEncounter evaluates the rules against a snapshot read on tx, claims the route when
// the encounter is a first encounter, and writes the Encounter and its Event.
//
// The sequence number is allocated first: it locks the run's counter row, and every writer
// that blocks a family takes the same lock before inserting into the blocklist. The snapshot
// read after it therefore sees every block committed ahead of this event.
func (s *EventStore) AppendEncounter(tx *gorm.DB, in EncounterInput) (*Result, error) {
	seq, err := s.nextSequence(tx, in.RunID)
	if err != nil {
		return nil, err
	}

	var blocklist []models.BlocklistEntry
	if err := tx.Where("run_id = ?", in.RunID).Find(&blocklist).Error; err != nil {
		return nil, fmt.Errorf("failed to read blocklist: %w", err)
	}
	var prior []models.Encounter
	if err := tx.Where("run_id = ? AND route_id = ? AND family_id = ?", in.RunID, in.RouteID, in.FamilyID).
		Find(&prior).Error; err != nil {
		return nil, fmt.Errorf("failed to read prior encounters: %w", err)
	}

	decision := rules.DetermineStatus(blocklist, prior, in.RouteID, in.FamilyID)
	status := decision.Status
	applied := []string{}
	if decision.Reason != "" {
		applied = append(applied, decision.Reason)
	}

	finalized := false
	if status == models.StatusFirstEncounter {
		// The blocklist may have grown since the snapshot.
		var current []models.BlocklistEntry
		if err := tx.Where("run_id = ? AND family_id = ?", in.RunID, in.FamilyID).Find(&current).Error; err != nil {
			return nil, fmt.Errorf("failed to re-read blocklist: %w", err)
		}
		if !rules.CanFinalizeFirstEncounter(in.FamilyID, current) {
			status = models.StatusDupeSkip
			applied = append(applied, rules.RuleFamilyBlocked)
		} else {
			outcome, err := s.claimRoute(tx, in.RunID, in.RouteID, in.EventID, in.Time)
			if err != nil {
				return nil, err
			}
			switch outcome {
			case FinalizeWon:
				finalized = true
				applied = append(applied, rules.RuleFirstEncounterFinalized)
			case FinalizeLost:
				status = models.StatusDupeSkip
				applied = append(applied, rules.RuleFinalizationRaceLost)
			}
		}
	}

	encounter := models.Encounter{
		ID:             in.EventID,
		RunID:          in.RunID,
		PlayerID:       in.PlayerID,
		RouteID:        in.RouteID,
		FamilyID:       in.FamilyID,
		SpeciesID:      in.SpeciesID,
		Level:          in.Level,
		Shiny:          in.Shiny,
		Method:         in.Method,
		Rod:            in.Rod,
		Time:           in.Time,
		Status:         status,
		FEFinalized:    finalized,
		SequenceNumber: seq,
	}
	if err := tx.Create(&encounter).Error; err != nil {
		return nil, fmt.Errorf("failed to create encounter: %w", err)
	}

	event, err := s.writeEvent(tx, in.EventID, in.RunID, seq, models.EventEncounter, in.PlayerID, &encounter.ID, status, in.Time, in.Payload)
	if err != nil {
		return nil, err
	}
	return &Result{Event: *event, Status: status, AppliedRules: applied}, nil
}

// AppendCatchResult records the outcome of an encounter. A caught outcome blocks the family
// for the rest of the run and may complete the route's link.
func (s *EventStore) AppendCatchResult(tx *gorm.DB, in CatchInput) (*Result, error) {
	encounter, err := s.loadEncounter(tx, in.RunID, in.EncounterID, in.PlayerID, in.Admin)
	if err != nil {
		return nil, err
	}
	status, err := rules.OutcomeStatus(in.Result)
	if err != nil {
		return nil, validationError("%v", err)
	}

	seq, err := s.nextSequence(tx, in.RunID)
	if err != nil {
		return nil, err
	}

	applied := []string{}
	if rules.BlocksFamily(status) {
		added, err := s.blockFamily(tx, in.RunID, encounter.FamilyID, models.BlockOriginCaught, in.EventID)
		if err != nil {
			return nil, err
		}
		if added {
			applied = append(applied, rules.RuleFamilyBlockedAdded)
		}
	}

	event, err := s.writeEvent(tx, in.EventID, in.RunID, seq, models.EventCatchResult, in.PlayerID, &encounter.ID, status, in.Time, in.Payload)
	if err != nil {
		return nil, err
	}

	if status == models.StatusCaught {
		created, err := s.maybeCreateLink(tx, in.RunID, encounter.RouteID)
		if err != nil {
			return nil, err
		}
		if created {
			applied = append(applied, rules.RuleLinkCreated)
		}
	}
	return &Result{Event: *event, Status: status, AppliedRules: applied}, nil
}

// AppendFaint records a KO. Any alive link the encounter belongs to dies with it.
func (s *EventStore) AppendFaint(tx *gorm.DB, in FaintInput) (*Result, error) {
	encounter, err := s.loadEncounter(tx, in.RunID, in.EncounterID, in.PlayerID, in.Admin)
	if err != nil {
		return nil, err
	}

	seq, err := s.nextSequence(tx, in.RunID)
	if err != nil {
		return nil, err
	}

	applied := []string{}
	var linkIDs []string
	if err := tx.Model(&models.LinkMember{}).Where("encounter_id = ?", encounter.ID).
		Pluck("link_id", &linkIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to read link membership: %w", err)
	}
	if len(linkIDs) > 0 {
		res := tx.Model(&models.Link{}).
			Where("id IN ? AND status = ?", linkIDs, models.LinkAlive).
			Update("status", models.LinkDead)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to mark link dead: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			applied = append(applied, rules.RuleLinkDead)
		}
	}

	event, err := s.writeEvent(tx, in.EventID, in.RunID, seq, models.EventFaint, in.PlayerID, &encounter.ID, models.StatusKO, in.Time, in.Payload)
	if err != nil {
		return nil, err
	}
	return &Result{Event: *event, Status: models.StatusKO, AppliedRules: applied}, nil
}

// AppendAdminOverride applies an operator correction. Callers check the admin role.
func (s *EventStore) AppendAdminOverride(tx *gorm.DB, in AdminInput) (*Result, error) {
	switch in.Action {
	case ActionBlockFamily:
		if in.FamilyID <= 0 {
			return nil, validationError("family_id is required for %s", ActionBlockFamily)
		}
		seq, err := s.nextSequence(tx, in.RunID)
		if err != nil {
			return nil, err
		}
		applied := []string{rules.RuleAdminBlockFamily}
		added, err := s.blockFamily(tx, in.RunID, in.FamilyID, models.BlockOriginAdmin, in.EventID)
		if err != nil {
			return nil, err
		}
		if added {
			applied = append(applied, rules.RuleFamilyBlockedAdded)
		}
		event, err := s.writeEvent(tx, in.EventID, in.RunID, seq, models.EventAdminOverride, in.PlayerID, nil, models.StatusAdmin, in.Time, in.Payload)
		if err != nil {
			return nil, err
		}
		return &Result{Event: *event, Status: models.StatusAdmin, AppliedRules: applied}, nil

	case ActionSetStatus:
		encounter, err := s.loadEncounter(tx, in.RunID, in.EncounterID, in.PlayerID, true)
		if err != nil {
			return nil, err
		}
		if !in.Status.Valid() || in.Status == models.StatusAdmin {
			return nil, validationError("invalid status %q", in.Status)
		}
		seq, err := s.nextSequence(tx, in.RunID)
		if err != nil {
			return nil, err
		}
		applied := []string{rules.RuleAdminSetStatus}
		if rules.BlocksFamily(in.Status) {
			added, err := s.blockFamily(tx, in.RunID, encounter.FamilyID, models.BlockOriginAdmin, in.EventID)
			if err != nil {
				return nil, err
			}
			if added {
				applied = append(applied, rules.RuleFamilyBlockedAdded)
			}
		}
		event, err := s.writeEvent(tx, in.EventID, in.RunID, seq, models.EventAdminOverride, in.PlayerID, &encounter.ID, in.Status, in.Time, in.Payload)
		if err != nil {
			return nil, err
		}
		return &Result{Event: *event, Status: in.Status, AppliedRules: applied}, nil
	}
	return nil, validationError("unknown admin action %q", in.Action)
}

// EventsSince returns the run's events with sequence_number > sinceSeq in ascending order.
func (s *EventStore) EventsSince(ctx context.Context, runID string, sinceSeq int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = DefaultCatchUpLimit
	}
	if limit > MaxCatchUpLimit {
		limit = MaxCatchUpLimit
	}
	events := []models.Event{}
	err := s.DB.WithContext(ctx).
		Where("run_id = ? AND sequence_number > ?", runID, sinceSeq).
		Order("sequence_number ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// RunExists reports whether the run is known to the reference mirror.
func (s *EventStore) RunExists(ctx context.Context, runID string) (bool, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&models.Run{}).Where("id = ?", runID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check run: %w", err)
	}
	return n > 0, nil
}

// LastSequence is the highest sequence number committed for the run, 0 when none.
func (s *EventStore) LastSequence(ctx context.Context, runID string) (int64, error) {
	var counter models.RunSequence
	err := s.DB.WithContext(ctx).Where("run_id = ?", runID).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read run sequence: %w", err)
	}
	return counter.LastSeq, nil
}

// claimRoute inserts the route's progress row. The primary key admits one winner per
// (run, route); a conflicting insert affects no rows and reports FinalizeLost.
func (s *EventStore) claimRoute(tx *gorm.DB, runID string, routeID int, encounterID string, at time.Time) (FinalizeResult, error) {
	progress := models.RouteProgress{
		RunID:       runID,
		RouteID:     routeID,
		EncounterID: encounterID,
		FEFinalized: true,
		FinalizedAt: at,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&progress)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to claim route %d: %w", routeID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.Logger.Info("[INGEST] finalization race lost",
			zap.String("run_id", runID),
			zap.Int("route_id", routeID),
			zap.String("encounter_id", encounterID),
		)
		return FinalizeLost, nil
	}
	return FinalizeWon, nil
}

// nextSequence advances the run counter. The UPDATE holds the counter row until commit,
// which orders concurrent writers within a run and leaves other runs untouched.
func (s *EventStore) nextSequence(tx *gorm.DB, runID string) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.RunSequence{RunID: runID}).Error; err != nil {
		return 0, fmt.Errorf("failed to init run sequence: %w", err)
	}
	var seq int64
	if err := tx.Raw("UPDATE run_sequences SET last_seq = last_seq + 1 WHERE run_id = ? RETURNING last_seq", runID).
		Scan(&seq).Error; err != nil {
		return 0, fmt.Errorf("failed to allocate sequence number: %w", err)
	}
	if seq == 0 {
		return 0, fmt.Errorf("sequence allocation returned nothing for run %s", runID)
	}
	return seq, nil
}

func (s *EventStore) writeEvent(tx *gorm.DB, id, runID string, seq int64, typ models.EventType, playerID string,
	encounterID *string, status models.EncounterStatus, at time.Time, payload []byte) (*models.Event, error) {
	event := models.Event{
		ID:             id,
		RunID:          runID,
		SequenceNumber: seq,
		Type:           typ,
		PlayerID:       playerID,
		EncounterID:    encounterID,
		Status:         status,
		Payload:        datatypes.JSON(payload),
		OccurredAt:     at,
	}
	if err := tx.Create(&event).Error; err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	return &event, nil
}

func (s *EventStore) loadEncounter(tx *gorm.DB, runID, encounterID, playerID string, admin bool) (*models.Encounter, error) {
	var encounter models.Encounter
	err := tx.Where("id = ? AND run_id = ?", encounterID, runID).First(&encounter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError("encounter %s not found in run", encounterID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load encounter: %w", err)
	}
	if !admin && encounter.PlayerID != playerID {
		return nil, forbiddenError("encounter %s belongs to another player", encounterID)
	}
	return &encounter, nil
}

// blockFamily appends a blocklist entry and reports whether it is new.
func (s *EventStore) blockFamily(tx *gorm.DB, runID string, familyID int, origin models.BlockOrigin, eventID string) (bool, error) {
	entry := models.BlocklistEntry{RunID: runID, FamilyID: familyID, Origin: origin, EventID: eventID}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("failed to block family %d: %w", familyID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// maybeCreateLink links the route once every player of the run holds a caught encounter
// on it. An encounter's current outcome is the status of its latest event.
func (s *EventStore) maybeCreateLink(tx *gorm.DB, runID string, routeID int) (bool, error) {
	var existing int64
	if err := tx.Model(&models.Link{}).Where("run_id = ? AND route_id = ?", runID, routeID).
		Count(&existing).Error; err != nil {
		return false, fmt.Errorf("failed to read links: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	var encounters []models.Encounter
	if err := tx.Where("run_id = ? AND route_id = ?", runID, routeID).
		Order("sequence_number ASC").Find(&encounters).Error; err != nil {
		return false, fmt.Errorf("failed to read route encounters: %w", err)
	}
	if len(encounters) == 0 {
		return false, nil
	}
	ids := make([]string, 0, len(encounters))
	for _, enc := range encounters {
		ids = append(ids, enc.ID)
	}

	var history []models.Event
	if err := tx.Where("run_id = ? AND encounter_id IN ?", runID, ids).
		Order("sequence_number ASC").Find(&history).Error; err != nil {
		return false, fmt.Errorf("failed to read encounter history: %w", err)
	}
	latest := make(map[string]models.EncounterStatus, len(ids))
	for _, ev := range history {
		latest[*ev.EncounterID] = ev.Status
	}

	// One caught encounter per player, earliest first.
	var caught []models.Encounter
	seen := map[string]bool{}
	for _, enc := range encounters {
		if latest[enc.ID] != models.StatusCaught || seen[enc.PlayerID] {
			continue
		}
		seen[enc.PlayerID] = true
		caught = append(caught, enc)
	}

	var playerCount int64
	if err := tx.Model(&models.Player{}).Where("run_id = ?", runID).Count(&playerCount).Error; err != nil {
		return false, fmt.Errorf("failed to count players: %w", err)
	}
	if !rules.ShouldCreateLink(caught, int(playerCount)) {
		return false, nil
	}

	link := models.Link{ID: uuid.NewString(), RunID: runID, RouteID: routeID, Status: models.LinkAlive}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	members := rules.CreateSoulLinkMembers(link.ID, caught)
	if err := tx.Create(&members).Error; err != nil {
		return false, fmt.Errorf("failed to create link members: %w", err)
	}
	return true, nil
}
