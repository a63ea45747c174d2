// services/idempotency.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"soullink-events/database"
	"soullink-events/logging"
	"soullink-events/models"
)

// Scope identifies one client submission for deduplication.
type Scope struct {
	Key         string
	RunID       string
	PlayerID    string
	RequestHash string
}

// StoredResponse is what the first successful computation answered, replayed verbatim on retry.
type StoredResponse struct {
	StatusCode int
	Body       json.RawMessage
}

// ComputeFunc performs the submission's writes on tx and returns the response to remember.
type ComputeFunc func(tx *gorm.DB) (StoredResponse, error)

var errKeyTaken = errors.New("idempotency key already recorded")

type IdempotencyGuard struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

func NewIdempotencyGuard(db *gorm.DB, logger *zap.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{DB: db, Logger: logging.OrNop(logger)}
}

// Resolve runs compute at most once per scope. The key record is inserted in the same
// transaction as compute's writes; the unique index on (key, run_id, player_id) decides
// between concurrent identical submissions, and the loser replays the winner's response.
func (g *IdempotencyGuard) Resolve(ctx context.Context, scope Scope, compute ComputeFunc) (StoredResponse, bool, error) {
	if resp, found, err := g.lookup(ctx, scope); err != nil || found {
		return resp, found, err
	}

	var resp StoredResponse
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := compute(tx)
		if err != nil {
			return err
		}

		record := models.IdempotencyKey{
			ID:             uuid.NewString(),
			Key:            scope.Key,
			RunID:          scope.RunID,
			PlayerID:       scope.PlayerID,
			RequestHash:    scope.RequestHash,
			StoredResponse: string(out.Body),
			StatusCode:     out.StatusCode,
		}
		if err := tx.Create(&record).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return errKeyTaken
			}
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}
		resp = out
		return nil
	})
	if err == nil {
		return resp, false, nil
	}
	if !errors.Is(err, errKeyTaken) {
		return StoredResponse{}, false, err
	}

	g.Logger.Info("[IDEMPOTENCY] concurrent submission lost the key race, replaying winner",
		zap.String("run_id", scope.RunID),
		zap.String("player_id", scope.PlayerID),
	)
	resp, found, err := g.lookup(ctx, scope)
	if err != nil {
		return StoredResponse{}, false, err
	}
	if !found {
		return StoredResponse{}, false, fmt.Errorf("idempotency record vanished after unique violation")
	}
	return resp, true, nil
}

// lookup returns the stored response for scope, or a conflict when the key was used
// for a different payload.
func (g *IdempotencyGuard) lookup(ctx context.Context, scope Scope) (StoredResponse, bool, error) {
	var record models.IdempotencyKey
	err := g.DB.WithContext(ctx).
		Where("idempotency_key = ? AND run_id = ? AND player_id = ?", scope.Key, scope.RunID, scope.PlayerID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredResponse{}, false, nil
	}
	if err != nil {
		return StoredResponse{}, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if record.RequestHash != scope.RequestHash {
		return StoredResponse{}, false, ErrIdempotencyConflict
	}
	return StoredResponse{StatusCode: record.StatusCode, Body: json.RawMessage(record.StoredResponse)}, true, nil
}

// Purge deletes records created before now-ttl and reports how many were removed.
func (g *IdempotencyGuard) Purge(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res := g.DB.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.IdempotencyKey{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", res.Error)
	}
	return res.RowsAffected, nil
}
