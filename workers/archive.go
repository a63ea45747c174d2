package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"soullink-events/logging"
	"soullink-events/models"
	"soullink-events/services"
)

const ndjsonContentType = "application/x-ndjson"

// ObjectPutter is the slice of an object store the archiver needs. utils.R2Store satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Archiver copies each run's event log to object storage in NDJSON batches. Batches are
// contiguous by sequence number and never rewritten; a checkpoint per run records the last
// exported sequence.
type Archiver struct {
	DB      *gorm.DB
	Store   *services.EventStore
	Objects ObjectPutter
	Logger  *zap.Logger

	// BatchSize caps events per object.
	BatchSize int
}

func NewArchiver(db *gorm.DB, store *services.EventStore, objects ObjectPutter, logger *zap.Logger) *Archiver {
	return &Archiver{
		DB:        db,
		Store:     store,
		Objects:   objects,
		Logger:    logging.OrNop(logger),
		BatchSize: services.MaxCatchUpLimit,
	}
}

// ArchiveKey names the object holding events from..to of a run. Run names are slugged so
// keys stay readable; the ID keeps them unique.
func ArchiveKey(runName, runID string, from, to int64) string {
	prefix := slug.Make(runName)
	if prefix == "" {
		prefix = "run"
	}
	return fmt.Sprintf("runs/%s-%s/events-%010d-%010d.ndjson", prefix, runID, from, to)
}

// ArchiveAll exports every run whose head is past its checkpoint. It returns the number of
// objects written. A failing run is logged and skipped; the rest still archive.
func (a *Archiver) ArchiveAll(ctx context.Context) (int, error) {
	var heads []models.RunSequence
	if err := a.DB.WithContext(ctx).Find(&heads).Error; err != nil {
		return 0, fmt.Errorf("list run heads: %w", err)
	}

	written := 0
	for _, head := range heads {
		n, err := a.ArchiveRun(ctx, head.RunID)
		written += n
		if err != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			a.Logger.Error("[Archive] run failed", zap.String("run_id", head.RunID), zap.Error(err))
		}
	}
	return written, nil
}

// ArchiveRun exports one run until its checkpoint reaches the current head.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string) (int, error) {
	var cp models.ArchiveCheckpoint
	err := a.DB.WithContext(ctx).Where("run_id = ?", runID).Limit(1).Find(&cp).Error
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	name := a.runName(ctx, runID)
	written := 0
	for {
		events, err := a.Store.EventsSince(ctx, runID, cp.LastSeq, a.BatchSize)
		if err != nil {
			return written, err
		}
		if len(events) == 0 {
			return written, nil
		}

		from := events[0].SequenceNumber
		to := events[len(events)-1].SequenceNumber
		key := ArchiveKey(name, runID, from, to)

		body, err := encodeNDJSON(events)
		if err != nil {
			return written, err
		}
		if err := a.Objects.PutObject(ctx, key, body, ndjsonContentType); err != nil {
			return written, err
		}

		cp = models.ArchiveCheckpoint{RunID: runID, LastSeq: to, ObjectKey: key}
		if err := a.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seq", "object_key", "updated_at"}),
		}).Create(&cp).Error; err != nil {
			return written, fmt.Errorf("save checkpoint: %w", err)
		}

		written++
		a.Logger.Info("[Archive] uploaded batch",
			zap.String("run_id", runID),
			zap.String("key", key),
			zap.Int64("from", from),
			zap.Int64("to", to),
		)
	}
}

func (a *Archiver) runName(ctx context.Context, runID string) string {
	var run models.Run
	if err := a.DB.WithContext(ctx).Select("name").Where("id = ?", runID).Limit(1).Find(&run).Error; err != nil {
		return ""
	}
	return run.Name
}

func encodeNDJSON(events []models.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", events[i].SequenceNumber, err)
		}
	}
	return buf.Bytes(), nil
}
