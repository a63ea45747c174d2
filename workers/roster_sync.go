package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"soullink-events/logging"
	"soullink-events/models"
)

const rosterPath = "/api/v1/roster"

// RosterSnapshot is the roster service's answer to a since= query: every reference row
// changed after the watermark.
type RosterSnapshot struct {
	Runs    []models.Run     `json:"runs"`
	Players []models.Player  `json:"players"`
	Routes  []models.Route   `json:"routes"`
	Species []models.Species `json:"species"`
}

func (s RosterSnapshot) empty() bool {
	return len(s.Runs)+len(s.Players)+len(s.Routes)+len(s.Species) == 0
}

// RosterSyncWorker mirrors runs, players, routes and species from the roster service.
// The event pipeline only reads these tables.
type RosterSyncWorker struct {
	DB           *gorm.DB
	BaseURL      string
	ServiceToken string
	Interval     time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger

	since time.Time
}

func NewRosterSyncWorker(db *gorm.DB, baseURL, serviceToken string, interval time.Duration, logger *zap.Logger) *RosterSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RosterSyncWorker{
		DB:           db,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ServiceToken: serviceToken,
		Interval:     interval,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		Logger:       logging.OrNop(logger),
	}
}

// Start blocks, syncing once immediately and then every Interval, until ctx is done.
func (w *RosterSyncWorker) Start(ctx context.Context) {
	w.Logger.Info("[RosterSync] worker started", zap.Duration("interval", w.Interval))

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("[RosterSync] worker stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *RosterSyncWorker) runOnce(ctx context.Context) {
	n, err := w.SyncOnce(ctx)
	if err != nil {
		w.Logger.Error("[RosterSync] sync failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.Logger.Info("[RosterSync] synced roster", zap.Int("rows", n))
	}
}

// SyncOnce fetches rows changed since the last watermark and upserts them. It returns the
// number of rows written.
func (w *RosterSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	snap, err := w.fetch(ctx, w.since)
	if err != nil {
		return 0, err
	}
	if snap.empty() {
		return 0, nil
	}

	err = w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(snap.Runs) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
			}).Create(&snap.Runs).Error; err != nil {
				return fmt.Errorf("upsert runs: %w", err)
			}
		}
		if len(snap.Players) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"run_id", "display_name", "updated_at"}),
			}).Create(&snap.Players).Error; err != nil {
				return fmt.Errorf("upsert players: %w", err)
			}
		}
		if len(snap.Routes) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "region", "updated_at"}),
			}).Create(&snap.Routes).Error; err != nil {
				return fmt.Errorf("upsert routes: %w", err)
			}
		}
		if len(snap.Species) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "family_id", "updated_at"}),
			}).Create(&snap.Species).Error; err != nil {
				return fmt.Errorf("upsert species: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	w.advance(snap)
	return len(snap.Runs) + len(snap.Players) + len(snap.Routes) + len(snap.Species), nil
}

// advance moves the watermark to the newest updated_at the roster service reported.
func (w *RosterSyncWorker) advance(snap RosterSnapshot) {
	bump := func(t time.Time) {
		if t.After(w.since) {
			w.since = t
		}
	}
	for _, r := range snap.Runs {
		bump(r.UpdatedAt)
	}
	for _, p := range snap.Players {
		bump(p.UpdatedAt)
	}
	for _, r := range snap.Routes {
		bump(r.UpdatedAt)
	}
	for _, s := range snap.Species {
		bump(s.UpdatedAt)
	}
}

func (w *RosterSyncWorker) fetch(ctx context.Context, since time.Time) (RosterSnapshot, error) {
	u, err := url.Parse(w.BaseURL + rosterPath)
	if err != nil {
		return RosterSnapshot{}, fmt.Errorf("failed to parse roster URL: %w", err)
	}
	if !since.IsZero() {
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return RosterSnapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.ServiceToken)
	req.Header.Set("Accept", "application/json")

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return RosterSnapshot{}, fmt.Errorf("failed to fetch roster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return RosterSnapshot{}, fmt.Errorf("roster service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap RosterSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return RosterSnapshot{}, fmt.Errorf("failed to decode roster: %w", err)
	}
	return snap, nil
}
