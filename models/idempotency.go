// models/idempotency.go
package models

import "time"

// IdempotencyKey records the response produced for a (key, run, player) scope so retries
// return it instead of re-running the pipeline. RequestHash is the fingerprint of the
// original payload; reusing the key with a different fingerprint is a conflict.
type IdempotencyKey struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Key            string    `gorm:"column:idempotency_key;size:128;not null;uniqueIndex:ux_idempotency_scope,priority:1"`
	RunID          string    `gorm:"size:36;not null;uniqueIndex:ux_idempotency_scope,priority:2"`
	PlayerID       string    `gorm:"size:36;not null;uniqueIndex:ux_idempotency_scope,priority:3"`
	RequestHash    string    `gorm:"size:64;not null"`
	StoredResponse string    `gorm:"type:text;not null"`
	StatusCode     int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index"`
}
