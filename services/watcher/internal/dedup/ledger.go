// Package dedup remembers which postings have been seen and notified so a
// posting is reported at most once across runs.
package dedup

import (
	"context"
	"time"

	"gigwatch/services/watcher/internal/models"
)

// Ledger is the persistent fingerprint table behind a Store.
type Ledger interface {
	// Lookup returns the records that exist among fps, keyed by fingerprint.
	Lookup(ctx context.Context, fps []string) (map[string]models.SeenRecord, error)
	// CreateIfAbsent records fp as first seen at the given time. It reports
	// false, leaving the record untouched, when fp already exists.
	CreateIfAbsent(ctx context.Context, fp string, at time.Time) (bool, error)
	// SetNotified stamps an existing record. A missing fp is a NotFound error.
	SetNotified(ctx context.Context, fp string, at time.Time) error
	Close() error
}
