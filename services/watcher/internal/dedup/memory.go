package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

// MemoryLedger keeps records for the life of the process.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]models.SeenRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]models.SeenRecord)}
}

func (l *MemoryLedger) Lookup(_ context.Context, fps []string) (map[string]models.SeenRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]models.SeenRecord)
	for _, fp := range fps {
		if rec, ok := l.records[fp]; ok {
			out[fp] = rec
		}
	}
	return out, nil
}

func (l *MemoryLedger) CreateIfAbsent(_ context.Context, fp string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[fp]; ok {
		return false, nil
	}
	l.records[fp] = models.SeenRecord{Fingerprint: fp, FirstSeenAt: at}
	return true, nil
}

func (l *MemoryLedger) SetNotified(_ context.Context, fp string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[fp]
	if !ok {
		return errors.NotFound(fmt.Sprintf("fingerprint %s not seen", fp), nil)
	}
	rec.LastNotifiedAt = &at
	l.records[fp] = rec
	return nil
}

func (l *MemoryLedger) Close() error {
	return nil
}
