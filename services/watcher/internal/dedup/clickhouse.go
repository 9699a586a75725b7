package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"gigwatch/common/database/schema"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

// ClickHouseLedger stores records in the seen_postings ReplacingMergeTree.
// Updates are versioned inserts read back with FINAL. Check-then-insert is
// not atomic, so a ClickHouse ledger must have a single writer; the run
// orchestrator guarantees that within one process.
type ClickHouseLedger struct {
	db    schema.Executor
	close func() error
	now   func() time.Time
}

// NewClickHouseLedger wraps conn. closeConn is false when the connection is
// shared with the archive.
func NewClickHouseLedger(conn clickhouse.Conn, closeConn bool) *ClickHouseLedger {
	l := NewClickHouseLedgerWithExecutor(schema.ConnExecutor(conn))
	if closeConn {
		l.close = conn.Close
	}
	return l
}

func NewClickHouseLedgerWithExecutor(db schema.Executor) *ClickHouseLedger {
	return &ClickHouseLedger{
		db:    db,
		close: func() error { return nil },
		now:   time.Now,
	}
}

func (l *ClickHouseLedger) Lookup(ctx context.Context, fps []string) (map[string]models.SeenRecord, error) {
	out := make(map[string]models.SeenRecord)
	if len(fps) == 0 {
		return out, nil
	}

	rows, err := l.db.Query(ctx, `
		SELECT fingerprint, first_seen_at, last_notified_at
		FROM seen_postings FINAL
		WHERE fingerprint IN (?)
	`, fps)
	if err != nil {
		return nil, fmt.Errorf("querying seen_postings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			fp       string
			first    time.Time
			notified *time.Time
		)
		if err := rows.Scan(&fp, &first, &notified); err != nil {
			return nil, fmt.Errorf("scanning seen_postings row: %w", err)
		}
		rec := models.SeenRecord{Fingerprint: fp, FirstSeenAt: first.UTC()}
		if notified != nil {
			at := notified.UTC()
			rec.LastNotifiedAt = &at
		}
		out[fp] = rec
	}
	return out, rows.Err()
}

func (l *ClickHouseLedger) CreateIfAbsent(ctx context.Context, fp string, at time.Time) (bool, error) {
	existing, err := l.Lookup(ctx, []string{fp})
	if err != nil {
		return false, err
	}
	if _, ok := existing[fp]; ok {
		return false, nil
	}
	if err := l.insert(ctx, models.SeenRecord{Fingerprint: fp, FirstSeenAt: at}); err != nil {
		return false, err
	}
	return true, nil
}

func (l *ClickHouseLedger) SetNotified(ctx context.Context, fp string, at time.Time) error {
	existing, err := l.Lookup(ctx, []string{fp})
	if err != nil {
		return err
	}
	rec, ok := existing[fp]
	if !ok {
		return errors.NotFound(fmt.Sprintf("fingerprint %s not seen", fp), nil)
	}
	rec.LastNotifiedAt = &at
	return l.insert(ctx, rec)
}

func (l *ClickHouseLedger) insert(ctx context.Context, rec models.SeenRecord) error {
	err := l.db.Exec(ctx, `
		INSERT INTO seen_postings (fingerprint, first_seen_at, last_notified_at, version)
		VALUES (?, ?, ?, ?)
	`, rec.Fingerprint, rec.FirstSeenAt, rec.LastNotifiedAt, uint64(l.now().UnixNano()))
	if err != nil {
		return fmt.Errorf("inserting seen posting: %w", err)
	}
	return nil
}

func (l *ClickHouseLedger) Close() error {
	return l.close()
}
