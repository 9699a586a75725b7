package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

const (
	sqliteSchema = `
		CREATE TABLE IF NOT EXISTS seen_postings (
			fingerprint      TEXT PRIMARY KEY,
			first_seen_at    INTEGER NOT NULL,
			last_notified_at INTEGER
		)`

	// keeps IN lists under SQLite's bound-parameter limit
	sqliteLookupChunk = 500
)

// SQLiteLedger stores records in a local SQLite file. Times are unix
// milliseconds.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	l := NewSQLiteLedger(db)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

func (l *SQLiteLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating seen_postings table: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Lookup(ctx context.Context, fps []string) (map[string]models.SeenRecord, error) {
	out := make(map[string]models.SeenRecord)
	for start := 0; start < len(fps); start += sqliteLookupChunk {
		end := start + sqliteLookupChunk
		if end > len(fps) {
			end = len(fps)
		}
		if err := l.lookupChunk(ctx, fps[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *SQLiteLedger) lookupChunk(ctx context.Context, fps []string, out map[string]models.SeenRecord) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fps)), ",")
	args := make([]any, len(fps))
	for i, fp := range fps {
		args[i] = fp
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT fingerprint, first_seen_at, last_notified_at FROM seen_postings WHERE fingerprint IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("querying seen_postings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			fp       string
			firstMS  int64
			notified sql.NullInt64
		)
		if err := rows.Scan(&fp, &firstMS, &notified); err != nil {
			return fmt.Errorf("scanning seen_postings row: %w", err)
		}
		rec := models.SeenRecord{Fingerprint: fp, FirstSeenAt: time.UnixMilli(firstMS).UTC()}
		if notified.Valid {
			at := time.UnixMilli(notified.Int64).UTC()
			rec.LastNotifiedAt = &at
		}
		out[fp] = rec
	}
	return rows.Err()
}

func (l *SQLiteLedger) CreateIfAbsent(ctx context.Context, fp string, at time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO seen_postings (fingerprint, first_seen_at) VALUES (?, ?) ON CONFLICT(fingerprint) DO NOTHING`,
		fp, at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("inserting seen posting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *SQLiteLedger) SetNotified(ctx context.Context, fp string, at time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE seen_postings SET last_notified_at = ? WHERE fingerprint = ?`,
		at.UnixMilli(), fp)
	if err != nil {
		return fmt.Errorf("updating seen posting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NotFound(fmt.Sprintf("fingerprint %s not seen", fp), nil)
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
