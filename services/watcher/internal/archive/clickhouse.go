// Package archive keeps a ClickHouse history of runs and the postings each
// run handled.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

var namespace = uuid.MustParse("6f1c2b1e-5d0a-4f4e-9a3c-2f8e7d6b5a41")

// Execer is the part of clickhouse.Conn the archive writes through.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

type ClickHouseArchive struct {
	db     Execer
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewClickHouseArchive(conn clickhouse.Conn, logger *zap.Logger) *ClickHouseArchive {
	return NewArchive(conn, logger)
}

func NewArchive(db Execer, logger *zap.Logger) *ClickHouseArchive {
	return &ClickHouseArchive{
		db:     db,
		logger: logger,
		tracer: telemetry.GetTracer("gigwatch/archive"),
		now:    time.Now,
	}
}

// PostingID is stable per run and fingerprint, so re-archiving a run
// replaces rather than duplicates its rows.
func PostingID(runID, fingerprint string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(runID+":"+fingerprint))
}

func (a *ClickHouseArchive) StorePostings(ctx context.Context, runID string, outcomes []models.PostingOutcome) error {
	ctx, span := a.tracer.Start(ctx, "StorePostings")
	defer span.End()
	span.SetAttributes(telemetry.Int("postings.count", len(outcomes)))

	runUUID, err := uuid.Parse(runID)
	if err != nil {
		return errors.InvalidInput("run id is not a UUID", err)
	}

	query := `
		INSERT INTO job_postings (
			id, fingerprint, run_id, source, title, company, location,
			url, posted_at, raw_hash, matched, notified, created_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		)
	`

	createdAt := a.now().UTC()
	for _, o := range outcomes {
		p := o.Posting
		if err := a.db.Exec(ctx, query,
			PostingID(runID, p.Fingerprint()),
			p.Fingerprint(),
			runUUID,
			p.Source,
			p.Title,
			p.Company,
			p.Location,
			p.URL,
			p.PostedAt,
			p.RawHash,
			o.Matched,
			o.Notified,
			createdAt,
		); err != nil {
			span.RecordError(err)
			a.logger.Error("failed to archive posting",
				zap.String("fingerprint", p.Fingerprint()),
				zap.Error(err))
			return errors.Internal(fmt.Sprintf("insert job posting %s", p.Fingerprint()), err)
		}
	}

	return nil
}

func (a *ClickHouseArchive) RecordRun(ctx context.Context, result models.RunResult) error {
	ctx, span := a.tracer.Start(ctx, "RecordRun")
	defer span.End()

	runUUID, err := uuid.Parse(result.RunID)
	if err != nil {
		return errors.InvalidInput("run id is not a UUID", err)
	}

	messages := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		messages = append(messages, fmt.Sprintf("%s: %s", e.Stage, e.Message))
	}

	query := `
		INSERT INTO runs (
			run_id, status, started_at, finished_at, fetched_count,
			new_count, matched_count, notified_count, errors
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?
		)
	`

	if err := a.db.Exec(ctx, query,
		runUUID,
		string(result.Status),
		result.StartedAt,
		result.FinishedAt,
		uint32(result.FetchedCount),
		uint32(result.NewCount),
		uint32(result.MatchedCount),
		uint32(result.NotifiedCount),
		messages,
	); err != nil {
		span.RecordError(err)
		return errors.Internal("insert run", err)
	}

	return nil
}
