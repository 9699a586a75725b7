package dedup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

var tracer = telemetry.GetTracer("gigwatch/dedup")

type Store struct {
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(ledger Ledger, logger *zap.Logger) *Store {
	return &Store{
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// FilterNew returns the postings whose fingerprint has never been recorded,
// in input order. Repeated fingerprints within postings collapse to the
// first occurrence. It does not write.
func (s *Store) FilterNew(ctx context.Context, postings []models.Posting) ([]models.Posting, error) {
	ctx, span := tracer.Start(ctx, "dedup.FilterNew")
	defer span.End()

	if len(postings) == 0 {
		return nil, nil
	}

	fps := make([]string, 0, len(postings))
	for _, p := range postings {
		fps = append(fps, p.Fingerprint())
	}

	known, err := s.ledger.Lookup(ctx, fps)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Internal("looking up fingerprints", err)
	}

	fresh := make([]models.Posting, 0, len(postings))
	taken := make(map[string]struct{}, len(postings))
	for _, p := range postings {
		fp := p.Fingerprint()
		if _, ok := known[fp]; ok {
			continue
		}
		if _, ok := taken[fp]; ok {
			continue
		}
		taken[fp] = struct{}{}
		fresh = append(fresh, p)
	}

	span.SetAttributes(
		telemetry.Int("postings.in", len(postings)),
		telemetry.Int("postings.new", len(fresh)))
	s.logger.Debug("filtered postings",
		zap.Int("in", len(postings)),
		zap.Int("new", len(fresh)))

	return fresh, nil
}

// MarkSeen records fp. Marking an already seen fingerprint is a no-op.
func (s *Store) MarkSeen(ctx context.Context, fp string) error {
	if fp == "" {
		return errors.InvalidInput("empty fingerprint", nil)
	}
	if _, err := s.ledger.CreateIfAbsent(ctx, fp, s.now().UTC()); err != nil {
		return errors.Internal("marking fingerprint seen", err)
	}
	return nil
}

// MarkNotified stamps a seen fingerprint with the current time. An unseen
// fingerprint yields a NotFound error.
func (s *Store) MarkNotified(ctx context.Context, fp string) error {
	err := s.ledger.SetNotified(ctx, fp, s.now().UTC())
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrTypeNotFound) {
		return err
	}
	return errors.Internal("marking fingerprint notified", err)
}

// Lookup returns the record for fp, if any.
func (s *Store) Lookup(ctx context.Context, fp string) (models.SeenRecord, bool, error) {
	records, err := s.ledger.Lookup(ctx, []string{fp})
	if err != nil {
		return models.SeenRecord{}, false, errors.Internal("looking up fingerprint", err)
	}
	rec, ok := records[fp]
	return rec, ok, nil
}

func (s *Store) Close() error {
	return s.ledger.Close()
}
