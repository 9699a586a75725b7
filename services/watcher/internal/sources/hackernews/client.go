// Package hackernews reads postings from the monthly "Ask HN: Who is hiring?"
// thread.
package hackernews

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gigwatch/common/cache"
	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/sources"
)

const SourceName = "hackernews"

var tracer = telemetry.GetTracer("gigwatch/sources/hackernews")

type Options struct {
	APIBaseURL       string
	SearchAPIBaseURL string
	MaxComments      int
	Workers          int
	CacheTTL         time.Duration
}

type Source struct {
	getter *sources.HTTPGetter
	cache  cache.Cache
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

func New(getter *sources.HTTPGetter, c cache.Cache, opts Options, logger *zap.Logger) *Source {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	return &Source{
		getter: getter,
		cache:  c,
		logger: logger.With(zap.String("source", SourceName)),
		opts:   opts,
		now:    time.Now,
	}
}

func (s *Source) Name() string {
	return SourceName
}

// Fetch returns the top-level comments of the newest hiring thread. The
// query is not applied here; every comment is a candidate for matching.
func (s *Source) Fetch(ctx context.Context, _ sources.Query) ([]models.RawPosting, error) {
	ctx, span := tracer.Start(ctx, "hackernews.Fetch")
	defer span.End()

	thread, err := s.latestHiringThread(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ids := thread.Kids
	if s.opts.MaxComments > 0 && len(ids) > s.opts.MaxComments {
		ids = ids[:s.opts.MaxComments]
	}
	span.SetAttributes(telemetry.Int("comments.count", len(ids)))

	return s.fetchComments(ctx, ids)
}

// getItem reads one item, cache first.
func (s *Source) getItem(ctx context.Context, id int) (*Item, error) {
	ctx, span := tracer.Start(ctx, "hackernews.getItem")
	defer span.End()
	span.SetAttributes(telemetry.Int("hn.item.id", id))

	cacheKey := fmt.Sprintf("hn:item:%d", id)
	var cachedItem Item

	err := s.cache.Get(ctx, cacheKey, &cachedItem)
	if err == nil {
		span.SetAttributes(telemetry.String("cache.result", "hit"))
		return &cachedItem, nil
	} else if err != cache.ErrNotFound {
		span.SetAttributes(telemetry.String("cache.result", "error"))
		s.logger.Warn("cache error", zap.Error(err))
	} else {
		span.SetAttributes(telemetry.String("cache.result", "miss"))
	}

	itemURL := fmt.Sprintf("%s/item/%d.json", s.opts.APIBaseURL, id)
	var item Item
	if err := s.getter.GetJSON(ctx, itemURL, &item); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if item.ID == 0 {
		// the API answers unknown ids with a literal null
		return nil, errNotFound(id)
	}

	if err := s.cache.Set(ctx, cacheKey, item, s.opts.CacheTTL); err != nil {
		s.logger.Warn("failed to cache item", zap.Int("id", id), zap.Error(err))
	}

	return &item, nil
}
