package hackernews

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gigwatch/common/cache"
	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/errors"
)

const (
	hiringAuthor   = "whoishiring"
	hiringQuery    = "Ask HN: Who is hiring?"
	searchLookback = 45 * 24 * time.Hour
)

func isHiringThread(item *Item) bool {
	title := strings.ToLower(item.Title)
	return strings.Contains(title, "who is hiring?") && item.By == hiringAuthor
}

// latestHiringThread finds the newest "Who is hiring?" story.
func (s *Source) latestHiringThread(ctx context.Context) (*Item, error) {
	ctx, span := tracer.Start(ctx, "hackernews.latestHiringThread")
	defer span.End()

	ids, err := s.searchHiringThreads(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(telemetry.Int("stories.count", len(ids)))

	for _, id := range ids {
		item, err := s.getItem(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrTypeNotFound) {
				continue
			}
			return nil, err
		}
		if isHiringThread(item) {
			s.logger.Info("found hiring thread",
				zap.Int("id", item.ID),
				zap.String("title", item.Title),
				zap.Int("comments_count", len(item.Kids)))
			return item, nil
		}
	}

	return nil, errors.SourceMalformed("no hiring thread in search results", nil)
}

// searchHiringThreads returns candidate story ids, newest first. Results are
// cached per day.
func (s *Source) searchHiringThreads(ctx context.Context) (IntSlice, error) {
	now := s.now()
	cacheKey := fmt.Sprintf("hn:search:hiring:%s", now.UTC().Format("2006-01-02"))

	var cachedIDs IntSlice
	err := s.cache.Get(ctx, cacheKey, &cachedIDs)
	if err == nil {
		s.logger.Debug("cache hit for hiring threads search")
		return cachedIDs, nil
	} else if err != cache.ErrNotFound {
		s.logger.Warn("cache error for hiring threads search", zap.Error(err))
	}

	params := url.Values{}
	params.Set("tags", "story,author_"+hiringAuthor)
	params.Set("query", hiringQuery)
	params.Set("numericFilters", "created_at_i>"+strconv.FormatInt(now.Add(-searchLookback).Unix(), 10))
	searchURL := fmt.Sprintf("%s/search_by_date?%s", s.opts.SearchAPIBaseURL, params.Encode())

	var result searchResult
	if err := s.getter.GetJSON(ctx, searchURL, &result); err != nil {
		return nil, err
	}

	ids := make(IntSlice, 0, len(result.Hits))
	for _, hit := range result.Hits {
		id, err := strconv.Atoi(hit.ObjectID)
		if err != nil {
			s.logger.Warn("invalid story ID",
				zap.String("id", hit.ObjectID),
				zap.String("title", hit.Title))
			continue
		}
		ids = append(ids, id)
	}

	if err := s.cache.Set(ctx, cacheKey, ids, s.opts.CacheTTL); err != nil {
		s.logger.Warn("failed to cache hiring threads search results", zap.Error(err))
	}

	return ids, nil
}
