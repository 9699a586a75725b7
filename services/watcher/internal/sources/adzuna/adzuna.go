// Package adzuna searches the Adzuna jobs API.
package adzuna

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/sources"
)

const (
	SourceName = "adzuna"

	DefaultBaseURL = "https://api.adzuna.com/v1/api/jobs"
	pageSize       = 50
	maxPages       = 3
)

var tracer = telemetry.GetTracer("gigwatch/sources/adzuna")

type Options struct {
	BaseURL string
	AppID   string
	AppKey  string
	Country string
}

type Source struct {
	getter *sources.HTTPGetter
	opts   Options
	logger *zap.Logger
}

func New(getter *sources.HTTPGetter, opts Options, logger *zap.Logger) *Source {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Country == "" {
		opts.Country = "gb"
	}
	return &Source{
		getter: getter,
		opts:   opts,
		logger: logger.With(zap.String("source", SourceName)),
	}
}

func (s *Source) Name() string {
	return SourceName
}

type searchResponse struct {
	Results []result `json:"results"`
	Count   int      `json:"count"`
}

type result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Company     struct {
		DisplayName string `json:"display_name"`
	} `json:"company"`
	Location struct {
		DisplayName string `json:"display_name"`
	} `json:"location"`
	RedirectURL string `json:"redirect_url"`
	Created     string `json:"created"`
}

// Fetch pages through search results newest first until a short page or the
// page cap. Missing credentials skip the source with a warning. Postings from
// pages read before a failure are returned together with the error.
func (s *Source) Fetch(ctx context.Context, q sources.Query) ([]models.RawPosting, error) {
	if s.opts.AppID == "" || s.opts.AppKey == "" {
		s.logger.Warn("ADZUNA_APP_ID / ADZUNA_APP_KEY not set, skipping")
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "adzuna.Fetch")
	defer span.End()

	var raws []models.RawPosting
	for page := 1; page <= maxPages; page++ {
		batch, err := s.fetchPage(ctx, q, page)
		if err != nil {
			span.RecordError(err)
			s.logger.Warn("page fetch failed", zap.Int("page", page), zap.Error(err))
			return raws, err
		}
		raws = append(raws, batch...)
		if len(batch) < pageSize {
			break
		}
	}

	span.SetAttributes(telemetry.Int("postings.count", len(raws)))
	return raws, nil
}

func (s *Source) fetchPage(ctx context.Context, q sources.Query, page int) ([]models.RawPosting, error) {
	params := url.Values{}
	params.Set("app_id", s.opts.AppID)
	params.Set("app_key", s.opts.AppKey)
	params.Set("results_per_page", strconv.Itoa(pageSize))
	if q.Keywords != "" {
		params.Set("what", q.Keywords)
	}
	if q.Location != "" {
		params.Set("where", q.Location)
	}
	params.Set("content-type", "application/json")
	params.Set("sort_by", "date")

	reqURL := fmt.Sprintf("%s/%s/search/%d?%s", s.opts.BaseURL, s.opts.Country, page, params.Encode())

	var resp searchResponse
	if err := s.getter.GetJSON(ctx, reqURL, &resp); err != nil {
		return nil, err
	}

	raws := make([]models.RawPosting, 0, len(resp.Results))
	for _, r := range resp.Results {
		raw := models.RawPosting{
			Source:      SourceName,
			NativeID:    r.ID,
			Title:       r.Title,
			Company:     r.Company.DisplayName,
			Location:    r.Location.DisplayName,
			URL:         r.RedirectURL,
			Description: r.Description,
		}
		if created, err := time.Parse(time.RFC3339, r.Created); err == nil {
			created = created.UTC()
			raw.PostedAt = &created
		}
		raws = append(raws, raw)
	}
	return raws, nil
}
