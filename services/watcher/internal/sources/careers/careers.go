// Package careers scrapes listings straight off company careers pages.
package careers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/retry"
	"gigwatch/services/watcher/internal/sources"
)

const SourceName = "careers"

var tracer = telemetry.GetTracer("gigwatch/sources/careers")

type Source struct {
	pages       []Page
	callTimeout time.Duration
	userAgent   string
	logger      *zap.Logger
}

func New(pages []Page, callTimeout time.Duration, logger *zap.Logger) *Source {
	return &Source{
		pages:       pages,
		callTimeout: callTimeout,
		userAgent:   "gigwatch/1.0",
		logger:      logger.With(zap.String("source", SourceName)),
	}
}

func (s *Source) Name() string {
	return SourceName
}

// Fetch visits every configured page in order. A failed page does not stop
// the others; the first failure is returned alongside whatever was read.
func (s *Source) Fetch(ctx context.Context, _ sources.Query) ([]models.RawPosting, error) {
	ctx, span := tracer.Start(ctx, "careers.Fetch")
	defer span.End()

	var (
		raws     []models.RawPosting
		firstErr error
		failed   int
	)
	for _, page := range s.pages {
		if err := ctx.Err(); err != nil {
			return raws, errors.DeadlineExceeded("careers scrape interrupted", err)
		}
		items, err := s.scrapePage(ctx, page)
		if err != nil {
			failed++
			s.logger.Warn("careers page failed",
				zap.String("company", page.Company),
				zap.String("url", page.URL),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		raws = append(raws, items...)
	}

	span.SetAttributes(
		telemetry.Int("postings.count", len(raws)),
		telemetry.Int("pages.failed", failed))

	if firstErr != nil {
		return raws, firstErr
	}
	return raws, nil
}

func (s *Source) scrapePage(ctx context.Context, page Page) ([]models.RawPosting, error) {
	c := colly.NewCollector(colly.UserAgent(s.userAgent))
	c.SetRequestTimeout(retry.CallTimeout(ctx, s.callTimeout))

	var items []models.RawPosting
	seen := map[string]struct{}{}

	c.OnHTML(page.ItemSelector, func(e *colly.HTMLElement) {
		href := strings.TrimSpace(e.ChildAttr(page.LinkSelector, "href"))
		if href == "" {
			href = strings.TrimSpace(e.Attr("href"))
		}
		if href == "" {
			return
		}
		link := e.Request.AbsoluteURL(href)
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}

		title := e.Text
		if page.TitleSelector != "" {
			title = e.ChildText(page.TitleSelector)
		}
		var location string
		if page.LocationSelector != "" {
			location = e.ChildText(page.LocationSelector)
		}

		items = append(items, models.RawPosting{
			Source:   SourceName,
			Title:    strings.TrimSpace(title),
			Company:  page.Company,
			Location: location,
			URL:      link,
		})
	})

	var status int
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(page.URL); err != nil {
		if ctx.Err() != nil {
			return nil, errors.DeadlineExceeded("careers page interrupted", ctx.Err())
		}
		if status != 0 {
			if classified := sources.ClassifyStatus(status); classified != nil {
				return nil, classified
			}
		}
		return nil, errors.SourceUnavailable(fmt.Sprintf("visiting %s", page.URL), err)
	}
	c.Wait()

	return items, nil
}
