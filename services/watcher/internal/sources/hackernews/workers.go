package hackernews

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

type commentStats struct {
	fetched int32
	skipped int32
	failed  int32
}

// fetchComments loads comment ids with a bounded worker pool. Results keep
// the thread's comment order. Individual failures are skipped; a deadline
// stops the fan-out and returns what was collected so far.
func (s *Source) fetchComments(ctx context.Context, ids []int) ([]models.RawPosting, error) {
	stats := &commentStats{}
	slots := make([]*Item, len(ids))

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		i, id := i, id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			item, err := s.getItem(ctx, id)
			if err != nil {
				if errors.Is(err, errors.ErrTypeNotFound) {
					atomic.AddInt32(&stats.skipped, 1)
					return nil
				}
				atomic.AddInt32(&stats.failed, 1)
				s.logger.Warn("failed to fetch comment", zap.Int("comment_id", id), zap.Error(err))
				return nil
			}
			if item.Removed() {
				atomic.AddInt32(&stats.skipped, 1)
				return nil
			}
			atomic.AddInt32(&stats.fetched, 1)
			slots[i] = item
			return nil
		})
	}
	_ = g.Wait()

	raws := make([]models.RawPosting, 0, len(ids))
	for _, item := range slots {
		if item != nil {
			raws = append(raws, item.ToRawPosting())
		}
	}

	s.logger.Info("completed fetching hiring thread comments",
		zap.Int("requested", len(ids)),
		zap.Int32("fetched", stats.fetched),
		zap.Int32("skipped", stats.skipped),
		zap.Int32("failed", stats.failed))

	if err := ctx.Err(); err != nil {
		return raws, errors.DeadlineExceeded("hiring thread fetch interrupted", err)
	}
	if stats.failed > 0 && stats.fetched == 0 {
		return raws, errors.SourceUnavailable(fmt.Sprintf("all %d comment fetches failed", stats.failed), nil)
	}
	return raws, nil
}

func errNotFound(id int) error {
	return errors.NotFound(fmt.Sprintf("item %d not found", id), nil)
}
