package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

const (
	redisKeyPrefix    = "gigwatch:seen:"
	fieldFirstSeenAt  = "first_seen_at"
	fieldLastNotified = "last_notified_at"
)

// setNotifiedScript only stamps hashes that already exist.
var setNotifiedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisLedger keeps one hash per fingerprint. Records never expire.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func redisKey(fp string) string {
	return redisKeyPrefix + fp
}

func (l *RedisLedger) Lookup(ctx context.Context, fps []string) (map[string]models.SeenRecord, error) {
	pipe := l.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(fps))
	for i, fp := range fps {
		cmds[i] = pipe.HGetAll(ctx, redisKey(fp))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("looking up fingerprints: %w", err)
	}

	out := make(map[string]models.SeenRecord)
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("reading fingerprint %s: %w", fps[i], err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRedisRecord(fps[i], fields)
		if err != nil {
			return nil, err
		}
		out[fps[i]] = rec
	}
	return out, nil
}

func parseRedisRecord(fp string, fields map[string]string) (models.SeenRecord, error) {
	first, err := strconv.ParseInt(fields[fieldFirstSeenAt], 10, 64)
	if err != nil {
		return models.SeenRecord{}, fmt.Errorf("fingerprint %s: bad %s: %w", fp, fieldFirstSeenAt, err)
	}
	rec := models.SeenRecord{Fingerprint: fp, FirstSeenAt: time.UnixMilli(first).UTC()}
	if raw, ok := fields[fieldLastNotified]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.SeenRecord{}, fmt.Errorf("fingerprint %s: bad %s: %w", fp, fieldLastNotified, err)
		}
		at := time.UnixMilli(ms).UTC()
		rec.LastNotifiedAt = &at
	}
	return rec, nil
}

func (l *RedisLedger) CreateIfAbsent(ctx context.Context, fp string, at time.Time) (bool, error) {
	created, err := l.client.HSetNX(ctx, redisKey(fp), fieldFirstSeenAt, at.UnixMilli()).Result()
	if err != nil {
		return false, fmt.Errorf("recording fingerprint: %w", err)
	}
	return created, nil
}

func (l *RedisLedger) SetNotified(ctx context.Context, fp string, at time.Time) error {
	n, err := setNotifiedScript.Run(ctx, l.client, []string{redisKey(fp)}, fieldLastNotified, at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("stamping fingerprint: %w", err)
	}
	if n == 0 {
		return errors.NotFound(fmt.Sprintf("fingerprint %s not seen", fp), nil)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
