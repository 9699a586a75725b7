package dedup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

func posting(id string) models.Posting {
	return models.Posting{ID: id, Title: "Engineer " + id, URL: "https://example.com/" + id}
}

func ids(ps []models.Posting) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

type ledgerFactory func(t *testing.T) Ledger

func ledgers() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"memory": func(t *testing.T) Ledger { return NewMemoryLedger() },
		"sqlite": func(t *testing.T) Ledger {
			l, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "seen.db"))
			require.NoError(t, err)
			return l
		},
		"clickhouse": func(t *testing.T) Ledger {
			return NewClickHouseLedgerWithExecutor(&fakeSeenTable{})
		},
		// needs a disposable Redis database; it is flushed first
		"redis": func(t *testing.T) Ledger {
			addr := os.Getenv("GIGWATCH_TEST_REDIS_ADDR")
			if addr == "" {
				t.Skip("GIGWATCH_TEST_REDIS_ADDR not set")
			}
			client := redis.NewClient(&redis.Options{Addr: addr})
			require.NoError(t, client.FlushDB(context.Background()).Err())
			return NewRedisLedger(client)
		},
	}
}

func TestLedgerContract(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := factory(t)
			defer l.Close()

			at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

			got, err := l.Lookup(ctx, []string{"a", "b"})
			require.NoError(t, err)
			assert.Empty(t, got)

			created, err := l.CreateIfAbsent(ctx, "a", at)
			require.NoError(t, err)
			assert.True(t, created)

			created, err = l.CreateIfAbsent(ctx, "a", at.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, created)

			got, err = l.Lookup(ctx, []string{"a", "b"})
			require.NoError(t, err)
			require.Contains(t, got, "a")
			assert.NotContains(t, got, "b")
			assert.True(t, got["a"].FirstSeenAt.Equal(at))
			assert.False(t, got["a"].Notified())

			err = l.SetNotified(ctx, "b", at)
			assert.True(t, errors.Is(err, errors.ErrTypeNotFound))

			notifiedAt := at.Add(time.Minute)
			require.NoError(t, l.SetNotified(ctx, "a", notifiedAt))
			got, err = l.Lookup(ctx, []string{"a"})
			require.NoError(t, err)
			require.True(t, got["a"].Notified())
			assert.True(t, got["a"].LastNotifiedAt.Equal(notifiedAt))
			assert.True(t, got["a"].FirstSeenAt.Equal(at))
		})
	}
}

func TestSQLiteLookupManyFingerprints(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "seen.db"))
	require.NoError(t, err)
	defer l.Close()

	fps := make([]string, 1200)
	for i := range fps {
		fps[i] = fmt.Sprintf("fp-%04d", i)
		if i%3 == 0 {
			_, err := l.CreateIfAbsent(ctx, fps[i], time.Now())
			require.NoError(t, err)
		}
	}

	got, err := l.Lookup(ctx, fps)
	require.NoError(t, err)
	assert.Len(t, got, 400)
}

func TestSQLiteLedgerQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT fingerprint, first_seen_at, last_notified_at FROM seen_postings").
		WithArgs("a").
		WillReturnError(fmt.Errorf("disk I/O error"))

	store := NewStore(NewSQLiteLedger(db), zaptest.NewLogger(t))
	_, err = store.FilterNew(context.Background(), []models.Posting{posting("a")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTypeInternal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterNew(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryLedger(), zaptest.NewLogger(t))

	require.NoError(t, store.MarkSeen(ctx, "b"))

	in := []models.Posting{posting("c"), posting("a"), posting("b"), posting("c"), posting("d")}
	fresh, err := store.FilterNew(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "d"}, ids(fresh))

	// filtering does not record anything
	again, err := store.FilterNew(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ids(fresh), ids(again))

	empty, err := store.FilterNew(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFilterNewExcludesSeenButUnnotified(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryLedger(), zaptest.NewLogger(t))
	require.NoError(t, store.MarkSeen(ctx, "a"))

	fresh, err := store.FilterNew(ctx, []models.Posting{posting("a")})
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryLedger(), zaptest.NewLogger(t))

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }
	require.NoError(t, store.MarkSeen(ctx, "a"))

	store.now = func() time.Time { return first.Add(24 * time.Hour) }
	require.NoError(t, store.MarkSeen(ctx, "a"))

	rec, ok, err := store.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.FirstSeenAt.Equal(first))

	assert.True(t, errors.Is(store.MarkSeen(ctx, ""), errors.ErrTypeInvalidInput))
}

func TestMarkNotified(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryLedger(), zaptest.NewLogger(t))

	err := store.MarkNotified(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTypeNotFound))

	require.NoError(t, store.MarkSeen(ctx, "a"))
	require.NoError(t, store.MarkNotified(ctx, "a"))

	rec, ok, err := store.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Notified())
}

func TestParseRedisRecord(t *testing.T) {
	rec, err := parseRedisRecord("a", map[string]string{
		fieldFirstSeenAt:  "1709280000000",
		fieldLastNotified: "1709280060000",
	})
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1709280000000).UTC(), rec.FirstSeenAt)
	require.NotNil(t, rec.LastNotifiedAt)
	assert.Equal(t, time.UnixMilli(1709280060000).UTC(), *rec.LastNotifiedAt)

	rec, err = parseRedisRecord("b", map[string]string{fieldFirstSeenAt: "1709280000000"})
	require.NoError(t, err)
	assert.False(t, rec.Notified())

	_, err = parseRedisRecord("c", map[string]string{fieldFirstSeenAt: "yesterday"})
	assert.Error(t, err)

	assert.Equal(t, "gigwatch:seen:abc", redisKey("abc"))
}
