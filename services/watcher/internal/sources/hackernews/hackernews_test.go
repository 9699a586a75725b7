package hackernews

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigwatch/common/cache"
	"gigwatch/common/cache/memory"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/retry"
	"gigwatch/services/watcher/internal/sources"
)

type fakeHN struct {
	items       map[int]any
	itemCalls   int32
	searchCalls int32
	failIDs     map[int]bool
}

func (f *fakeHN) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/search_by_date":
		atomic.AddInt32(&f.searchCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hits": []map[string]any{
				{"objectID": "100", "title": "Ask HN: Who wants to be hired?", "author": "whoishiring"},
				{"objectID": "200", "title": "Ask HN: Who is hiring? (March 2024)", "author": "whoishiring"},
			},
			"nbHits": 2,
		})
	case strings.HasPrefix(r.URL.Path, "/item/"):
		atomic.AddInt32(&f.itemCalls, 1)
		var id int
		_, _ = fmt.Sscanf(r.URL.Path, "/item/%d.json", &id)
		if f.failIDs[id] {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		item, ok := f.items[id]
		if !ok {
			_, _ = w.Write([]byte("null"))
			return
		}
		_ = json.NewEncoder(w).Encode(item)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newFakeHN() *fakeHN {
	return &fakeHN{
		items: map[int]any{
			100: map[string]any{"id": 100, "type": "story", "by": "whoishiring", "title": "Ask HN: Who wants to be hired?", "kids": []int{900}},
			200: map[string]any{"id": 200, "type": "story", "by": "whoishiring", "title": "Ask HN: Who is hiring? (March 2024)", "kids": []int{201, 202, 203, 204, 205}},
			201: map[string]any{"id": 201, "type": "comment", "time": 1709280000, "text": "Acme | Berlin | Backend Engineer"},
			202: map[string]any{"id": 202, "type": "comment", "deleted": true},
			// 203 is missing and answers null
			204: map[string]any{"id": 204, "type": "comment", "time": 1709283600, "text": "Globex | Remote | SRE"},
			205: map[string]any{"id": 205, "type": "comment", "dead": true, "text": "spam"},
		},
		failIDs: map[int]bool{},
	}
}

func newTestSource(t *testing.T, server *httptest.Server, maxComments int) (*Source, cache.Cache) {
	getter := sources.NewHTTPGetter(server.Client(), sources.HTTPGetterOptions{
		CallTimeout: 2 * time.Second,
		Policy:      retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, zaptest.NewLogger(t))
	c := memory.New(cache.Options{})
	t.Cleanup(func() { _ = c.Close() })

	s := New(getter, c, Options{
		APIBaseURL:       server.URL,
		SearchAPIBaseURL: server.URL,
		MaxComments:      maxComments,
		Workers:          3,
		CacheTTL:         time.Hour,
	}, zaptest.NewLogger(t))
	s.now = func() time.Time { return time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC) }
	return s, c
}

func TestFetchReadsLatestHiringThread(t *testing.T) {
	fake := newFakeHN()
	server := httptest.NewServer(fake)
	defer server.Close()

	s, _ := newTestSource(t, server, 0)
	raws, err := s.Fetch(context.Background(), sources.Query{})
	require.NoError(t, err)

	require.Len(t, raws, 2)
	assert.Equal(t, "201", raws[0].NativeID)
	assert.Equal(t, "204", raws[1].NativeID)
	assert.Equal(t, SourceName, raws[0].Source)
	assert.Equal(t, "https://news.ycombinator.com/item?id=201", raws[0].URL)
	assert.Equal(t, "Acme | Berlin | Backend Engineer", raws[0].Text)
	require.NotNil(t, raws[0].PostedAt)
	assert.Equal(t, time.Unix(1709280000, 0).UTC(), *raws[0].PostedAt)
}

func TestFetchUsesCacheOnSecondRun(t *testing.T) {
	fake := newFakeHN()
	server := httptest.NewServer(fake)
	defer server.Close()

	s, _ := newTestSource(t, server, 0)
	_, err := s.Fetch(context.Background(), sources.Query{})
	require.NoError(t, err)
	searches, items := atomic.LoadInt32(&fake.searchCalls), atomic.LoadInt32(&fake.itemCalls)

	raws, err := s.Fetch(context.Background(), sources.Query{})
	require.NoError(t, err)
	assert.Len(t, raws, 2)
	assert.Equal(t, searches, atomic.LoadInt32(&fake.searchCalls))
	// only the missing item is asked for again
	assert.Equal(t, items+1, atomic.LoadInt32(&fake.itemCalls))
}

func TestFetchCapsComments(t *testing.T) {
	server := httptest.NewServer(newFakeHN())
	defer server.Close()

	s, _ := newTestSource(t, server, 1)
	raws, err := s.Fetch(context.Background(), sources.Query{})
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, "201", raws[0].NativeID)
}

func TestFetchAllCommentsFailing(t *testing.T) {
	fake := newFakeHN()
	fake.failIDs[201] = true
	fake.failIDs[204] = true
	server := httptest.NewServer(fake)
	defer server.Close()

	s, _ := newTestSource(t, server, 0)
	raws, err := s.Fetch(context.Background(), sources.Query{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTypeSourceUnavailable))
	assert.Empty(t, raws)
}

func TestFetchWithoutHiringThread(t *testing.T) {
	fake := newFakeHN()
	delete(fake.items, 200)
	server := httptest.NewServer(fake)
	defer server.Close()

	s, _ := newTestSource(t, server, 0)
	_, err := s.Fetch(context.Background(), sources.Query{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTypeSourceMalformed))
}

func TestFetchCancelledContext(t *testing.T) {
	server := httptest.NewServer(newFakeHN())
	defer server.Close()

	s, _ := newTestSource(t, server, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Fetch(ctx, sources.Query{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTypeDeadlineExceeded))
}

func TestItemRemoved(t *testing.T) {
	assert.True(t, Item{Deleted: true, Text: "x"}.Removed())
	assert.True(t, Item{Dead: true, Text: "x"}.Removed())
	assert.True(t, Item{}.Removed())
	assert.False(t, Item{Text: "x"}.Removed())
}
