package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/retry"
)

func testGetter(t *testing.T) *HTTPGetter {
	return NewHTTPGetter(nil, HTTPGetterOptions{
		CallTimeout: 2 * time.Second,
		Policy:      retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, zaptest.NewLogger(t))
}

func TestHTTPGetter_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	var out struct{ OK bool }
	err := testGetter(t).GetJSON(context.Background(), server.URL, &out)

	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPGetter_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var out map[string]any
	err := testGetter(t).GetJSON(context.Background(), server.URL, &out)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTypeSourceUnavailable))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPGetter_MalformedBodyIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	var out map[string]any
	err := testGetter(t).GetJSON(context.Background(), server.URL, &out)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTypeSourceMalformed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPGetter_RespectsRunDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	var out map[string]any
	err := testGetter(t).GetJSON(ctx, server.URL, &out)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, ClassifyStatus(http.StatusOK))
	assert.True(t, errors.Is(ClassifyStatus(http.StatusInternalServerError), errors.ErrTypeSourceUnavailable))
	assert.True(t, errors.Is(ClassifyStatus(http.StatusTooManyRequests), errors.ErrTypeSourceUnavailable))
	assert.True(t, errors.Is(ClassifyStatus(http.StatusNotFound), errors.ErrTypeNotFound))
	assert.True(t, errors.Is(ClassifyStatus(http.StatusUnauthorized), errors.ErrTypeSourceMalformed))
}
