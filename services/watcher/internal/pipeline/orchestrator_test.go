package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigwatch/services/watcher/internal/dedup"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/normalizer"
	"gigwatch/services/watcher/internal/notifier"
	"gigwatch/services/watcher/internal/preferences"
	"gigwatch/services/watcher/internal/sources"
)

type stubSource struct {
	name  string
	raws  []models.RawPosting
	err   error
	block bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, _ sources.Query) ([]models.RawPosting, error) {
	if s.block {
		<-ctx.Done()
		return s.raws, errors.DeadlineExceeded("fetch interrupted", ctx.Err())
	}
	return s.raws, s.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]models.Posting
	// fail decides the error for a posting; nil delivers.
	fail func(p models.Posting) error
	// blockAfter delivers this many postings, then waits for the deadline.
	blockAfter int
	// gate, when set, is waited on before delivering.
	gate chan struct{}
}

func (n *recordingNotifier) Notify(ctx context.Context, postings []models.Posting) []notifier.Delivery {
	n.mu.Lock()
	n.calls = append(n.calls, postings)
	n.mu.Unlock()

	if n.gate != nil {
		<-n.gate
	}

	out := make([]notifier.Delivery, 0, len(postings))
	for i, p := range postings {
		if n.blockAfter > 0 && i >= n.blockAfter {
			<-ctx.Done()
			out = append(out, notifier.Delivery{Posting: p, Err: errors.DeadlineExceeded("not delivered", ctx.Err())})
			continue
		}
		var err error
		if n.fail != nil {
			err = n.fail(p)
		}
		out = append(out, notifier.Delivery{Posting: p, Err: err})
	}
	return out
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var titles []string
	for _, call := range n.calls {
		for _, p := range call {
			titles = append(titles, p.Title)
		}
	}
	return titles
}

type recordingArchive struct {
	outcomes []models.PostingOutcome
	runs     []models.RunResult
	err      error
}

func (a *recordingArchive) StorePostings(_ context.Context, _ string, outcomes []models.PostingOutcome) error {
	a.outcomes = append(a.outcomes, outcomes...)
	return a.err
}

func (a *recordingArchive) RecordRun(_ context.Context, result models.RunResult) error {
	a.runs = append(a.runs, result)
	return a.err
}

type failingLedger struct{ dedup.Ledger }

func (failingLedger) Lookup(context.Context, []string) (map[string]models.SeenRecord, error) {
	return nil, fmt.Errorf("ledger offline")
}

func raw(id, title, company string) models.RawPosting {
	return models.RawPosting{
		Source:   "stub",
		NativeID: id,
		Title:    title,
		Company:  company,
		URL:      "https://jobs.example/" + id,
	}
}

func fingerprint(t *testing.T, r models.RawPosting) string {
	p, err := normalizer.Normalize(r)
	require.NoError(t, err)
	return p.Fingerprint()
}

func engineerRule() preferences.Loader {
	return preferences.NewStaticLoader([]models.PreferenceRule{{IncludeGroups: [][]string{{"Engineer"}}}})
}

type harness struct {
	orch     *Orchestrator
	store    *dedup.Store
	notifier *recordingNotifier
	archive  *recordingArchive
}

func newHarness(t *testing.T, ledger dedup.Ledger, srcs ...sources.Source) *harness {
	store := dedup.NewStore(ledger, zaptest.NewLogger(t))
	n := &recordingNotifier{}
	a := &recordingArchive{}
	orch := NewOrchestrator(sources.NewRegistry(srcs...), store, n, a, zaptest.NewLogger(t))
	return &harness{orch: orch, store: store, notifier: n, archive: a}
}

func (h *harness) seen(t *testing.T, fp string) (models.SeenRecord, bool) {
	rec, ok, err := h.store.Lookup(context.Background(), fp)
	require.NoError(t, err)
	return rec, ok
}

func TestRunOnceMatchesNotifiesAndCommits(t *testing.T) {
	a1 := raw("A1", "Backend Engineer", "Acme")
	a2 := raw("A2", "Sales Rep", "Acme")
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{a1, a2}})

	cfg := RunConfig{Sources: []string{"stub"}, Preferences: engineerRule(), Timeout: time.Minute}
	result := h.orch.RunOnce(context.Background(), cfg)

	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	assert.Equal(t, 0, result.ExitCode())
	assert.Equal(t, 2, result.FetchedCount)
	assert.Equal(t, 2, result.NewCount)
	assert.Equal(t, 1, result.MatchedCount)
	assert.Equal(t, 1, result.NotifiedCount)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"Backend Engineer"}, h.notifier.notified())

	rec, ok := h.seen(t, fingerprint(t, a1))
	require.True(t, ok)
	assert.True(t, rec.Notified())

	rec, ok = h.seen(t, fingerprint(t, a2))
	require.True(t, ok)
	assert.False(t, rec.Notified())

	// the next run finds nothing new and sends nothing
	again := h.orch.RunOnce(context.Background(), cfg)
	assert.Equal(t, models.RunStatusSucceeded, again.Status)
	assert.Equal(t, 2, again.FetchedCount)
	assert.Zero(t, again.NewCount)
	assert.Zero(t, again.MatchedCount)
	assert.Len(t, h.notifier.calls, 1)
}

func TestRunOnceDedupPrecedesMatch(t *testing.T) {
	old := raw("OLD", "Platform Engineer", "Initech")
	fresh := raw("NEW", "Data Engineer", "Initech")
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{old, fresh}})
	require.NoError(t, h.store.MarkSeen(context.Background(), fingerprint(t, old)))

	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: time.Minute})

	assert.Equal(t, 1, result.NewCount)
	require.Len(t, h.archive.outcomes, 1)
	assert.Equal(t, "Data Engineer", h.archive.outcomes[0].Posting.Title)
	assert.Equal(t, []string{"Data Engineer"}, h.notifier.notified())
}

func TestRunOnceEmptyPreferencesMatchEverything(t *testing.T) {
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{
		raw("1", "Backend Engineer", "Acme"),
		raw("2", "Sales Rep", "Acme"),
	}})

	result := h.orch.RunOnce(context.Background(), RunConfig{
		Sources:     []string{"stub"},
		Preferences: preferences.NewStaticLoader(nil),
		Timeout:     time.Minute,
	})

	assert.Equal(t, 2, result.MatchedCount)
	assert.Equal(t, 2, result.NotifiedCount)
}

func TestRunOnceFailedDeliveryIsRetriedNextRun(t *testing.T) {
	posting := raw("1", "Backend Engineer", "Acme")
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{posting}})
	h.notifier.fail = func(models.Posting) error { return errors.DeliveryFailed("webhook answered 503", nil) }

	cfg := RunConfig{Sources: []string{"stub"}, Timeout: time.Minute}
	first := h.orch.RunOnce(context.Background(), cfg)

	assert.Equal(t, models.RunStatusFailed, first.Status)
	assert.Zero(t, first.NotifiedCount)
	require.Len(t, first.Errors, 1)
	assert.Equal(t, models.StageNotify, first.Errors[0].Stage)
	assert.Equal(t, string(errors.ErrTypeDeliveryFailed), first.Errors[0].Kind)
	_, ok := h.seen(t, fingerprint(t, posting))
	assert.False(t, ok)

	h.notifier.fail = nil
	second := h.orch.RunOnce(context.Background(), cfg)

	assert.Equal(t, models.RunStatusSucceeded, second.Status)
	assert.Equal(t, 1, second.NotifiedCount)
	rec, ok := h.seen(t, fingerprint(t, posting))
	require.True(t, ok)
	assert.True(t, rec.Notified())
}

func TestRunOncePartialDeliveryFailure(t *testing.T) {
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{
		raw("1", "Backend Engineer", "Acme"),
		raw("2", "Frontend Engineer", "Acme"),
	}})
	h.notifier.fail = func(p models.Posting) error {
		if p.Title == "Frontend Engineer" {
			return errors.DeliveryRejected("webhook answered 400", nil)
		}
		return nil
	}

	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: time.Minute})

	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	assert.Equal(t, 2, result.MatchedCount)
	assert.Equal(t, 1, result.NotifiedCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "1 of 2 deliveries")
}

func TestRunOnceTimesOutDuringFetch(t *testing.T) {
	h := newHarness(t, dedup.NewMemoryLedger(),
		&stubSource{name: "slow", block: true},
		&stubSource{name: "fast", raws: []models.RawPosting{raw("1", "Backend Engineer", "Acme")}},
	)
	h.orch.CommitReserve = 20 * time.Millisecond

	started := time.Now()
	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"slow", "fast"}, Timeout: 150 * time.Millisecond})

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, models.RunStatusTimedOut, result.Status)
	assert.Equal(t, 2, result.ExitCode())
	assert.Empty(t, h.notifier.calls)
	assert.Zero(t, result.NotifiedCount)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, models.StageFetch, result.Errors[0].Stage)
}

func TestRunOnceTimeoutCommitsConfirmedDeliveries(t *testing.T) {
	first := raw("1", "Backend Engineer", "Acme")
	second := raw("2", "Frontend Engineer", "Acme")
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{first, second}})
	h.notifier.blockAfter = 1
	h.orch.CommitReserve = 50 * time.Millisecond

	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: 200 * time.Millisecond})

	assert.Equal(t, models.RunStatusTimedOut, result.Status)
	assert.Equal(t, 1, result.NotifiedCount)

	rec, ok := h.seen(t, fingerprint(t, first))
	require.True(t, ok)
	assert.True(t, rec.Notified())

	_, ok = h.seen(t, fingerprint(t, second))
	assert.False(t, ok)
}

func TestRunOnceSourceFailures(t *testing.T) {
	t.Run("one of two sources fails", func(t *testing.T) {
		h := newHarness(t, dedup.NewMemoryLedger(),
			&stubSource{name: "broken", raws: []models.RawPosting{raw("p", "Partial Engineer", "Acme")}, err: errors.SourceUnavailable("503", nil)},
			&stubSource{name: "ok", raws: []models.RawPosting{raw("1", "Backend Engineer", "Acme")}},
		)
		result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"broken", "ok"}, Timeout: time.Minute})

		assert.Equal(t, models.RunStatusSucceeded, result.Status)
		assert.Equal(t, 2, result.FetchedCount)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, models.StageFetch, result.Errors[0].Stage)
		assert.Equal(t, string(errors.ErrTypeSourceUnavailable), result.Errors[0].Kind)
		assert.Contains(t, result.Errors[0].Message, "broken")
		assert.Equal(t, []string{"Partial Engineer", "Backend Engineer"}, h.notifier.notified())
	})

	t.Run("all sources fail", func(t *testing.T) {
		h := newHarness(t, dedup.NewMemoryLedger(),
			&stubSource{name: "broken", err: errors.SourceUnavailable("503", nil)},
		)
		result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"broken", "unknown"}, Timeout: time.Minute})

		assert.Equal(t, models.RunStatusFailed, result.Status)
		assert.Equal(t, 1, result.ExitCode())
		assert.Len(t, result.Errors, 2)
		assert.Empty(t, h.notifier.calls)
	})

	t.Run("no sources", func(t *testing.T) {
		h := newHarness(t, dedup.NewMemoryLedger())
		result := h.orch.RunOnce(context.Background(), RunConfig{Timeout: time.Minute})
		assert.Equal(t, models.RunStatusFailed, result.Status)
	})
}

func TestRunOnceDedupFailureFailsRun(t *testing.T) {
	h := newHarness(t, failingLedger{}, &stubSource{name: "stub", raws: []models.RawPosting{raw("1", "Backend Engineer", "Acme")}})

	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: time.Minute})

	assert.Equal(t, models.RunStatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.StageDedup, result.Errors[0].Stage)
	assert.Empty(t, h.notifier.calls)
}

func TestRunOnceSkipsUnnormalizablePostings(t *testing.T) {
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{
		{Source: "stub", NativeID: "x", URL: "https://jobs.example/x"},
		{Source: "stub", NativeID: "y", Title: "No URL"},
		raw("1", "Backend Engineer", "Acme"),
	}})

	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: time.Minute})

	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	assert.Equal(t, 3, result.FetchedCount)
	assert.Equal(t, 1, result.NewCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.StageNormalize, result.Errors[0].Stage)
	assert.Contains(t, result.Errors[0].Message, "2 postings skipped")
}

func TestRunOnceCollapsesDuplicatesAcrossSources(t *testing.T) {
	dup := raw("1", "Backend Engineer", "Acme")
	h := newHarness(t, dedup.NewMemoryLedger(),
		&stubSource{name: "a", raws: []models.RawPosting{dup}},
		&stubSource{name: "b", raws: []models.RawPosting{dup}},
	)

	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"a", "b"}, Timeout: time.Minute})

	assert.Equal(t, 2, result.FetchedCount)
	assert.Equal(t, 1, result.NewCount)
	assert.Equal(t, []string{"Backend Engineer"}, h.notifier.notified())
}

func TestRunOnceArchive(t *testing.T) {
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{
		raw("A1", "Backend Engineer", "Acme"),
		raw("A2", "Sales Rep", "Acme"),
	}})

	result := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Preferences: engineerRule(), Timeout: time.Minute})

	require.Len(t, h.archive.outcomes, 2)
	assert.True(t, h.archive.outcomes[0].Matched)
	assert.True(t, h.archive.outcomes[0].Notified)
	assert.False(t, h.archive.outcomes[1].Matched)
	assert.False(t, h.archive.outcomes[1].Notified)
	require.Len(t, h.archive.runs, 1)
	assert.Equal(t, result.RunID, h.archive.runs[0].RunID)
	assert.Equal(t, models.RunStatusSucceeded, h.archive.runs[0].Status)

	h.archive.err = fmt.Errorf("clickhouse down")
	h2 := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: time.Minute})
	assert.Equal(t, models.RunStatusSucceeded, h2.Status)
	require.NotEmpty(t, h2.Errors)
	assert.Equal(t, models.StageArchive, h2.Errors[len(h2.Errors)-1].Stage)
}

func TestRunOnceRejectsConcurrentRunInSameProcess(t *testing.T) {
	h := newHarness(t, dedup.NewMemoryLedger(), &stubSource{name: "stub", raws: []models.RawPosting{raw("1", "Backend Engineer", "Acme")}})
	h.notifier.gate = make(chan struct{})

	done := make(chan models.RunResult)
	go func() {
		done <- h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: time.Minute})
	}()

	require.Eventually(t, func() bool {
		h.notifier.mu.Lock()
		defer h.notifier.mu.Unlock()
		return len(h.notifier.calls) == 1
	}, time.Second, time.Millisecond)

	overlapping := h.orch.RunOnce(context.Background(), RunConfig{Sources: []string{"stub"}, Timeout: time.Minute})
	assert.Equal(t, models.RunStatusFailed, overlapping.Status)
	require.Len(t, overlapping.Errors, 1)
	assert.Equal(t, models.StageRun, overlapping.Errors[0].Stage)

	close(h.notifier.gate)
	first := <-done
	assert.Equal(t, models.RunStatusSucceeded, first.Status)
}

func TestOverlappingRunsKeepStoreConsistent(t *testing.T) {
	posting := raw("1", "Backend Engineer", "Acme")
	ledger := dedup.NewMemoryLedger()
	gate := make(chan struct{})

	newOrch := func() (*Orchestrator, *recordingNotifier) {
		n := &recordingNotifier{gate: gate}
		store := dedup.NewStore(ledger, zaptest.NewLogger(t))
		src := &stubSource{name: "stub", raws: []models.RawPosting{posting}}
		return NewOrchestrator(sources.NewRegistry(src), store, n, nil, zaptest.NewLogger(t)), n
	}
	orchA, notifierA := newOrch()
	orchB, notifierB := newOrch()

	cfg := RunConfig{Sources: []string{"stub"}, Timeout: time.Minute}
	results := make(chan models.RunResult, 2)
	go func() { results <- orchA.RunOnce(context.Background(), cfg) }()
	go func() { results <- orchB.RunOnce(context.Background(), cfg) }()

	// both runs passed the dedup filter before either committed
	require.Eventually(t, func() bool {
		return len(notifierA.notified()) == 1 && len(notifierB.notified()) == 1
	}, time.Second, time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		r := <-results
		assert.Equal(t, models.RunStatusSucceeded, r.Status)
		assert.Empty(t, r.Errors)
	}

	store := dedup.NewStore(ledger, zaptest.NewLogger(t))
	rec, ok, err := store.Lookup(context.Background(), fingerprint(t, posting))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Notified())

	third := orchA.RunOnce(context.Background(), cfg)
	assert.Zero(t, third.NewCount)
}
