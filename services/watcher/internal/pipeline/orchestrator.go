package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/dedup"
	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/normalizer"
	"gigwatch/services/watcher/internal/notifier"
	"gigwatch/services/watcher/internal/preferences"
	"gigwatch/services/watcher/internal/sources"
)

var tracer = telemetry.GetTracer("gigwatch/pipeline")

const (
	DefaultTimeout   = 15 * time.Minute
	maxCommitReserve = 30 * time.Second
)

// Archive keeps a history of runs and the postings they handled. It is
// optional and its failures never fail a run.
type Archive interface {
	StorePostings(ctx context.Context, runID string, outcomes []models.PostingOutcome) error
	RecordRun(ctx context.Context, result models.RunResult) error
}

// RunConfig is the per-run input.
type RunConfig struct {
	// Sources are registry names, fetched concurrently and merged in this
	// order.
	Sources     []string
	Query       sources.Query
	Preferences preferences.Loader
	Timeout     time.Duration
}

type Orchestrator struct {
	registry *sources.Registry
	store    *dedup.Store
	notifier notifier.Notifier
	archive  Archive
	logger   *zap.Logger

	// CommitReserve is held back from the pipeline phases so confirmed
	// deliveries can still be committed after a timeout. Zero means a tenth
	// of the timeout, at most 30s.
	CommitReserve time.Duration

	mu       sync.Mutex
	now      func() time.Time
	newRunID func() string
}

func NewOrchestrator(registry *sources.Registry, store *dedup.Store, n notifier.Notifier, archive Archive, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		store:    store,
		notifier: n,
		archive:  archive,
		logger:   logger,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// run carries one execution's state between phases.
type run struct {
	result   models.RunResult
	phases   *phaseTracker
	logger   *zap.Logger
	fatal    bool
	timedOut bool

	raws      []models.RawPosting
	postings  []models.Posting
	fresh     []models.Posting
	matched   []models.Posting
	outcomes  []models.PostingOutcome
	delivered []models.Posting
	unmatched []models.Posting
}

func (r *run) addError(stage models.Stage, err error) {
	r.result.Errors = append(r.result.Errors, models.StageError{
		Stage:   stage,
		Kind:    string(errors.TypeOf(err)),
		Message: err.Error(),
	})
}

func (r *run) advance(to Phase) {
	if err := r.phases.advance(to); err != nil {
		// only reachable through a bug in RunOnce
		r.logger.DPanic("phase transition rejected", zap.Error(err))
		return
	}
	r.logger.Debug("phase", zap.String("phase", string(to)))
}

// stopped reports whether the pipeline should skip ahead to committing.
func (r *run) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		r.timedOut = true
	}
	return r.fatal || r.timedOut
}

// RunOnce executes a single bounded run. It always returns a finalized
// result; failures are reported in it rather than as an error. Only one
// run per Orchestrator executes at a time; a call made while another is
// in flight fails immediately.
func (o *Orchestrator) RunOnce(parent context.Context, cfg RunConfig) models.RunResult {
	started := o.now().UTC()
	r := &run{
		result: models.RunResult{
			RunID:     o.newRunID(),
			Status:    models.RunStatusRunning,
			StartedAt: started,
			Errors:    []models.StageError{},
		},
		phases: newPhaseTracker(),
	}
	r.logger = o.logger.With(zap.String("run_id", r.result.RunID))

	if !o.mu.TryLock() {
		r.fatal = true
		r.addError(models.StageRun, errors.Internal("another run is still in progress", nil))
		r.logger.Warn("skipping run, previous run still in progress")
		return o.finalize(r)
	}
	defer o.mu.Unlock()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	// commit gets the full deadline and survives parent cancellation so
	// confirmed deliveries are still recorded on shutdown
	commitCtx, cancelCommit := context.WithDeadline(context.WithoutCancel(parent), deadline)
	defer cancelCommit()
	runCtx, cancelRun := context.WithDeadline(parent, deadline.Add(-o.commitReserve(timeout)))
	defer cancelRun()

	runCtx, span := tracer.Start(runCtx, "pipeline.RunOnce")
	defer span.End()
	span.SetAttributes(
		telemetry.String("run.id", r.result.RunID),
		telemetry.Duration("run.timeout", timeout))

	r.logger.Info("run started",
		zap.Strings("sources", cfg.Sources),
		zap.Duration("timeout", timeout))

	rules, err := loadRules(runCtx, cfg.Preferences)
	if err != nil {
		r.fatal = true
		r.addError(models.StageMatch, err)
	}

	if !r.stopped(runCtx) {
		r.advance(PhaseFetching)
		o.fetch(runCtx, r, cfg)
	}
	if !r.stopped(runCtx) {
		r.advance(PhaseNormalizing)
		o.normalize(runCtx, r)
	}
	if !r.stopped(runCtx) {
		r.advance(PhaseDeduping)
		o.dedupe(runCtx, r)
	}
	if !r.stopped(runCtx) {
		r.advance(PhaseMatching)
		o.match(runCtx, r, rules)
	}
	if !r.stopped(runCtx) {
		r.advance(PhaseNotifying)
		o.notify(runCtx, r)
	}
	r.stopped(runCtx)

	r.advance(PhaseCommitting)
	o.commit(trace.ContextWithSpan(commitCtx, span), r)
	r.advance(PhaseDone)

	result := o.finalize(r)
	o.record(trace.ContextWithSpan(commitCtx, span), r, &result)

	span.SetAttributes(
		telemetry.String("run.status", string(result.Status)),
		telemetry.Int("run.matched", result.MatchedCount),
		telemetry.Int("run.notified", result.NotifiedCount))
	return result
}

func (o *Orchestrator) commitReserve(timeout time.Duration) time.Duration {
	if o.CommitReserve > 0 && o.CommitReserve < timeout {
		return o.CommitReserve
	}
	reserve := timeout / 10
	if reserve > maxCommitReserve {
		reserve = maxCommitReserve
	}
	return reserve
}

func loadRules(ctx context.Context, loader preferences.Loader) ([]models.PreferenceRule, error) {
	if loader == nil {
		return nil, nil
	}
	return loader.Load(ctx)
}

func (o *Orchestrator) startPhase(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline."+name)
}

type fetchOutcome struct {
	raws []models.RawPosting
	err  error
}

// fetch runs one goroutine per source and merges results in configured
// order. Postings a source returned alongside an error are kept.
func (o *Orchestrator) fetch(ctx context.Context, r *run, cfg RunConfig) {
	ctx, span := o.startPhase(ctx, "fetch")
	defer span.End()

	outcomes := make([]fetchOutcome, len(cfg.Sources))
	var wg sync.WaitGroup
	for i, name := range cfg.Sources {
		src, err := o.registry.Get(name)
		if err != nil {
			outcomes[i].err = errors.InvalidInput(fmt.Sprintf("source %q", name), err)
			continue
		}
		wg.Add(1)
		go func(i int, src sources.Source) {
			defer wg.Done()
			raws, err := src.Fetch(ctx, cfg.Query)
			outcomes[i] = fetchOutcome{raws: raws, err: err}
		}(i, src)
	}
	wg.Wait()

	failed := 0
	for i, out := range outcomes {
		name := cfg.Sources[i]
		if out.err != nil {
			failed++
			if errors.Is(out.err, errors.ErrTypeDeadlineExceeded) || ctx.Err() != nil {
				r.timedOut = true
			}
			r.addError(models.StageFetch, fmt.Errorf("%s: %w", name, out.err))
			r.logger.Warn("source failed",
				zap.String("source", name),
				zap.Int("partial_postings", len(out.raws)),
				zap.Error(out.err))
		}
		r.raws = append(r.raws, out.raws...)
	}

	if len(cfg.Sources) == 0 || failed == len(cfg.Sources) {
		if !r.timedOut {
			r.fatal = true
		}
		if len(cfg.Sources) == 0 {
			r.addError(models.StageFetch, errors.InvalidInput("no sources configured", nil))
		}
	}

	r.result.FetchedCount = len(r.raws)
	span.SetAttributes(
		telemetry.Int("postings.fetched", len(r.raws)),
		telemetry.Int("sources.failed", failed))
	r.logger.Info("fetched postings",
		zap.Int("count", len(r.raws)),
		zap.Int("failed_sources", failed))
}

// normalize drops postings that cannot be made canonical and reports them as
// one aggregated error.
func (o *Orchestrator) normalize(ctx context.Context, r *run) {
	_, span := o.startPhase(ctx, "normalize")
	defer span.End()

	var (
		skipped  int
		firstErr error
	)
	r.postings = make([]models.Posting, 0, len(r.raws))
	for _, raw := range r.raws {
		p, err := normalizer.Normalize(raw)
		if err != nil {
			skipped++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.postings = append(r.postings, p)
	}
	if skipped > 0 {
		r.addError(models.StageNormalize, errors.Normalization(
			fmt.Sprintf("%d postings skipped", skipped), firstErr))
		r.logger.Debug("postings skipped during normalization",
			zap.Int("skipped", skipped),
			zap.Error(firstErr))
	}
	span.SetAttributes(telemetry.Int("postings.normalized", len(r.postings)))
}

func (o *Orchestrator) dedupe(ctx context.Context, r *run) {
	ctx, span := o.startPhase(ctx, "dedup")
	defer span.End()

	fresh, err := o.store.FilterNew(ctx, r.postings)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			r.timedOut = true
		} else {
			r.fatal = true
		}
		r.addError(models.StageDedup, err)
		r.logger.Error("dedup lookup failed", zap.Error(err))
		return
	}
	r.fresh = fresh
	r.result.NewCount = len(fresh)
	r.logger.Info("new postings", zap.Int("count", len(fresh)))
}

func (o *Orchestrator) match(ctx context.Context, r *run, rules []models.PreferenceRule) {
	_, span := o.startPhase(ctx, "match")
	defer span.End()

	for _, p := range r.fresh {
		ok, reason := preferences.Matches(p, rules)
		r.outcomes = append(r.outcomes, models.PostingOutcome{Posting: p, Matched: ok, Reason: reason})
		if ok {
			r.matched = append(r.matched, p)
		} else {
			r.unmatched = append(r.unmatched, p)
		}
		r.logger.Debug("match verdict",
			zap.String("fingerprint", p.Fingerprint()),
			zap.String("title", p.Title),
			zap.Bool("matched", ok),
			zap.String("reason", reason))
	}
	r.result.MatchedCount = len(r.matched)
	span.SetAttributes(telemetry.Int("postings.matched", len(r.matched)))
}

func (o *Orchestrator) notify(ctx context.Context, r *run) {
	if len(r.matched) == 0 {
		return
	}
	ctx, span := o.startPhase(ctx, "notify")
	defer span.End()

	deliveries := o.notifier.Notify(ctx, r.matched)
	if ctx.Err() != nil {
		r.timedOut = true
	}

	failures := map[string]int{}
	var order []error
	for _, d := range deliveries {
		if d.Delivered() {
			r.delivered = append(r.delivered, d.Posting)
			continue
		}
		if errors.Is(d.Err, errors.ErrTypeDeadlineExceeded) {
			r.timedOut = true
		}
		msg := d.Err.Error()
		if failures[msg] == 0 {
			order = append(order, d.Err)
		}
		failures[msg]++
	}
	for _, err := range order {
		n := failures[err.Error()]
		r.addError(models.StageNotify, fmt.Errorf("%d of %d deliveries: %w", n, len(r.matched), err))
	}

	if len(r.delivered) == 0 && !r.timedOut {
		r.fatal = true
	}

	delivered := make(map[string]bool, len(r.delivered))
	for _, p := range r.delivered {
		delivered[p.Fingerprint()] = true
	}
	for i := range r.outcomes {
		r.outcomes[i].Notified = delivered[r.outcomes[i].Posting.Fingerprint()]
	}

	span.SetAttributes(telemetry.Int("postings.delivered", len(r.delivered)))
	r.logger.Info("notified",
		zap.Int("delivered", len(r.delivered)),
		zap.Int("failed", len(r.matched)-len(r.delivered)))
}

// commit records confirmed deliveries as seen and notified, and unmatched
// postings as seen. Postings whose delivery failed stay unrecorded and are
// retried next run.
func (o *Orchestrator) commit(ctx context.Context, r *run) {
	ctx, span := o.startPhase(ctx, "commit")
	defer span.End()

	var failed int
	for _, p := range r.delivered {
		fp := p.Fingerprint()
		if err := o.store.MarkSeen(ctx, fp); err != nil {
			failed++
			r.addError(models.StageCommit, fmt.Errorf("%s: %w", fp, err))
			continue
		}
		if err := o.store.MarkNotified(ctx, fp); err != nil {
			failed++
			r.addError(models.StageCommit, fmt.Errorf("%s: %w", fp, err))
			continue
		}
		r.result.NotifiedCount++
	}

	// unmatched postings are only known once matching finished, so a run
	// stopped earlier commits deliveries only
	for _, p := range r.unmatched {
		if err := o.store.MarkSeen(ctx, p.Fingerprint()); err != nil {
			failed++
			r.addError(models.StageCommit, fmt.Errorf("%s: %w", p.Fingerprint(), err))
		}
	}

	if failed > 0 {
		r.fatal = true
		r.logger.Error("commit incomplete", zap.Int("failed", failed))
	}
	span.SetAttributes(telemetry.Int("postings.committed", r.result.NotifiedCount+len(r.unmatched)-failed))
}

func (o *Orchestrator) finalize(r *run) models.RunResult {
	switch {
	case r.fatal:
		r.result.Status = models.RunStatusFailed
	case r.timedOut:
		r.result.Status = models.RunStatusTimedOut
	default:
		r.result.Status = models.RunStatusSucceeded
	}
	r.result.FinishedAt = o.now().UTC()

	fields := []zap.Field{
		zap.String("status", string(r.result.Status)),
		zap.Int("fetched", r.result.FetchedCount),
		zap.Int("new", r.result.NewCount),
		zap.Int("matched", r.result.MatchedCount),
		zap.Int("notified", r.result.NotifiedCount),
		zap.Int("errors", len(r.result.Errors)),
		zap.Duration("duration", r.result.Duration()),
	}
	if r.result.Status == models.RunStatusSucceeded {
		r.logger.Info("run finished", fields...)
	} else {
		r.logger.Warn("run finished", fields...)
	}
	return r.result
}

// record hands the finished run to the archive. Archive errors are appended
// to the result without changing its status.
func (o *Orchestrator) record(ctx context.Context, r *run, result *models.RunResult) {
	if o.archive == nil {
		return
	}
	if len(r.outcomes) > 0 {
		if err := o.archive.StorePostings(ctx, result.RunID, r.outcomes); err != nil {
			result.Errors = append(result.Errors, models.StageError{
				Stage: models.StageArchive, Kind: string(errors.TypeOf(err)), Message: err.Error(),
			})
			r.logger.Warn("archiving postings failed", zap.Error(err))
		}
	}
	if err := o.archive.RecordRun(ctx, *result); err != nil {
		result.Errors = append(result.Errors, models.StageError{
			Stage: models.StageArchive, Kind: string(errors.TypeOf(err)), Message: err.Error(),
		})
		r.logger.Warn("archiving run failed", zap.Error(err))
	}
}
