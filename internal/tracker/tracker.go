package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	trkerrors "github.com/remediate-run/remedy/internal/errors"
	"github.com/remediate-run/remedy/internal/fixes"
	"github.com/remediate-run/remedy/internal/models"
	"github.com/remediate-run/remedy/internal/stats"
)

// Config holds the tracker's tunable parameters. The auto-retry threshold
// and the polling ceilings are product-tuned values; they default to the
// calibrated numbers but stay configurable.
type Config struct {
	Poller PollerConfig

	// AutoRetryConfidence is the fraction (0-1) above which a failed fix
	// is resubmitted once without operator action.
	AutoRetryConfidence float64
	AutoRetryDelay      time.Duration
	MaxRetries          int

	// MaxConcurrent bounds in-flight sub-operations, clamped to 1-20.
	MaxConcurrent int64

	// Operator is recorded as performed_by on history entries.
	Operator string

	// PersistDebounce batches recovery-cache writes.
	PersistDebounce time.Duration
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		Poller:              DefaultPollerConfig(),
		AutoRetryConfidence: 0.7,
		AutoRetryDelay:      30 * time.Second,
		MaxRetries:          3,
		MaxConcurrent:       5,
		Operator:            "operator",
		PersistDebounce:     2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	c.Poller = c.Poller.withDefaults()
	if c.AutoRetryConfidence <= 0 {
		c.AutoRetryConfidence = def.AutoRetryConfidence
	}
	if c.AutoRetryDelay <= 0 {
		c.AutoRetryDelay = def.AutoRetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.Operator == "" {
		c.Operator = def.Operator
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = def.PersistDebounce
	}
	return c
}

// TrackerSnapshot is the full consistent view handed to rendering
// collaborators.
type TrackerSnapshot struct {
	Job        *models.FixJob          `json:"job,omitempty"`
	Results    []*models.FixResult     `json:"results"`
	Operations []models.BatchOperation `json:"operations,omitempty"`
	Stats      stats.Summary           `json:"stats"`
	Version    uint64                  `json:"version"`
}

// Tracker coordinates one batch-job abstraction: submission, polling or
// push reconciliation, sub-operations and statistics. It is constructed at
// job start and disposed once the job is terminal and acknowledged.
type Tracker struct {
	cfg     Config
	backend Backend
	store   *Store
	queue   *opQueue
	metrics *Metrics
	poller  *poller

	ctx      context.Context
	cancelFn context.CancelFunc

	mu             sync.Mutex
	persister      Persister
	persistTimer   *time.Timer
	persistPending bool
	pendingRetries map[string]*time.Timer
	selected       map[string]struct{}
	frozenStats    *stats.Summary
	changeCh       chan struct{}
}

// New creates a tracker over the given backend.
func New(backend Backend, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		cfg:            cfg,
		backend:        backend,
		store:          NewStore(),
		queue:          newOpQueue(cfg.MaxConcurrent),
		metrics:        newMetrics(),
		ctx:            ctx,
		cancelFn:       cancel,
		pendingRetries: make(map[string]*time.Timer),
		selected:       make(map[string]struct{}),
		changeCh:       make(chan struct{}, 1),
	}
	t.poller = newPoller(cfg.Poller, backend, t.ApplyUpdate, t.onPollTimeout, t.metrics)
	t.store.SetOnChange(t.onStoreChange)
	return t
}

// SetPersister attaches the recovery cache.
func (t *Tracker) SetPersister(p Persister) {
	t.mu.Lock()
	t.persister = p
	t.mu.Unlock()
}

// Metrics exposes the tracker's prometheus registry.
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}

// Store exposes the reconciliation store for read access.
func (t *Tracker) Store() *Store {
	return t.store
}

// OnChange returns a coalesced notification channel: at least one receive
// is available after any state change.
func (t *Tracker) OnChange() <-chan struct{} {
	return t.changeCh
}

// AddIssues creates pending fix records for issues newly selected for
// remediation. Returns how many records were created.
func (t *Tracker) AddIssues(issues []models.Issue) int {
	added := 0
	for _, issue := range issues {
		if issue.ID == "" {
			continue
		}
		if t.store.AddResult(fixes.NewFixResult(issue)) {
			added++
			t.mu.Lock()
			t.selected[issue.ID] = struct{}{}
			t.mu.Unlock()
		}
	}
	return added
}

// Selection returns the issue ids currently in the local working set.
func (t *Tracker) Selection() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.selected))
	for id := range t.selected {
		out = append(out, id)
	}
	return out
}

// Submit validates the selection and enqueues the batch submission. The
// returned operation completes once the backend accepted the batch;
// progress then flows through polling or push reconciliation.
func (t *Tracker) Submit(ctx context.Context, issueIDs []string, cfg models.FixConfig) (*Operation, error) {
	if err := t.validateSubmit(issueIDs, cfg); err != nil {
		return nil, err
	}

	scheduled := cfg.ScheduleTime != nil
	op, err := t.queue.Start(ctx, models.OperationApply, issueIDs, func(opCtx context.Context, progress func(int, int)) error {
		batchID, err := t.backend.SubmitBatch(opCtx, issueIDs, cfg)
		if err != nil {
			t.metrics.operationsTotal.WithLabelValues(string(models.OperationApply), "failed").Inc()
			return err
		}
		t.resetFrozenStats()
		t.store.CreateJob(batchID, issueIDs, scheduled)
		t.poller.Start(t.ctx, batchID)
		t.clearSelection(issueIDs)
		progress(len(issueIDs), len(issueIDs))
		t.metrics.operationsTotal.WithLabelValues(string(models.OperationApply), "completed").Inc()
		log.Info().
			Str("batch_id", batchID).
			Int("issues", len(issueIDs)).
			Bool("dry_run", cfg.DryRun).
			Msg("Batch submitted")
		return nil
	})
	return op, err
}

func (t *Tracker) validateSubmit(issueIDs []string, cfg models.FixConfig) error {
	if len(issueIDs) == 0 {
		return trkerrors.New(trkerrors.ErrorTypeValidation, "submit_batch",
			fmt.Errorf("no issues selected"))
	}
	job := t.store.Job()
	for _, id := range issueIDs {
		r := t.store.Get(id)
		if r == nil {
			return trkerrors.New(trkerrors.ErrorTypeValidation, "submit_batch",
				fmt.Errorf("unknown issue")).WithIssue(id)
		}
		if r.Ignored {
			return trkerrors.New(trkerrors.ErrorTypeValidation, "submit_batch",
				fmt.Errorf("issue is ignored")).WithIssue(id)
		}
		if r.RequiresApproval && !r.Approved && !cfg.DryRun {
			return trkerrors.New(trkerrors.ErrorTypeValidation, "submit_batch",
				fmt.Errorf("%w: approve the fix before applying", trkerrors.ErrNeedApproval)).WithIssue(id)
		}
		// Single-flight: an issue cannot belong to two running batches.
		if job != nil && !job.Status.Terminal() && r.BatchID == job.BatchID && r.BatchID != "" {
			return trkerrors.New(trkerrors.ErrorTypeValidation, "submit_batch",
				fmt.Errorf("%w: issue already part of running batch %s", trkerrors.ErrConflict, job.BatchID)).WithIssue(id).WithBatch(job.BatchID)
		}
	}
	return nil
}

// AutoFix submits only issues that are auto-fixable, pending, approval-free
// and not ignored. An empty filtered set completes instantly with zero
// affected issues and no network call.
func (t *Tracker) AutoFix(ctx context.Context, cfg models.FixConfig) (*Operation, error) {
	snap := t.store.Snapshot()
	var ids []string
	for _, r := range snap.Results {
		if r.AutoFixable() {
			ids = append(ids, r.IssueID)
		}
	}
	if len(ids) == 0 {
		now := time.Now().UTC()
		op := &Operation{
			snap: models.BatchOperation{
				ID:          "autofix-noop",
				Type:        models.OperationApply,
				Status:      models.OperationCompleted,
				Progress:    100,
				Affected:    0,
				CompletedAt: &now,
			},
			done: make(chan struct{}),
		}
		close(op.done)
		log.Debug().Msg("Auto-fix matched no issues, nothing to do")
		return op, nil
	}
	return t.Submit(ctx, ids, cfg)
}

// Retry re-runs failed fixes. Fails fast on ownership conflicts.
func (t *Tracker) Retry(ctx context.Context, issueIDs []string) (*Operation, error) {
	for _, id := range issueIDs {
		r := t.store.Get(id)
		if r != nil && r.RequiresApproval && !r.Approved {
			return nil, trkerrors.New(trkerrors.ErrorTypeValidation, "retry_fix",
				fmt.Errorf("%w: approve the fix before retrying", trkerrors.ErrNeedApproval)).WithIssue(id)
		}
	}
	return t.perIssueOperation(ctx, models.OperationRetry, issueIDs, t.backend.RetryFix, "retry")
}

// Rollback reverts completed fixes.
func (t *Tracker) Rollback(ctx context.Context, issueIDs []string) (*Operation, error) {
	for _, id := range issueIDs {
		r := t.store.Get(id)
		if r == nil || r.Status != models.FixStatusCompleted {
			return nil, trkerrors.New(trkerrors.ErrorTypeValidation, "rollback_fix",
				fmt.Errorf("only completed fixes can be rolled back")).WithIssue(id)
		}
	}
	return t.perIssueOperation(ctx, models.OperationRollback, issueIDs, t.backend.RollbackFix, "rollback")
}

// Ignore marks issues ignored locally and informs the backend. Ignored
// issues leave every active count but stay queryable.
func (t *Tracker) Ignore(ctx context.Context, issueIDs []string) (*Operation, error) {
	return t.perIssueOperation(ctx, models.OperationIgnore, issueIDs, func(opCtx context.Context, id string) (*models.FixResult, error) {
		r, err := t.backend.IgnoreFix(opCtx, id)
		if err != nil {
			return nil, err
		}
		t.store.SetIgnored(id, true, t.cfg.Operator)
		return r, nil
	}, "ignore")
}

// Unignore reverses a local ignore. Reconciliation alone can never do this.
func (t *Tracker) Unignore(issueID string) bool {
	return t.store.SetIgnored(issueID, false, t.cfg.Operator)
}

// Approve records operator approval, unblocking apply/retry for gated
// fixes.
func (t *Tracker) Approve(ctx context.Context, issueIDs []string) (*Operation, error) {
	return t.perIssueOperation(ctx, models.OperationApprove, issueIDs, func(opCtx context.Context, id string) (*models.FixResult, error) {
		r, err := t.backend.ApproveFix(opCtx, id)
		if err != nil {
			return nil, err
		}
		t.store.SetApproved(id, t.cfg.Operator)
		return r, nil
	}, "approve")
}

// Schedule asks the backend to run fixes at a future time.
func (t *Tracker) Schedule(ctx context.Context, issueIDs []string, at time.Time) (*Operation, error) {
	return t.perIssueOperation(ctx, models.OperationSchedule, issueIDs, func(opCtx context.Context, id string) (*models.FixResult, error) {
		return t.backend.ScheduleFix(opCtx, id, at)
	}, "schedule")
}

type issueCall func(ctx context.Context, issueID string) (*models.FixResult, error)

func (t *Tracker) perIssueOperation(ctx context.Context, typ models.OperationType, issueIDs []string, call issueCall, action string) (*Operation, error) {
	op, err := t.queue.Start(ctx, typ, issueIDs, func(opCtx context.Context, progress func(int, int)) error {
		total := len(issueIDs)
		for i, id := range issueIDs {
			if opCtx.Err() != nil {
				t.metrics.operationsTotal.WithLabelValues(string(typ), "cancelled").Inc()
				return trkerrors.New(trkerrors.ErrorTypeCancelled, action, opCtx.Err()).WithIssue(id)
			}
			r, err := call(opCtx, id)
			if err != nil {
				if opCtx.Err() != nil {
					// Cancelled mid-flight: issues the server has not
					// confirmed keep their last known state.
					t.metrics.operationsTotal.WithLabelValues(string(typ), "cancelled").Inc()
					return trkerrors.New(trkerrors.ErrorTypeCancelled, action, opCtx.Err()).WithIssue(id)
				}
				t.metrics.operationsTotal.WithLabelValues(string(typ), "failed").Inc()
				return err
			}
			if r != nil {
				t.store.ApplyLocal(r, action, t.cfg.Operator)
			}
			progress(i+1, total)
		}
		t.clearSelection(issueIDs)
		t.metrics.operationsTotal.WithLabelValues(string(typ), "completed").Inc()
		return nil
	})
	return op, err
}

// CancelBatch aborts the running batch. Local bookkeeping flips to
// cancelled immediately; server confirmation is not awaited.
func (t *Tracker) CancelBatch(ctx context.Context) error {
	job := t.store.Job()
	if job == nil || job.Status.Terminal() {
		return trkerrors.New(trkerrors.ErrorTypeValidation, "cancel_batch",
			fmt.Errorf("no running batch"))
	}
	t.ApplyUpdate(models.Update{BatchID: job.BatchID, Status: models.JobStatusCancelled})
	if _, err := t.backend.CancelBatch(ctx, job.BatchID); err != nil {
		log.Warn().Err(err).Str("batch_id", job.BatchID).Msg("Cancel request failed, local state already cancelled")
		return err
	}
	return nil
}

// ApplyUpdate funnels a reconciliation update (poll or push) into the
// store and runs the post-merge policies: persistence, auto-retry and
// terminal teardown.
func (t *Tracker) ApplyUpdate(u models.Update) ApplyOutcome {
	outcome := t.store.Apply(u)
	if outcome.Stale {
		t.metrics.updatesDiscarded.Inc()
		return outcome
	}
	if outcome.Changed {
		t.metrics.updatesApplied.Inc()
		t.schedulePersist()
	}
	for _, failed := range outcome.NewlyFailed {
		t.maybeAutoRetry(failed)
	}
	if outcome.Terminal {
		t.freezeStats()
		go t.poller.Stop()
	}
	return outcome
}

// Resume rebuilds the tracker from a recovered job and restarts polling if
// the job is still live.
func (t *Tracker) Resume(job *models.FixJob, results map[string]*models.FixResult) {
	if job == nil {
		return
	}
	t.store.SeedJob(job, results)
	if !job.Status.Terminal() {
		t.poller.Start(t.ctx, job.BatchID)
		log.Info().Str("batch_id", job.BatchID).Str("status", string(job.Status)).Msg("Resumed batch tracking")
	}
}

// Acknowledge discards the recovery cache entry for a terminal batch.
func (t *Tracker) Acknowledge() error {
	job := t.store.Job()
	if job == nil || !job.Status.Terminal() {
		return trkerrors.New(trkerrors.ErrorTypeValidation, "acknowledge",
			fmt.Errorf("batch is not terminal"))
	}
	t.mu.Lock()
	p := t.persister
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Discard(job.BatchID)
}

// Snapshot returns the full tracker view. Statistics are recomputed on
// every call except after a terminal state, where the frozen final values
// are served until a new batch starts.
func (t *Tracker) Snapshot() TrackerSnapshot {
	snap := t.store.Snapshot()
	out := TrackerSnapshot{
		Job:        snap.Job,
		Results:    snap.Results,
		Operations: t.queue.List(),
		Version:    snap.Version,
	}
	t.mu.Lock()
	frozen := t.frozenStats
	t.mu.Unlock()
	if frozen != nil {
		out.Stats = *frozen
	} else {
		out.Stats = stats.Compute(snap.Results)
	}
	return out
}

// Operation returns a handle by id.
func (t *Tracker) Operation(id string) *Operation {
	return t.queue.Get(id)
}

// Close tears the tracker down: polling stops, pending auto-retries are
// dropped, in-flight operations get cancelled.
func (t *Tracker) Close() {
	t.cancelFn()
	t.poller.Stop()
	t.mu.Lock()
	for id, timer := range t.pendingRetries {
		timer.Stop()
		delete(t.pendingRetries, id)
	}
	if t.persistTimer != nil {
		t.persistTimer.Stop()
	}
	t.mu.Unlock()
}

func (t *Tracker) onPollTimeout() {
	t.metrics.pollsTotal.WithLabelValues("timeout").Inc()
	if t.store.MarkTimeout() {
		t.freezeStats()
	}
}

func (t *Tracker) onStoreChange() {
	select {
	case t.changeCh <- struct{}{}:
	default:
	}
}

func (t *Tracker) clearSelection(issueIDs []string) {
	t.mu.Lock()
	for _, id := range issueIDs {
		delete(t.selected, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) freezeStats() {
	snap := t.store.Snapshot()
	sum := stats.Compute(snap.Results)
	t.mu.Lock()
	t.frozenStats = &sum
	t.mu.Unlock()
}

func (t *Tracker) resetFrozenStats() {
	t.mu.Lock()
	t.frozenStats = nil
	t.mu.Unlock()
}

// maybeAutoRetry resubmits a failed fix once, after a fixed delay, when it
// failed with high confidence and has retries left. Everything else
// surfaces and waits for an explicit retry.
func (t *Tracker) maybeAutoRetry(r *models.FixResult) {
	if r.Confidence/100 <= t.cfg.AutoRetryConfidence {
		return
	}
	if r.RetryCount >= t.cfg.MaxRetries {
		return
	}
	t.mu.Lock()
	if _, pending := t.pendingRetries[r.IssueID]; pending {
		t.mu.Unlock()
		return
	}
	issueID := r.IssueID
	t.pendingRetries[issueID] = time.AfterFunc(t.cfg.AutoRetryDelay, func() {
		t.mu.Lock()
		delete(t.pendingRetries, issueID)
		t.mu.Unlock()

		if t.ctx.Err() != nil {
			return
		}
		t.store.MarkRetrying(issueID)
		res, err := t.backend.RetryFix(t.ctx, issueID)
		if err != nil {
			log.Warn().Err(err).Str("issue_id", issueID).Msg("Automatic retry failed to submit")
			return
		}
		t.metrics.autoRetriesTotal.Inc()
		if res != nil {
			t.store.ApplyLocal(res, "auto_retry", "system")
		}
		log.Info().Str("issue_id", issueID).Msg("Automatically resubmitted failed fix")
	})
	t.mu.Unlock()
}

// schedulePersist debounces recovery-cache writes.
func (t *Tracker) schedulePersist() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.persister == nil || t.persistPending {
		return
	}
	t.persistPending = true
	t.persistTimer = time.AfterFunc(t.cfg.PersistDebounce, func() {
		t.mu.Lock()
		t.persistPending = false
		p := t.persister
		t.mu.Unlock()
		if p == nil {
			return
		}
		job := t.store.Job()
		if job == nil {
			return
		}
		if err := p.SaveJob(job, t.store.ResultsMap()); err != nil {
			log.Warn().Err(err).Str("batch_id", job.BatchID).Msg("Failed to persist batch state")
		}
	})
}
