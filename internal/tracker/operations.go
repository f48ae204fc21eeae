package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	trkerrors "github.com/remediate-run/remedy/internal/errors"
	"github.com/remediate-run/remedy/internal/models"
)

const maxFinishedOps = 100

// Operation is the handle returned by enqueue: it exposes progress,
// supports cooperative cancellation and signals completion via Done.
type Operation struct {
	mu     sync.Mutex
	snap   models.BatchOperation
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the operation id.
func (o *Operation) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.ID
}

// Snapshot returns a copy of the current operation state.
func (o *Operation) Snapshot() models.BatchOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.snap.Clone()
}

// Done is closed when the operation reaches a terminal status.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Cancel aborts the operation. Local bookkeeping is authoritative: the
// status flips to cancelled immediately, the in-flight request is aborted,
// and issues the server already confirmed keep their last reported state.
func (o *Operation) Cancel() {
	o.mu.Lock()
	if o.snap.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	o.snap.Status = models.OperationCancelled
	now := time.Now().UTC()
	o.snap.CompletedAt = &now
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Info().Str("operation_id", o.ID()).Msg("Operation cancelled")
}

func (o *Operation) setRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.Status != models.OperationPending {
		return false
	}
	o.snap.Status = models.OperationRunning
	now := time.Now().UTC()
	o.snap.StartedAt = &now
	return true
}

func (o *Operation) reportProgress(affected, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.Status.Terminal() {
		return
	}
	o.snap.Affected = affected
	if total > 0 {
		pct := float64(affected) / float64(total) * 100
		if pct > o.snap.Progress {
			o.snap.Progress = pct
		}
	}
}

func (o *Operation) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.Status == models.OperationCancelled {
		// Cancel already wrote the authoritative outcome.
		return
	}
	now := time.Now().UTC()
	o.snap.CompletedAt = &now
	switch {
	case err == nil:
		o.snap.Status = models.OperationCompleted
		o.snap.Progress = 100
	case trkerrors.IsCancellation(err) || err == context.Canceled:
		o.snap.Status = models.OperationCancelled
	default:
		o.snap.Status = models.OperationFailed
		o.snap.Error = err.Error()
	}
}

// opQueue tracks concurrently running sub-operations. Mutating operations
// (apply, retry) own their issue ids for their lifetime; a conflicting
// enqueue is rejected outright, never queued behind the owner.
type opQueue struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	ops    map[string]*Operation
	owners map[string]string // issue id -> operation id
}

func newOpQueue(maxConcurrent int64) *opQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxConcurrent > 20 {
		maxConcurrent = 20
	}
	return &opQueue{
		sem:    semaphore.NewWeighted(maxConcurrent),
		ops:    make(map[string]*Operation),
		owners: make(map[string]string),
	}
}

type opFunc func(ctx context.Context, progress func(affected, total int)) error

// Start validates ownership, registers the operation and launches it. The
// run function executes once a concurrency slot is free.
func (q *opQueue) Start(ctx context.Context, typ models.OperationType, issueIDs []string, run opFunc) (*Operation, error) {
	if len(issueIDs) == 0 {
		return nil, trkerrors.New(trkerrors.ErrorTypeValidation, "enqueue_operation",
			fmt.Errorf("no issues selected"))
	}

	q.mu.Lock()
	if typ.Mutating() {
		for _, id := range issueIDs {
			if owner, owned := q.owners[id]; owned {
				q.mu.Unlock()
				return nil, trkerrors.New(trkerrors.ErrorTypeValidation, "enqueue_operation",
					fmt.Errorf("%w: issue %s already owned by operation %s", trkerrors.ErrConflict, id, owner)).WithIssue(id)
			}
		}
	}

	op := &Operation{
		snap: models.BatchOperation{
			ID:       uuid.NewString(),
			Type:     typ,
			IssueIDs: append([]string(nil), issueIDs...),
			Status:   models.OperationPending,
		},
		done: make(chan struct{}),
	}
	opCtx, cancel := context.WithCancel(ctx)
	op.cancel = cancel

	if typ.Mutating() {
		for _, id := range issueIDs {
			q.owners[id] = op.snap.ID
		}
	}
	q.ops[op.snap.ID] = op
	q.pruneLocked()
	q.mu.Unlock()

	go func() {
		defer close(op.done)
		defer cancel()
		defer q.release(op)

		if err := q.sem.Acquire(opCtx, 1); err != nil {
			op.finish(err)
			return
		}
		defer q.sem.Release(1)

		if !op.setRunning() {
			return // cancelled while pending
		}
		op.finish(run(opCtx, op.reportProgress))
	}()

	return op, nil
}

// Get returns an operation handle by id.
func (q *opQueue) Get(id string) *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops[id]
}

// Owner returns the id of the mutating operation owning an issue, if any.
func (q *opQueue) Owner(issueID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.owners[issueID]
	return id, ok
}

// List returns snapshots of all tracked operations, newest first.
func (q *opQueue) List() []models.BatchOperation {
	q.mu.Lock()
	ops := make([]*Operation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	q.mu.Unlock()

	snaps := make([]models.BatchOperation, 0, len(ops))
	for _, op := range ops {
		snaps = append(snaps, op.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		a, b := snaps[i].StartedAt, snaps[j].StartedAt
		switch {
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.After(*b)
		}
	})
	return snaps
}

func (q *opQueue) release(op *Operation) {
	id := op.ID()
	q.mu.Lock()
	for issueID, owner := range q.owners {
		if owner == id {
			delete(q.owners, issueID)
		}
	}
	q.mu.Unlock()
}

// pruneLocked drops the oldest finished operations past the retention cap.
func (q *opQueue) pruneLocked() {
	if len(q.ops) <= maxFinishedOps {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, op := range q.ops {
		snap := op.Snapshot()
		if snap.Status.Terminal() && snap.CompletedAt != nil {
			finished = append(finished, aged{id, *snap.CompletedAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for _, f := range finished {
		if len(q.ops) <= maxFinishedOps {
			break
		}
		delete(q.ops, f.id)
	}
}
