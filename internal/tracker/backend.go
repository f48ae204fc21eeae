// Package tracker owns the batch remediation job lifecycle: it submits
// batches, reconciles server-reported truth into an authoritative local
// store, drives polling and push updates through one ordering check, runs
// cancellable sub-operations, and derives statistics on every change.
package tracker

import (
	"context"
	"time"

	"github.com/remediate-run/remedy/internal/models"
)

// Backend is the external worker that actually executes fixes. The
// tracker only consumes it; REST+polling and RPC+streaming realizations
// both satisfy this interface.
type Backend interface {
	SubmitBatch(ctx context.Context, issueIDs []string, cfg models.FixConfig) (batchID string, err error)
	PollBatchStatus(ctx context.Context, batchID string) (*models.BatchStatus, error)
	CancelBatch(ctx context.Context, batchID string) (bool, error)
	RetryFix(ctx context.Context, issueID string) (*models.FixResult, error)
	RollbackFix(ctx context.Context, issueID string) (*models.FixResult, error)
	ScheduleFix(ctx context.Context, issueID string, at time.Time) (*models.FixResult, error)
	IgnoreFix(ctx context.Context, issueID string) (*models.FixResult, error)
	ApproveFix(ctx context.Context, issueID string) (*models.FixResult, error)
}

// Exporter renders batch results into an export format. Rendering is
// delegated entirely to an external collaborator; the tracker never
// implements it.
type Exporter interface {
	ExportResults(ctx context.Context, batchID, format string) ([]byte, error)
}

// Persister is the recovery cache consumed by the tracker. Implemented by
// the sqlite job store.
type Persister interface {
	SaveJob(job *models.FixJob, results map[string]*models.FixResult) error
	Discard(batchID string) error
}
