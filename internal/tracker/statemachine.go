package tracker

import (
	"github.com/remediate-run/remedy/internal/models"
)

// stageRank orders the forward pipeline. The server may legitimately skip
// stages (a fast batch can go straight from queued to applying), so any
// move to an equal-or-later rank is a legal advance.
func stageRank(s models.JobStatus) (int, bool) {
	switch s {
	case models.JobStatusPending:
		return 0, true
	case models.JobStatusScheduled:
		return 0, true
	case models.JobStatusQueued:
		return 1, true
	case models.JobStatusCrawling:
		return 2, true
	case models.JobStatusAnalyzing:
		return 3, true
	case models.JobStatusApplying:
		return 4, true
	case models.JobStatusVerifying:
		return 5, true
	default:
		return 0, false
	}
}

// canTransition reports whether moving from one batch status to another is
// legal. Terminal states admit no exits except completed → rolled_back.
func canTransition(from, to models.JobStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return from == models.JobStatusCompleted && to == models.JobStatusRolledBak
	}

	switch to {
	case models.JobStatusPaused, models.JobStatusCancelled:
		// Reachable from any non-terminal state.
		return true
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusPartial, models.JobStatusTimeout:
		return true
	case models.JobStatusRolledBak:
		return false // only from completed, handled above
	case models.JobStatusScheduled:
		// Alternate entry state; only reachable before the job queues.
		return from == models.JobStatusPending
	}

	if from == models.JobStatusPaused {
		// Resuming lands back anywhere in the pipeline.
		_, ok := stageRank(to)
		return ok
	}

	fromRank, ok := stageRank(from)
	if !ok {
		return false
	}
	toRank, ok := stageRank(to)
	if !ok {
		return false
	}
	return toRank > fromRank
}
