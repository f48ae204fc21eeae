package models

import (
	"time"
)

// JobStatus is the batch-level lifecycle state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusScheduled JobStatus = "scheduled" // alternate entry when a future execution time is set
	JobStatusQueued    JobStatus = "queued"
	JobStatusCrawling  JobStatus = "crawling"
	JobStatusAnalyzing JobStatus = "analyzing"
	JobStatusApplying  JobStatus = "applying"
	JobStatusVerifying JobStatus = "verifying"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusRolledBak JobStatus = "rolled_back"
	// JobStatusTimeout is assigned locally when polling exhausts its
	// ceilings without observing a terminal status. It never comes from
	// the server and does not mutate server state.
	JobStatusTimeout JobStatus = "timeout"
)

// Terminal reports whether the job can make no further automatic progress.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial,
		JobStatusCancelled, JobStatusRolledBak, JobStatusTimeout:
		return true
	}
	return false
}

// Label returns the human-readable name for a job status.
func (s JobStatus) Label() string {
	switch s {
	case JobStatusPending:
		return "Pending"
	case JobStatusScheduled:
		return "Scheduled"
	case JobStatusQueued:
		return "Queued"
	case JobStatusCrawling:
		return "Crawling"
	case JobStatusAnalyzing:
		return "Analyzing"
	case JobStatusApplying:
		return "Applying"
	case JobStatusVerifying:
		return "Verifying"
	case JobStatusPaused:
		return "Paused"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusPartial:
		return "Partially completed"
	case JobStatusCancelled:
		return "Cancelled"
	case JobStatusRolledBak:
		return "Rolled back"
	case JobStatusTimeout:
		return "Timed out"
	default:
		return "Unknown"
	}
}

// FixJob is the aggregate view of one batch submission.
type FixJob struct {
	BatchID             string     `json:"batch_id"`
	Status              JobStatus  `json:"status"`
	Progress            float64    `json:"progress"` // 0-100, non-decreasing until terminal
	TotalFixes          int        `json:"total_fixes"`
	CompletedFixes      int        `json:"completed_fixes"`
	FailedFixes         int        `json:"failed_fixes"`
	IssueIDs            []string   `json:"issue_ids"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *FixJob) Clone() *FixJob {
	if j == nil {
		return nil
	}
	out := *j
	out.IssueIDs = append([]string(nil), j.IssueIDs...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EstimatedCompletion != nil {
		t := *j.EstimatedCompletion
		out.EstimatedCompletion = &t
	}
	return &out
}

// ResourceLimits bound what the external worker may consume for a batch.
type ResourceLimits struct {
	MaxConcurrent int `json:"max_concurrent"`
	TimeoutMs     int `json:"timeout_ms"`
}

// FixConfig is the submission configuration passed to the backend.
type FixConfig struct {
	DryRun             bool           `json:"dry_run"`
	Priority           string         `json:"priority,omitempty"`
	BackupConfirmation bool           `json:"backup_confirmation"`
	RollbackOnError    bool           `json:"rollback_on_error"`
	ResourceLimits     ResourceLimits `json:"resource_limits"`
	ScheduleTime       *time.Time     `json:"schedule_time,omitempty"`
}

// BatchStatus is the backend's answer to a status poll.
type BatchStatus struct {
	BatchID                   string      `json:"batch_id"`
	Status                    JobStatus   `json:"status"`
	Progress                  float64     `json:"progress"`
	Completed                 int         `json:"completed"`
	Failed                    int         `json:"failed"`
	Total                     int         `json:"total"`
	EstimatedTimeRemainingSec *int        `json:"estimated_time_remaining_sec,omitempty"`
	Token                     Token       `json:"token"`
	Results                   []FixResult `json:"results,omitempty"`
}
