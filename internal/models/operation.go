package models

import (
	"time"
)

// OperationType enumerates the batch sub-operations an operator can trigger.
type OperationType string

const (
	OperationApply    OperationType = "apply"
	OperationRetry    OperationType = "retry"
	OperationRollback OperationType = "rollback"
	OperationSchedule OperationType = "schedule"
	OperationIgnore   OperationType = "ignore"
	OperationApprove  OperationType = "approve"
)

// Mutating reports whether the operation applies changes to targets and is
// therefore subject to single-flight ownership per issue.
func (t OperationType) Mutating() bool {
	return t == OperationApply || t == OperationRetry
}

// Label returns the human-readable name for an operation type.
func (t OperationType) Label() string {
	switch t {
	case OperationApply:
		return "Apply"
	case OperationRetry:
		return "Retry"
	case OperationRollback:
		return "Rollback"
	case OperationSchedule:
		return "Schedule"
	case OperationIgnore:
		return "Ignore"
	case OperationApprove:
		return "Approve"
	default:
		return "Unknown"
	}
}

// OperationStatus is the lifecycle state of a sub-operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

// Terminal reports whether the operation has finished, one way or another.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	}
	return false
}

// BatchOperation is the snapshot of one sub-operation.
type BatchOperation struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	IssueIDs    []string        `json:"issue_ids"`
	Status      OperationStatus `json:"status"`
	Progress    float64         `json:"progress"` // 0-100
	Affected    int             `json:"affected"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Clone returns a deep copy of the operation snapshot.
func (o *BatchOperation) Clone() *BatchOperation {
	if o == nil {
		return nil
	}
	out := *o
	out.IssueIDs = append([]string(nil), o.IssueIDs...)
	if o.StartedAt != nil {
		t := *o.StartedAt
		out.StartedAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
