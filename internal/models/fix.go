// Package models defines the shared data types for batch remediation
// tracking: per-issue fix results, batch jobs, sub-operations and the
// reconciliation updates that move state between them.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity classifies how urgent an issue is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight returns the multiplier used when scaling confidence into risk.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.4
	default:
		return 0.4
	}
}

// FixType describes how a fix is applied.
type FixType string

const (
	FixTypeAutomated     FixType = "automated"
	FixTypeSemiAutomated FixType = "semi-automated"
	FixTypeManual        FixType = "manual"
)

// Label returns the human-readable name for a fix type. The switch is
// exhaustive over the declared variants; tests assert no variant maps to
// the fallback.
func (t FixType) Label() string {
	switch t {
	case FixTypeAutomated:
		return "Automated"
	case FixTypeSemiAutomated:
		return "Semi-automated"
	case FixTypeManual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// RiskLevel indicates how risky applying a fix is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from low (1) to critical (4).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Label returns the human-readable name for a risk level.
func (r RiskLevel) Label() string {
	switch r {
	case RiskLow:
		return "Low risk"
	case RiskMedium:
		return "Medium risk"
	case RiskHigh:
		return "High risk"
	case RiskCritical:
		return "Critical risk"
	default:
		return "Unknown"
	}
}

// FixStatus is the per-issue lifecycle state.
type FixStatus string

const (
	FixStatusPending    FixStatus = "pending"
	FixStatusQueued     FixStatus = "queued"
	FixStatusInProgress FixStatus = "in_progress"
	FixStatusCompleted  FixStatus = "completed"
	FixStatusFailed     FixStatus = "failed"
	FixStatusCancelled  FixStatus = "cancelled"
	FixStatusScheduled  FixStatus = "scheduled"
	FixStatusRolledBack FixStatus = "rolled_back"
)

// Terminal reports whether no further automatic progress happens for this
// item.
func (s FixStatus) Terminal() bool {
	switch s {
	case FixStatusCompleted, FixStatusFailed, FixStatusCancelled, FixStatusRolledBack:
		return true
	}
	return false
}

// Label returns the human-readable name for a fix status.
func (s FixStatus) Label() string {
	switch s {
	case FixStatusPending:
		return "Pending"
	case FixStatusQueued:
		return "Queued"
	case FixStatusInProgress:
		return "In progress"
	case FixStatusCompleted:
		return "Completed"
	case FixStatusFailed:
		return "Failed"
	case FixStatusCancelled:
		return "Cancelled"
	case FixStatusScheduled:
		return "Scheduled"
	case FixStatusRolledBack:
		return "Rolled back"
	default:
		return "Unknown"
	}
}

// Issue is the input produced by the external detection/diagnosis
// collaborators. Inputs are assumed pre-validated by whoever produced them.
type Issue struct {
	ID               string   `json:"id"`
	Title            string   `json:"title,omitempty"`
	Severity         Severity `json:"severity"`
	Category         string   `json:"category"`
	Confidence       float64  `json:"confidence"`   // 0-100
	ImpactScore      float64  `json:"impact_score"` // 0-100
	Priority         float64  `json:"priority"`
	CostEstimate     float64  `json:"cost_estimate"`
	AutoFixAvailable bool     `json:"auto_fix_available"`
}

// HistoryEntry records one action taken on a fix result. History is
// append-only; entries are never mutated once written.
type HistoryEntry struct {
	ID          string    `json:"id,omitempty"` // ULID, time-sortable
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Status      FixStatus `json:"status"`
	Details     string    `json:"details,omitempty"`
	PerformedBy string    `json:"performed_by,omitempty"`
}

// FixResult is the per-issue remediation record.
type FixResult struct {
	ID      string `json:"id"`
	IssueID string `json:"issue_id"`
	BatchID string `json:"batch_id,omitempty"` // empty until submitted

	Severity  Severity  `json:"severity"`
	Category  string    `json:"category"`
	FixType   FixType   `json:"fix_type"`
	RiskLevel RiskLevel `json:"risk_level"`
	Tags      []string  `json:"tags,omitempty"`

	Confidence           float64 `json:"confidence"`   // 0-100
	ImpactScore          float64 `json:"impact_score"` // 0-100
	Priority             float64 `json:"priority"`
	CostEstimate         float64 `json:"cost_estimate"`
	EstimatedTimeMinutes int     `json:"estimated_time_minutes"`

	Status           FixStatus  `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	Approved         bool       `json:"approved"`
	Ignored          bool       `json:"ignored"`
	AutoFixAvailable bool       `json:"auto_fix_available"`
	RetryCount       int        `json:"retry_count"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	Error            string     `json:"error,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`
}

// Active reports whether the result participates in active counts and
// automatic batch operations. Ignored results remain queryable but are
// excluded everywhere else.
func (r *FixResult) Active() bool {
	return !r.Ignored
}

// AutoFixable reports whether the result qualifies for the restricted
// auto-fix operation.
func (r *FixResult) AutoFixable() bool {
	return r.AutoFixAvailable &&
		r.Status == FixStatusPending &&
		!r.RequiresApproval &&
		!r.Ignored
}

// AppendHistory appends an entry without mutating prior entries.
func (r *FixResult) AppendHistory(action string, status FixStatus, details, performedBy string) {
	r.History = append(r.History, HistoryEntry{
		ID:          ulid.Make().String(),
		Timestamp:   time.Now().UTC(),
		Action:      action,
		Status:      status,
		Details:     details,
		PerformedBy: performedBy,
	})
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing internal state.
func (r *FixResult) Clone() *FixResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	out.History = append([]HistoryEntry(nil), r.History...)
	if r.AppliedAt != nil {
		t := *r.AppliedAt
		out.AppliedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.ScheduledFor != nil {
		t := *r.ScheduledFor
		out.ScheduledFor = &t
	}
	return &out
}
