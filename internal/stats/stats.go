// Package stats derives summary statistics from the current fix-result
// set. Computation is pure and runs in full on every state change rather
// than being maintained incrementally, so it can never drift from the
// store.
package stats

import (
	"math"

	"github.com/remediate-run/remedy/internal/models"
)

// Impact weighting per severity.
func severityMultiplier(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return 4.0
	case models.SeverityHigh:
		return 2.0
	case models.SeverityMedium:
		return 1.0
	case models.SeverityLow:
		return 0.5
	default:
		return 0.5
	}
}

// Summary is the aggregate view over the active (non-ignored) working set.
type Summary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
	Ignored    int `json:"ignored"`

	SuccessRate   float64 `json:"success_rate"`   // percent
	AvgConfidence float64 `json:"avg_confidence"` // 0-100
	AvgPriority   float64 `json:"avg_priority"`
	TotalImpact   float64 `json:"total_impact"`
	TotalCost     float64 `json:"total_cost"`
	EstimatedROI  float64 `json:"estimated_roi"`
	RiskScore     float64 `json:"risk_score"` // 0-100, higher is riskier
}

// Compute aggregates the given results. Ignored results are excluded from
// every figure except the Ignored count. All divisions guard against zero
// denominators by returning 0.
func Compute(results []*models.FixResult) Summary {
	var s Summary
	var sumConfidence, sumPriority float64

	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Ignored {
			s.Ignored++
			continue
		}
		s.Total++
		sumConfidence += r.Confidence
		sumPriority += r.Priority
		s.TotalCost += r.CostEstimate

		switch r.Status {
		case models.FixStatusCompleted:
			s.Completed++
			s.TotalImpact += r.ImpactScore * severityMultiplier(r.Severity) * (r.Confidence / 100)
		case models.FixStatusFailed:
			s.Failed++
		case models.FixStatusInProgress, models.FixStatusQueued:
			s.InProgress++
		default:
			s.Pending++
		}
	}

	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Total) * 100
		s.AvgConfidence = sumConfidence / float64(s.Total)
		s.AvgPriority = sumPriority / float64(s.Total)
		s.RiskScore = math.Round((1 - s.AvgConfidence/100) * 100)
	}
	if s.TotalCost > 0 {
		s.EstimatedROI = math.Round(s.TotalImpact * 10 / s.TotalCost)
	}
	return s
}
