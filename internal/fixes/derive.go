// Package fixes holds the pure fix-record model: derivation rules that
// turn a detected issue into a remediation record, and filtering over the
// working set. No side effects; inputs are assumed pre-validated by the
// detection collaborator.
package fixes

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/remediate-run/remedy/internal/models"
)

// Base remediation time per severity, in minutes.
var baseTimeMinutes = map[models.Severity]float64{
	models.SeverityCritical: 30,
	models.SeverityHigh:     15,
	models.SeverityMedium:   8,
	models.SeverityLow:      3,
}

// Category multipliers for time estimation. Unlisted categories use 1.0.
var categoryMultiplier = map[string]float64{
	"security":      1.5,
	"database":      1.4,
	"network":       1.3,
	"performance":   1.2,
	"configuration": 1.0,
}

// DeriveFixType classifies how the fix will be applied. Auto-fixable issues
// with solid confidence run unattended; auto-fixable but shakier ones need
// a human in the loop.
func DeriveFixType(issue models.Issue) models.FixType {
	if !issue.AutoFixAvailable {
		return models.FixTypeManual
	}
	if issue.Confidence > 70 {
		return models.FixTypeAutomated
	}
	return models.FixTypeSemiAutomated
}

// DeriveRiskLevel scales confidence by a severity weight and buckets the
// result. Weights: critical=1.0, high=0.8, medium=0.6, low=0.4.
func DeriveRiskLevel(issue models.Issue) models.RiskLevel {
	score := issue.Confidence * issue.Severity.Weight()
	switch {
	case score > 80:
		return models.RiskCritical
	case score > 60:
		return models.RiskHigh
	case score > 40:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// DeriveRequiresApproval gates fixes behind an explicit approval step.
func DeriveRequiresApproval(issue models.Issue) bool {
	if issue.Severity == models.SeverityCritical {
		return true
	}
	if issue.Severity == models.SeverityHigh && issue.Confidence > 80 {
		return true
	}
	if issue.Category == "security" {
		return true
	}
	return issue.ImpactScore > 85
}

// EstimateTime returns the remediation time estimate in whole minutes:
// ceil(baseTime[severity] * categoryMultiplier * confidenceDiscount),
// where high-confidence fixes (>90) get a 0.8 discount.
func EstimateTime(issue models.Issue) int {
	base, ok := baseTimeMinutes[issue.Severity]
	if !ok {
		base = baseTimeMinutes[models.SeverityLow]
	}
	mult, ok := categoryMultiplier[issue.Category]
	if !ok {
		mult = 1.0
	}
	discount := 1.0
	if issue.Confidence > 90 {
		discount = 0.8
	}
	return int(math.Ceil(base * mult * discount))
}

// GenerateTags returns the derived tag set for an issue, sorted for
// stable output.
func GenerateTags(issue models.Issue) []string {
	set := map[string]struct{}{
		fmt.Sprintf("severity:%s", issue.Severity): {},
	}
	if issue.Category != "" {
		set["category:"+issue.Category] = struct{}{}
	}
	set["fix:"+string(DeriveFixType(issue))] = struct{}{}
	if issue.AutoFixAvailable {
		set["auto-fixable"] = struct{}{}
	}
	if DeriveRequiresApproval(issue) {
		set["needs-approval"] = struct{}{}
	}
	if issue.ImpactScore > 85 {
		set["high-impact"] = struct{}{}
	}
	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// NewFixResult creates the pending fix record for an issue the moment it is
// selected for remediation.
func NewFixResult(issue models.Issue) *models.FixResult {
	return &models.FixResult{
		ID:                   uuid.NewString(),
		IssueID:              issue.ID,
		Severity:             issue.Severity,
		Category:             issue.Category,
		FixType:              DeriveFixType(issue),
		RiskLevel:            DeriveRiskLevel(issue),
		Tags:                 GenerateTags(issue),
		Confidence:           issue.Confidence,
		ImpactScore:          issue.ImpactScore,
		Priority:             issue.Priority,
		CostEstimate:         issue.CostEstimate,
		EstimatedTimeMinutes: EstimateTime(issue),
		Status:               models.FixStatusPending,
		RequiresApproval:     DeriveRequiresApproval(issue),
		AutoFixAvailable:     issue.AutoFixAvailable,
	}
}
