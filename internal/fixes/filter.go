package fixes

import (
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/remediate-run/remedy/internal/models"
)

// Filter selects a subset of the working set. Zero-value fields match
// everything. Search and Tag accept '*' and '?' wildcards.
type Filter struct {
	Severity       models.Severity
	Category       string
	Status         models.FixStatus
	RiskLevel      models.RiskLevel
	Tag            string
	Search         string
	IncludeIgnored bool
}

// Matches reports whether a single result passes the filter. Ignored
// results are excluded unless IncludeIgnored is set; they remain queryable
// through that flag.
func (f Filter) Matches(r *models.FixResult) bool {
	if r == nil {
		return false
	}
	if r.Ignored && !f.IncludeIgnored {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.RiskLevel != "" && r.RiskLevel != f.RiskLevel {
		return false
	}
	if f.Tag != "" && !matchesAnyTag(f.Tag, r.Tags) {
		return false
	}
	if f.Search != "" && !matchesSearch(f.Search, r) {
		return false
	}
	return true
}

// Apply returns the results passing the filter, preserving input order.
func (f Filter) Apply(results []*models.FixResult) []*models.FixResult {
	out := make([]*models.FixResult, 0, len(results))
	for _, r := range results {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func matchesAnyTag(pattern string, tags []string) bool {
	pattern = strings.ToLower(pattern)
	for _, tag := range tags {
		if wildcard.Match(pattern, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

func matchesSearch(pattern string, r *models.FixResult) bool {
	pattern = strings.ToLower(pattern)
	if !strings.ContainsAny(pattern, "*?") {
		pattern = "*" + pattern + "*"
	}
	for _, candidate := range []string{r.IssueID, r.Category, string(r.Severity), r.Error} {
		if wildcard.Match(pattern, strings.ToLower(candidate)) {
			return true
		}
	}
	return matchesAnyTag(pattern, r.Tags)
}
