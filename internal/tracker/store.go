package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/remediate-run/remedy/internal/models"
)

// Store is the authoritative per-issue map. Every mutation funnels through
// it; poll responses and push events both land in Apply, where the
// server-assigned ordering token decides winners. Arrival order never does.
type Store struct {
	mu sync.RWMutex

	job        *models.FixJob
	results    map[string]*models.FixResult // keyed by issue ID
	order      []string                     // insertion order, for stable snapshots
	jobToken   models.Token
	itemTokens map[string]models.Token
	version    uint64

	onChange func() // invoked after every effective mutation, without the lock held
}

// Snapshot is a consistent, deep-copied view of the store.
type Snapshot struct {
	Job     *models.FixJob
	Results []*models.FixResult
	Version uint64
}

// ApplyOutcome reports what an update did to the store.
type ApplyOutcome struct {
	Changed     bool
	Stale       bool
	Terminal    bool // job is terminal after this update
	NewlyFailed []*models.FixResult
}

// NewStore creates an empty reconciliation store.
func NewStore() *Store {
	return &Store{
		results:    make(map[string]*models.FixResult),
		itemTokens: make(map[string]models.Token),
	}
}

// SetOnChange registers the change hook. Must be set before concurrent use.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// AddResult registers a locally created fix record. Existing records for
// the same issue are left untouched.
func (s *Store) AddResult(r *models.FixResult) bool {
	if r == nil || r.IssueID == "" {
		return false
	}
	s.mu.Lock()
	if _, exists := s.results[r.IssueID]; exists {
		s.mu.Unlock()
		return false
	}
	s.results[r.IssueID] = r.Clone()
	s.order = append(s.order, r.IssueID)
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// Get returns a copy of the record for an issue, or nil.
func (s *Store) Get(issueID string) *models.FixResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[issueID].Clone()
}

// Job returns a copy of the current job, or nil before submission.
func (s *Store) Job() *models.FixJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.job.Clone()
}

// CreateJob installs the job after a successful submission and moves the
// included issues to queued.
func (s *Store) CreateJob(batchID string, issueIDs []string, scheduled bool) {
	now := time.Now().UTC()
	status := models.JobStatusPending
	itemStatus := models.FixStatusQueued
	if scheduled {
		status = models.JobStatusScheduled
		itemStatus = models.FixStatusScheduled
	}

	s.mu.Lock()
	s.job = &models.FixJob{
		BatchID:    batchID,
		Status:     status,
		TotalFixes: len(issueIDs),
		IssueIDs:   append([]string(nil), issueIDs...),
		StartedAt:  &now,
	}
	s.jobToken = models.Token{}
	for _, id := range issueIDs {
		if r, ok := s.results[id]; ok {
			r.BatchID = batchID
			r.Status = itemStatus
			r.AppendHistory("submit", itemStatus, "included in batch "+batchID, "")
		}
	}
	s.version++
	s.mu.Unlock()
	s.notify()
}

// SeedJob restores a job and its results verbatim, used for recovery.
func (s *Store) SeedJob(job *models.FixJob, results map[string]*models.FixResult) {
	s.mu.Lock()
	s.job = job.Clone()
	for id, r := range results {
		if _, exists := s.results[id]; !exists {
			s.order = append(s.order, id)
		}
		s.results[id] = r.Clone()
	}
	s.version++
	s.mu.Unlock()
	s.notify()
}

// Apply merges a reconciliation update. It is idempotent: replaying an
// update leaves the store byte-identical. Updates whose token is not later
// than the last applied one are discarded wholesale.
func (s *Store) Apply(u models.Update) ApplyOutcome {
	s.mu.Lock()

	if s.job == nil || (u.BatchID != "" && s.job.BatchID != u.BatchID) {
		s.mu.Unlock()
		return ApplyOutcome{Stale: true}
	}
	if !u.Token.IsZero() && !u.Token.After(s.jobToken) {
		s.mu.Unlock()
		log.Debug().
			Str("batch_id", u.BatchID).
			Uint64("seq", u.Token.Seq).
			Msg("Discarding stale reconciliation update")
		return ApplyOutcome{Stale: true}
	}

	outcome := ApplyOutcome{}
	changed := false

	if u.Status != "" && canTransition(s.job.Status, u.Status) {
		s.job.Status = u.Status
		changed = true
	}
	if u.Progress != nil && *u.Progress > s.job.Progress {
		s.job.Progress = *u.Progress
		changed = true
	}
	if u.CompletedFixes != nil && *u.CompletedFixes != s.job.CompletedFixes {
		s.job.CompletedFixes = *u.CompletedFixes
		changed = true
	}
	if u.FailedFixes != nil && *u.FailedFixes != s.job.FailedFixes {
		s.job.FailedFixes = *u.FailedFixes
		changed = true
	}
	if u.EstimatedCompletion != nil {
		s.job.EstimatedCompletion = u.EstimatedCompletion
		changed = true
	}

	for i := range u.Results {
		delta := &u.Results[i]
		if delta.IssueID == "" {
			continue
		}
		if !u.Token.IsZero() && !u.Token.After(s.itemTokens[delta.IssueID]) {
			continue
		}
		existing, ok := s.results[delta.IssueID]
		if !ok {
			// Server introduced a new fix instance (e.g. after rollback).
			s.results[delta.IssueID] = delta.Clone()
			s.order = append(s.order, delta.IssueID)
			s.itemTokens[delta.IssueID] = u.Token
			changed = true
			continue
		}
		wasFailed := existing.Status == models.FixStatusFailed
		if mergeResult(existing, delta) {
			changed = true
			if !wasFailed && existing.Status == models.FixStatusFailed {
				outcome.NewlyFailed = append(outcome.NewlyFailed, existing.Clone())
			}
		}
		s.itemTokens[delta.IssueID] = u.Token
	}

	if !u.Token.IsZero() {
		s.jobToken = u.Token
	}

	if s.job.Status.Terminal() {
		outcome.Terminal = true
		// Pinned the instant the job goes terminal.
		if s.job.Progress != 100 {
			s.job.Progress = 100
			changed = true
		}
	}

	if changed {
		s.version++
	}
	s.mu.Unlock()

	outcome.Changed = changed
	if changed {
		s.notify()
	}
	return outcome
}

// ApplyLocal merges a backend response to an explicit per-issue operation
// (retry, rollback, schedule, ignore, approve). These are authoritative
// answers to requests the operator just made, so they bypass the ordering
// token but still obey the merge rules.
func (s *Store) ApplyLocal(r *models.FixResult, action, performedBy string) bool {
	if r == nil || r.IssueID == "" {
		return false
	}
	s.mu.Lock()
	existing, ok := s.results[r.IssueID]
	if !ok {
		added := r.Clone()
		added.AppendHistory(action, added.Status, "", performedBy)
		s.results[r.IssueID] = added
		s.order = append(s.order, r.IssueID)
		s.version++
		s.mu.Unlock()
		s.notify()
		return true
	}
	changed := mergeResult(existing, r)
	existing.AppendHistory(action, existing.Status, "", performedBy)
	s.version++
	s.mu.Unlock()
	s.notify()
	return changed
}

// SetIgnored flips the local ignore flag. Un-ignoring is only possible
// here; reconciliation updates can never regress ignored=true.
func (s *Store) SetIgnored(issueID string, ignored bool, performedBy string) bool {
	s.mu.Lock()
	r, ok := s.results[issueID]
	if !ok || r.Ignored == ignored {
		s.mu.Unlock()
		return false
	}
	r.Ignored = ignored
	action := "ignore"
	if !ignored {
		action = "unignore"
	}
	r.AppendHistory(action, r.Status, "", performedBy)
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// SetApproved records operator approval on a gated fix.
func (s *Store) SetApproved(issueID, performedBy string) bool {
	s.mu.Lock()
	r, ok := s.results[issueID]
	if !ok || r.Approved {
		s.mu.Unlock()
		return false
	}
	r.Approved = true
	r.AppendHistory("approve", r.Status, "", performedBy)
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// MarkRetrying moves a failed fix back in flight and counts the attempt.
func (s *Store) MarkRetrying(issueID string) bool {
	s.mu.Lock()
	r, ok := s.results[issueID]
	if !ok || r.Status != models.FixStatusFailed {
		s.mu.Unlock()
		return false
	}
	r.Status = models.FixStatusInProgress
	r.RetryCount++
	r.AppendHistory("auto_retry", r.Status, "automatic resubmission", "system")
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// MarkTimeout moves the local view to the terminal timeout outcome without
// touching server state.
func (s *Store) MarkTimeout() bool {
	s.mu.Lock()
	if s.job == nil || s.job.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.job.Status = models.JobStatusTimeout
	s.job.Progress = 100
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// Snapshot returns a deep-copied consistent view.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Job:     s.job.Clone(),
		Version: s.version,
	}
	snap.Results = make([]*models.FixResult, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.results[id]; ok {
			snap.Results = append(snap.Results, r.Clone())
		}
	}
	return snap
}

// ResultsMap returns a deep copy keyed by issue ID, for persistence.
func (s *Store) ResultsMap() map[string]*models.FixResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.FixResult, len(s.results))
	for id, r := range s.results {
		out[id] = r.Clone()
	}
	return out
}

// Version returns the current mutation counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) notify() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// mergeResult folds src into dst as a per-field union: newer non-null
// fields overwrite, history concatenates with (timestamp, action)
// de-duplication, and ignored=true is never regressed.
func mergeResult(dst, src *models.FixResult) bool {
	changed := false

	if src.ID != "" && src.ID != dst.ID {
		dst.ID = src.ID
		changed = true
	}
	if src.BatchID != "" && src.BatchID != dst.BatchID {
		dst.BatchID = src.BatchID
		changed = true
	}
	if src.Status != "" && src.Status != dst.Status {
		dst.Status = src.Status
		changed = true
	}
	if src.Error != dst.Error && (src.Error != "" || src.Status == models.FixStatusCompleted) {
		dst.Error = src.Error
		changed = true
	}
	if src.Confidence != 0 && src.Confidence != dst.Confidence {
		dst.Confidence = src.Confidence
		changed = true
	}
	if src.ImpactScore != 0 && src.ImpactScore != dst.ImpactScore {
		dst.ImpactScore = src.ImpactScore
		changed = true
	}
	if src.Priority != 0 && src.Priority != dst.Priority {
		dst.Priority = src.Priority
		changed = true
	}
	if src.CostEstimate != 0 && src.CostEstimate != dst.CostEstimate {
		dst.CostEstimate = src.CostEstimate
		changed = true
	}
	if src.RetryCount > dst.RetryCount {
		dst.RetryCount = src.RetryCount
		changed = true
	}
	if src.AppliedAt != nil && !equalTimePtr(src.AppliedAt, dst.AppliedAt) {
		t := *src.AppliedAt
		dst.AppliedAt = &t
		changed = true
	}
	if src.CompletedAt != nil && !equalTimePtr(src.CompletedAt, dst.CompletedAt) {
		t := *src.CompletedAt
		dst.CompletedAt = &t
		changed = true
	}
	if src.ScheduledFor != nil && !equalTimePtr(src.ScheduledFor, dst.ScheduledFor) {
		t := *src.ScheduledFor
		dst.ScheduledFor = &t
		changed = true
	}
	if src.Ignored && !dst.Ignored {
		dst.Ignored = true
		changed = true
	}
	if len(src.Tags) > 0 && !equalStrings(src.Tags, dst.Tags) {
		dst.Tags = append([]string(nil), src.Tags...)
		changed = true
	}
	if mergeHistory(dst, src.History) {
		changed = true
	}
	return changed
}

func mergeHistory(dst *models.FixResult, entries []models.HistoryEntry) bool {
	if len(entries) == 0 {
		return false
	}
	seen := make(map[historyKey]struct{}, len(dst.History))
	for _, e := range dst.History {
		seen[historyKey{e.Timestamp.UnixNano(), e.Action}] = struct{}{}
	}
	changed := false
	for _, e := range entries {
		key := historyKey{e.Timestamp.UnixNano(), e.Action}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		dst.History = append(dst.History, e)
		changed = true
	}
	if changed {
		sort.SliceStable(dst.History, func(i, j int) bool {
			return dst.History[i].Timestamp.Before(dst.History[j].Timestamp)
		})
	}
	return changed
}

type historyKey struct {
	ts     int64
	action string
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
