package tracker

import (
	"testing"
	"time"

	"github.com/remediate-run/remedy/internal/models"
)

func seededStore(t *testing.T, issueIDs ...string) *Store {
	t.Helper()
	s := NewStore()
	for _, id := range issueIDs {
		if !s.AddResult(&models.FixResult{ID: "r-" + id, IssueID: id, Status: models.FixStatusPending}) {
			t.Fatalf("AddResult(%s) failed", id)
		}
	}
	s.CreateJob("batch-1", issueIDs, false)
	return s
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestStoreApplyIdempotent(t *testing.T) {
	s := seededStore(t, "i1", "i2")

	u := models.Update{
		BatchID:        "batch-1",
		Token:          models.Token{Seq: 1},
		Status:         models.JobStatusApplying,
		Progress:       floatPtr(40),
		CompletedFixes: intPtr(1),
		Results: []models.FixResult{
			{IssueID: "i1", Status: models.FixStatusCompleted},
		},
	}

	out := s.Apply(u)
	if !out.Changed || out.Stale {
		t.Fatalf("first apply: %+v", out)
	}
	v1 := s.Version()

	replay := s.Apply(u)
	if replay.Changed || !replay.Stale {
		t.Errorf("replay must be a stale no-op, got %+v", replay)
	}
	if s.Version() != v1 {
		t.Error("replay bumped the version")
	}
}

func TestStoreApplyDiscardsStaleToken(t *testing.T) {
	s := seededStore(t, "i1")

	s.Apply(models.Update{
		BatchID: "batch-1",
		Token:   models.Token{Seq: 5},
		Status:  models.JobStatusApplying,
		Results: []models.FixResult{{IssueID: "i1", Status: models.FixStatusInProgress}},
	})

	// A delayed poll response with an older token arrives afterwards.
	out := s.Apply(models.Update{
		BatchID: "batch-1",
		Token:   models.Token{Seq: 3},
		Status:  models.JobStatusQueued,
		Results: []models.FixResult{{IssueID: "i1", Status: models.FixStatusQueued}},
	})

	if !out.Stale {
		t.Fatal("older token must be discarded")
	}
	if got := s.Job().Status; got != models.JobStatusApplying {
		t.Errorf("job status regressed to %s", got)
	}
	if got := s.Get("i1").Status; got != models.FixStatusInProgress {
		t.Errorf("item status regressed to %s", got)
	}
}

func TestStoreApplyWrongBatch(t *testing.T) {
	s := seededStore(t, "i1")
	out := s.Apply(models.Update{BatchID: "other", Token: models.Token{Seq: 1}})
	if !out.Stale || out.Changed {
		t.Errorf("update for another batch must be discarded, got %+v", out)
	}
}

func TestStoreProgressMonotone(t *testing.T) {
	s := seededStore(t, "i1")

	s.Apply(models.Update{BatchID: "batch-1", Token: models.Token{Seq: 1}, Progress: floatPtr(60)})
	s.Apply(models.Update{BatchID: "batch-1", Token: models.Token{Seq: 2}, Progress: floatPtr(45)})

	if got := s.Job().Progress; got != 60 {
		t.Errorf("progress = %v, want 60 (never decreases)", got)
	}
}

func TestStoreProgressPinnedAtTerminal(t *testing.T) {
	s := seededStore(t, "i1")

	out := s.Apply(models.Update{
		BatchID:  "batch-1",
		Token:    models.Token{Seq: 1},
		Status:   models.JobStatusCompleted,
		Progress: floatPtr(87),
	})

	if !out.Terminal {
		t.Fatal("completed update must report terminal")
	}
	if got := s.Job().Progress; got != 100 {
		t.Errorf("progress = %v, want 100 at terminal", got)
	}
}

func TestStoreApplyNewlyFailed(t *testing.T) {
	s := seededStore(t, "i1", "i2")

	out := s.Apply(models.Update{
		BatchID: "batch-1",
		Token:   models.Token{Seq: 1},
		Results: []models.FixResult{
			{IssueID: "i1", Status: models.FixStatusFailed, Error: "disk full"},
			{IssueID: "i2", Status: models.FixStatusInProgress},
		},
	})

	if len(out.NewlyFailed) != 1 || out.NewlyFailed[0].IssueID != "i1" {
		t.Fatalf("NewlyFailed = %+v", out.NewlyFailed)
	}

	// Reporting the same failure again is not a new failure.
	out = s.Apply(models.Update{
		BatchID: "batch-1",
		Token:   models.Token{Seq: 2},
		Results: []models.FixResult{
			{IssueID: "i1", Status: models.FixStatusFailed, Error: "disk full"},
		},
	})
	if len(out.NewlyFailed) != 0 {
		t.Errorf("repeated failure reported as new: %+v", out.NewlyFailed)
	}
}

func TestStoreApplyUnknownIssueAdded(t *testing.T) {
	s := seededStore(t, "i1")

	s.Apply(models.Update{
		BatchID: "batch-1",
		Token:   models.Token{Seq: 1},
		Results: []models.FixResult{
			{ID: "r-new", IssueID: "i-new", Status: models.FixStatusInProgress},
		},
	})

	if r := s.Get("i-new"); r == nil || r.Status != models.FixStatusInProgress {
		t.Errorf("server-introduced result not stored: %+v", r)
	}
}

func TestStoreIgnoredNeverRegressed(t *testing.T) {
	s := seededStore(t, "i1")
	if !s.SetIgnored("i1", true, "operator") {
		t.Fatal("SetIgnored failed")
	}

	// Server update omits the ignore flag entirely.
	s.Apply(models.Update{
		BatchID: "batch-1",
		Token:   models.Token{Seq: 1},
		Results: []models.FixResult{{IssueID: "i1", Status: models.FixStatusCompleted}},
	})

	if r := s.Get("i1"); !r.Ignored {
		t.Error("reconciliation cleared the local ignore flag")
	}

	// Un-ignoring is a local-only operation.
	if !s.SetIgnored("i1", false, "operator") {
		t.Fatal("unignore failed")
	}
	if s.SetIgnored("i1", false, "operator") {
		t.Error("unignore of a non-ignored result must be a no-op")
	}
}

func TestStoreZeroTokenBypassesOrdering(t *testing.T) {
	s := seededStore(t, "i1")
	s.Apply(models.Update{BatchID: "batch-1", Token: models.Token{Seq: 9}, Status: models.JobStatusApplying})

	// Local cancel carries no server token and must still land.
	out := s.Apply(models.Update{BatchID: "batch-1", Status: models.JobStatusCancelled})
	if out.Stale || !out.Terminal {
		t.Fatalf("zero-token cancel discarded: %+v", out)
	}
	if got := s.Job().Status; got != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
}

func TestStoreMergeHistoryDedup(t *testing.T) {
	s := seededStore(t, "i1")
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := models.HistoryEntry{Timestamp: ts, Action: "applied", Status: models.FixStatusCompleted}

	u := models.Update{
		BatchID: "batch-1",
		Token:   models.Token{Seq: 1},
		Results: []models.FixResult{
			{IssueID: "i1", Status: models.FixStatusCompleted, History: []models.HistoryEntry{entry}},
		},
	}
	s.Apply(u)

	u.Token = models.Token{Seq: 2}
	s.Apply(u)

	r := s.Get("i1")
	count := 0
	for _, e := range r.History {
		if e.Action == "applied" && e.Timestamp.Equal(ts) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("history entry duplicated %d times", count)
	}
}

func TestStoreRetryCountNeverDecreases(t *testing.T) {
	s := seededStore(t, "i1")
	s.Apply(models.Update{
		BatchID: "batch-1", Token: models.Token{Seq: 1},
		Results: []models.FixResult{{IssueID: "i1", RetryCount: 2, Status: models.FixStatusFailed}},
	})
	s.Apply(models.Update{
		BatchID: "batch-1", Token: models.Token{Seq: 2},
		Results: []models.FixResult{{IssueID: "i1", RetryCount: 1, Status: models.FixStatusFailed}},
	})
	if got := s.Get("i1").RetryCount; got != 2 {
		t.Errorf("RetryCount = %d, want 2", got)
	}
}

func TestStoreMarkRetrying(t *testing.T) {
	s := seededStore(t, "i1")
	if s.MarkRetrying("i1") {
		t.Error("MarkRetrying must refuse non-failed results")
	}

	s.Apply(models.Update{
		BatchID: "batch-1", Token: models.Token{Seq: 1},
		Results: []models.FixResult{{IssueID: "i1", Status: models.FixStatusFailed}},
	})
	if !s.MarkRetrying("i1") {
		t.Fatal("MarkRetrying failed on a failed result")
	}
	r := s.Get("i1")
	if r.Status != models.FixStatusInProgress || r.RetryCount != 1 {
		t.Errorf("after retry: status=%s retries=%d", r.Status, r.RetryCount)
	}
}

func TestStoreMarkTimeout(t *testing.T) {
	s := seededStore(t, "i1")
	if !s.MarkTimeout() {
		t.Fatal("MarkTimeout failed on active job")
	}
	job := s.Job()
	if job.Status != models.JobStatusTimeout || job.Progress != 100 {
		t.Errorf("after timeout: status=%s progress=%v", job.Status, job.Progress)
	}
	if s.MarkTimeout() {
		t.Error("MarkTimeout must be a no-op once terminal")
	}
}

func TestStoreSnapshotIsDeepCopy(t *testing.T) {
	s := seededStore(t, "i1")
	snap := s.Snapshot()
	snap.Job.Status = models.JobStatusFailed
	snap.Results[0].Status = models.FixStatusFailed

	if s.Job().Status == models.JobStatusFailed {
		t.Error("snapshot shares job struct with store")
	}
	if s.Get("i1").Status == models.FixStatusFailed {
		t.Error("snapshot shares result structs with store")
	}
}

func TestStoreOnChangeFires(t *testing.T) {
	s := NewStore()
	fired := 0
	s.SetOnChange(func() { fired++ })

	s.AddResult(&models.FixResult{ID: "r1", IssueID: "i1", Status: models.FixStatusPending})
	s.CreateJob("batch-1", []string{"i1"}, false)

	before := fired
	s.Apply(models.Update{BatchID: "batch-1", Token: models.Token{Seq: 1}, Status: models.JobStatusQueued})
	if fired != before+1 {
		t.Errorf("onChange fired %d times for one effective update", fired-before)
	}

	// Stale updates must not notify.
	before = fired
	s.Apply(models.Update{BatchID: "batch-1", Token: models.Token{Seq: 1}, Status: models.JobStatusApplying})
	if fired != before {
		t.Error("onChange fired for a discarded update")
	}
}
