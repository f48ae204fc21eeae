package jobstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remediate-run/remedy/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJob(batchID string) (*models.FixJob, map[string]*models.FixResult) {
	job := &models.FixJob{
		BatchID:        batchID,
		Status:         models.JobStatusApplying,
		Progress:       60,
		TotalFixes:     2,
		CompletedFixes: 1,
		IssueIDs:       []string{"i1", "i2"},
	}
	results := map[string]*models.FixResult{
		"i1": {ID: "r1", IssueID: "i1", BatchID: batchID, Status: models.FixStatusCompleted},
		"i2": {ID: "r2", IssueID: "i2", BatchID: batchID, Status: models.FixStatusInProgress, RetryCount: 1},
	}
	return job, results
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	s := openTestStore(t)
	job, results := sampleJob("b1")

	require.NoError(t, s.SaveJob(job, results))

	loaded, loadedResults, err := s.Load("b1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, models.JobStatusApplying, loaded.Status)
	assert.Equal(t, float64(60), loaded.Progress)
	assert.Equal(t, []string{"i1", "i2"}, loaded.IssueIDs)

	require.Len(t, loadedResults, 2)
	assert.Equal(t, models.FixStatusInProgress, loadedResults["i2"].Status)
	assert.Equal(t, 1, loadedResults["i2"].RetryCount)
}

func TestSaveUpserts(t *testing.T) {
	s := openTestStore(t)
	job, results := sampleJob("b1")
	require.NoError(t, s.SaveJob(job, results))

	job.Status = models.JobStatusCompleted
	job.Progress = 100
	results["i2"].Status = models.FixStatusCompleted
	require.NoError(t, s.SaveJob(job, results))

	loaded, loadedResults, err := s.Load("b1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, loaded.Status)
	assert.Equal(t, models.FixStatusCompleted, loadedResults["i2"].Status)

	// Still exactly one row per entity.
	ids, err := s.Batches()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestLoadUnknownBatch(t *testing.T) {
	s := openTestStore(t)
	job, results, err := s.Load("ghost")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Nil(t, results)
}

func TestSaveRejectsAnonymousJob(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.SaveJob(&models.FixJob{}, nil))
	assert.Error(t, s.SaveJob(nil, nil))
}

func TestDiscard(t *testing.T) {
	s := openTestStore(t)
	job, results := sampleJob("b1")
	require.NoError(t, s.SaveJob(job, results))

	require.NoError(t, s.Discard("b1"))
	loaded, _, err := s.Load("b1")
	require.NoError(t, err)
	assert.Nil(t, loaded, "batch still present after discard")

	// Discarding an unknown batch is not an error.
	assert.NoError(t, s.Discard("ghost"))
}

func TestBatchesListing(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"b1", "b2"} {
		job, results := sampleJob(id)
		require.NoError(t, s.SaveJob(job, results))
	}

	ids, err := s.Batches()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")

	s, err := Open(path)
	require.NoError(t, err)
	job, results := sampleJob("b1")
	require.NoError(t, s.SaveJob(job, results))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	loaded, _, err := s2.Load("b1")
	require.NoError(t, err)
	require.NotNil(t, loaded, "state lost across reopen")
	assert.Equal(t, "b1", loaded.BatchID)
}
