// Package jobstore persists the last known batch state so tracking
// survives restarts and reconnects. SQLite keeps it durable; entries are
// discarded once the batch is terminal and the caller has acknowledged it.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/remediate-run/remedy/internal/models"
)

// Store is the sqlite-backed recovery cache, keyed by batch id.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the cache database at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create jobstore directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open jobstore database: %w", err)
	}
	// A single writer keeps sqlite happy.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		batch_id   TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS fix_results (
		batch_id   TEXT NOT NULL,
		issue_id   TEXT NOT NULL,
		payload    TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (batch_id, issue_id)
	);
	CREATE INDEX IF NOT EXISTS idx_fix_results_batch ON fix_results(batch_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create jobstore schema: %w", err)
	}
	return nil
}

// SaveJob upserts the job and its full result set in one transaction.
func (s *Store) SaveJob(job *models.FixJob, results map[string]*models.FixResult) error {
	if job == nil || job.BatchID == "" {
		return fmt.Errorf("job has no batch id")
	}

	jobPayload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin jobstore transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.Exec(
		`INSERT INTO jobs (batch_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(batch_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		job.BatchID, string(jobPayload), now,
	); err != nil {
		return fmt.Errorf("save job %s: %w", job.BatchID, err)
	}

	for issueID, r := range results {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal result for issue %s: %w", issueID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO fix_results (batch_id, issue_id, payload, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(batch_id, issue_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			job.BatchID, issueID, string(payload), now,
		); err != nil {
			return fmt.Errorf("save result for issue %s: %w", issueID, err)
		}
	}

	return tx.Commit()
}

// Load returns the last known job and result map for a batch, or
// (nil, nil, nil) when the batch is unknown.
func (s *Store) Load(batchID string) (*models.FixJob, map[string]*models.FixResult, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM jobs WHERE batch_id = ?`, batchID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load job %s: %w", batchID, err)
	}

	var job models.FixJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, nil, fmt.Errorf("decode job %s: %w", batchID, err)
	}

	rows, err := s.db.Query(`SELECT issue_id, payload FROM fix_results WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("load results for %s: %w", batchID, err)
	}
	defer rows.Close()

	results := make(map[string]*models.FixResult)
	for rows.Next() {
		var issueID, resultPayload string
		if err := rows.Scan(&issueID, &resultPayload); err != nil {
			return nil, nil, fmt.Errorf("scan result row: %w", err)
		}
		var r models.FixResult
		if err := json.Unmarshal([]byte(resultPayload), &r); err != nil {
			log.Warn().Err(err).Str("issue_id", issueID).Msg("Skipping undecodable cached result")
			continue
		}
		results[issueID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate results for %s: %w", batchID, err)
	}
	return &job, results, nil
}

// Batches lists the batch ids currently cached, newest first.
func (s *Store) Batches() ([]string, error) {
	rows, err := s.db.Query(`SELECT batch_id FROM jobs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Discard deletes everything cached for a batch.
func (s *Store) Discard(batchID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin discard transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM fix_results WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("discard results for %s: %w", batchID, err)
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("discard job %s: %w", batchID, err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
