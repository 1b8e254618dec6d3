package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Jobs ---

const jobColumns = `id, process_id, user_id, conversation_id, payload_json, status, progress, result, model,
	used_fallback, last_error, created_at, updated_at`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var usedFallback int
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.ProcessID, &j.UserID, &j.ConversationID, &j.PayloadJSON, &j.Status, &j.Progress,
		&j.Result, &j.Model, &usedFallback, &j.LastError, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	j.UsedFallback = usedFallback != 0

	var err error
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) EnqueueJob(job Job) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, process_id, user_id, conversation_id, payload_json, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?)`,
		job.ID, job.ProcessID, job.UserID, job.ConversationID, job.PayloadJSON, now, now,
	)
	return err
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// ClaimNextJob moves the oldest queued job to processing and returns it.
// Returns nil, nil when the queue is empty.
func (s *Store) ClaimNextJob() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	j, err := scanJob(tx.QueryRow(`SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := time.Now()
	res, err := tx.Exec(`UPDATE jobs SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'queued'`,
		formatTime(now), j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobProcessing
	j.UpdatedAt = now.UTC().Truncate(time.Second)
	return &j, nil
}

func (s *Store) UpdateJobProgress(id string, progress int) error {
	res, err := s.db.Exec(`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		progress, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) CompleteJob(id, result, model string, usedFallback bool) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'completed', progress = 100, result = ?, model = ?, used_fallback = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		result, model, boolInt(usedFallback), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// FailJob marks the job failed. Failed jobs are terminal. Like CompleteJob it
// only applies to a processing job and returns ErrNotFound otherwise.
func (s *Store) FailJob(id string, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// FailStaleJobs marks jobs that have been processing since before cutoff as failed.
func (s *Store) FailStaleJobs(cutoff time.Time, errMsg string) (int64, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ?
		WHERE status = 'processing' AND updated_at < ?`,
		errMsg, formatTime(time.Now()), formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteFinishedJobs removes completed and failed jobs last touched before cutoff.
func (s *Store) DeleteFinishedJobs(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
