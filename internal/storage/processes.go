package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Processes ---

const processColumns = `id, name, description, department_id, created_by, status, current_version, form_data,
	frequency, duration_minutes, cost_per_hour, automation_score, created_at, updated_at`

func (s *Store) CreateProcess(p Process) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	if p.FormData == "" {
		p.FormData = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.DepartmentID, p.CreatedBy, p.Status, p.CurrentVersion, p.FormData,
		nullFloat(p.Frequency), nullFloat(p.DurationMinutes), nullFloat(p.CostPerHour), nullFloat(p.AutomationScore),
		formatTime(p.CreatedAt), formatTime(p.CreatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (Process, error) {
	var p Process
	var freq, dur, cost, score sql.NullFloat64
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.DepartmentID, &p.CreatedBy, &p.Status,
		&p.CurrentVersion, &p.FormData, &freq, &dur, &cost, &score, &createdAt, &updatedAt); err != nil {
		return Process{}, err
	}
	p.Frequency, p.DurationMinutes, p.CostPerHour, p.AutomationScore = floatPtr(freq), floatPtr(dur), floatPtr(cost), floatPtr(score)

	var err error
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Process{}, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Process{}, err
	}
	return p, nil
}

func (s *Store) GetProcess(id string) (Process, error) {
	p, err := scanProcess(s.db.QueryRow(`SELECT `+processColumns+` FROM processes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Process{}, ErrNotFound
	}
	if err != nil {
		return Process{}, err
	}
	return p, nil
}

func (s *Store) ListProcesses(createdBy string, limit int) ([]Process, error) {
	rows, err := s.db.Query(`SELECT `+processColumns+` FROM processes
		WHERE created_by = ? ORDER BY created_at DESC LIMIT ?`, createdBy, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) SetProcessStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE processes SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdateProcessMetrics writes the non-nil fields of m.
func (s *Store) UpdateProcessMetrics(id string, m ProcessMetrics) error {
	if m.Empty() {
		return nil
	}
	res, err := s.db.Exec(`
		UPDATE processes SET
			frequency        = COALESCE(?, frequency),
			duration_minutes = COALESCE(?, duration_minutes),
			cost_per_hour    = COALESCE(?, cost_per_hour),
			automation_score = COALESCE(?, automation_score),
			updated_at       = ?
		WHERE id = ?`,
		nullFloat(m.Frequency), nullFloat(m.DurationMinutes), nullFloat(m.CostPerHour), nullFloat(m.AutomationScore),
		formatTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Process versions ---

const versionColumns = `process_id, version, sop_json, form_data, created_by, created_at`

func scanVersion(row rowScanner) (ProcessVersion, error) {
	var v ProcessVersion
	var createdAt string
	if err := row.Scan(&v.ProcessID, &v.Version, &v.SOPJSON, &v.FormData, &v.CreatedBy, &createdAt); err != nil {
		return ProcessVersion{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return ProcessVersion{}, err
	}
	v.CreatedAt = t
	return v, nil
}

func (s *Store) GetVersion(processID string, version int) (ProcessVersion, error) {
	v, err := scanVersion(s.db.QueryRow(`SELECT `+versionColumns+` FROM process_versions
		WHERE process_id = ? AND version = ?`, processID, version))
	if err == sql.ErrNoRows {
		return ProcessVersion{}, ErrNotFound
	}
	if err != nil {
		return ProcessVersion{}, err
	}
	return v, nil
}

// LatestVersion returns the highest-numbered version of a process.
func (s *Store) LatestVersion(processID string) (ProcessVersion, error) {
	v, err := scanVersion(s.db.QueryRow(`SELECT `+versionColumns+` FROM process_versions
		WHERE process_id = ? ORDER BY version DESC LIMIT 1`, processID))
	if err == sql.ErrNoRows {
		return ProcessVersion{}, ErrNotFound
	}
	if err != nil {
		return ProcessVersion{}, err
	}
	return v, nil
}

// SaveStepTree writes sopJSON into version 1 of the process, creating the
// version if needed, and moves the process to status in the same transaction.
func (s *Store) SaveStepTree(processID, userID, sopJSON, status string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning step tree transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.Exec(`UPDATE processes SET status = ?, current_version = MAX(current_version, 1), updated_at = ?
		WHERE id = ?`, status, now, processID)
	if err != nil {
		return fmt.Errorf("updating process: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO process_versions (process_id, version, sop_json, form_data, created_by, created_at)
		VALUES (?, 1, ?, (SELECT form_data FROM processes WHERE id = ?), ?, ?)
		ON CONFLICT(process_id, version) DO UPDATE SET sop_json = excluded.sop_json`,
		processID, sopJSON, processID, userID, now,
	); err != nil {
		return fmt.Errorf("saving version 1: %w", err)
	}

	return tx.Commit()
}

// CreateNextVersion inserts a new version numbered one above the current
// maximum and points the process at it. Returns the new version number.
func (s *Store) CreateNextVersion(processID, userID, sopJSON, formData string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning version transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM processes WHERE id = ?`, processID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrNotFound
	}

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM process_versions WHERE process_id = ?`,
		processID).Scan(&next); err != nil {
		return 0, fmt.Errorf("computing next version: %w", err)
	}
	if formData == "" {
		formData = "{}"
	}

	now := formatTime(time.Now())
	if _, err := tx.Exec(`INSERT INTO process_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		processID, next, sopJSON, formData, userID, now); err != nil {
		return 0, fmt.Errorf("inserting version %d: %w", next, err)
	}
	if _, err := tx.Exec(`UPDATE processes SET current_version = ?, updated_at = ? WHERE id = ?`,
		next, now, processID); err != nil {
		return 0, fmt.Errorf("updating current version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing version %d: %w", next, err)
	}
	return next, nil
}
