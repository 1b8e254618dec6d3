package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Model configurations ---

const modelConfigColumns = `id, name, provider, primary_model, fallback_model, system_prompt, temperature, max_tokens,
	api_key_sealed, is_active, created_at`

func scanModelConfig(row rowScanner) (ModelConfig, error) {
	var c ModelConfig
	var active int
	var createdAt string
	if err := row.Scan(&c.ID, &c.Name, &c.Provider, &c.PrimaryModel, &c.FallbackModel, &c.SystemPrompt,
		&c.Temperature, &c.MaxTokens, &c.APIKeySealed, &active, &createdAt); err != nil {
		return ModelConfig{}, err
	}
	c.IsActive = active != 0
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return ModelConfig{}, err
	}
	c.CreatedAt = t
	return c, nil
}

// SaveModelConfig inserts a configuration. When c.IsActive is set, every other
// configuration is deactivated in the same transaction.
func (s *Store) SaveModelConfig(c ModelConfig) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning model config transaction: %w", err)
	}
	defer tx.Rollback()

	if c.IsActive {
		if _, err := tx.Exec(`UPDATE model_configs SET is_active = 0`); err != nil {
			return fmt.Errorf("deactivating configs: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO model_configs (`+modelConfigColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Provider, c.PrimaryModel, c.FallbackModel, c.SystemPrompt, c.Temperature, c.MaxTokens,
		c.APIKeySealed, boolInt(c.IsActive), formatTime(c.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting model config: %w", err)
	}
	return tx.Commit()
}

// ActiveModelConfig returns the newest active configuration.
func (s *Store) ActiveModelConfig() (ModelConfig, error) {
	c, err := scanModelConfig(s.db.QueryRow(`SELECT ` + modelConfigColumns + ` FROM model_configs
		WHERE is_active = 1 ORDER BY created_at DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return ModelConfig{}, ErrNotFound
	}
	if err != nil {
		return ModelConfig{}, err
	}
	return c, nil
}

// ActivateModelConfig makes id the only active configuration.
func (s *Store) ActivateModelConfig(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning activate transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM model_configs WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`UPDATE model_configs SET is_active = CASE WHEN id = ? THEN 1 ELSE 0 END`, id); err != nil {
		return fmt.Errorf("activating config: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListModelConfigs() ([]ModelConfig, error) {
	rows, err := s.db.Query(`SELECT ` + modelConfigColumns + ` FROM model_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ModelConfig
	for rows.Next() {
		c, err := scanModelConfig(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
