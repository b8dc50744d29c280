// Package store is the data access layer for the gateway's local SQLite
// database: user preferences and the inbox upload ledger.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/policypulse/policypulse-go/internal/models"
)

const keySelectedProject = "selected_project_id"

var (
	ErrInvalidProject = errors.New("store: project id is not a UUID")
	ErrInvalidMode    = errors.New("store: invalid reprocess mode")
)

// Store provides all functions to interact with the preferences tables.
type Store struct {
	db *sql.DB
}

// New creates a new Store instance.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SelectedProject returns the project the user works on, or "" when none
// has been chosen.
func (s *Store) SelectedProject() (string, error) {
	return s.setting(keySelectedProject)
}

// SetSelectedProject stores the chosen project. An empty id clears it.
func (s *Store) SetSelectedProject(projectID string) error {
	if projectID == "" {
		_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", keySelectedProject)
		return err
	}
	if _, err := uuid.Parse(projectID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidProject, projectID)
	}
	return s.setSetting(keySelectedProject, projectID)
}

// LastMode returns the stored reprocess mode of a step, or "" if none.
func (s *Store) LastMode(stepID string) (models.ReprocessMode, error) {
	var mode string
	err := s.db.QueryRow("SELECT mode FROM step_modes WHERE step_id = ?", stepID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read mode of step %s: %w", stepID, err)
	}
	return models.ReprocessMode(mode), nil
}

// SetLastMode remembers the mode a step was last started with.
func (s *Store) SetLastMode(stepID string, mode models.ReprocessMode) error {
	if _, ok := models.ParseReprocessMode(string(mode)); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	query := `
		INSERT INTO step_modes (step_id, mode, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			mode = excluded.mode,
			updated_at = excluded.updated_at;
	`
	if _, err := s.db.Exec(query, stepID, string(mode), time.Now()); err != nil {
		return fmt.Errorf("failed to store mode of step %s: %w", stepID, err)
	}
	return nil
}

// ForgetStep drops everything stored about a deleted step.
func (s *Store) ForgetStep(stepID string) error {
	_, err := s.db.Exec("DELETE FROM step_modes WHERE step_id = ?", stepID)
	if err != nil {
		return fmt.Errorf("failed to forget step %s: %w", stepID, err)
	}
	return nil
}

// StepModes returns every stored mode keyed by step id.
func (s *Store) StepModes() (map[string]models.ReprocessMode, error) {
	rows, err := s.db.Query("SELECT step_id, mode FROM step_modes")
	if err != nil {
		return nil, fmt.Errorf("failed to query step modes: %w", err)
	}
	defer rows.Close()

	modes := make(map[string]models.ReprocessMode)
	for rows.Next() {
		var id, mode string
		if err := rows.Scan(&id, &mode); err != nil {
			return nil, fmt.Errorf("failed to scan step mode row: %w", err)
		}
		modes[id] = models.ReprocessMode(mode)
	}
	return modes, rows.Err()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) setting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setSetting(key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at;
	`
	if _, err := s.db.Exec(query, key, value, time.Now()); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
