// This file handles database operations for the inbox upload ledger.

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/policypulse/policypulse-go/internal/models"
)

// UploadStore handles database operations for inbox uploads.
type UploadStore struct {
	db *sql.DB
}

// NewUploadStore creates a new UploadStore instance.
func NewUploadStore(db *sql.DB) *UploadStore {
	return &UploadStore{db: db}
}

// RecordUpload stores the outcome for a file. A second record for the same
// path replaces the first.
func (s *UploadStore) RecordUpload(u models.Upload) error {
	query := `
		INSERT INTO uploads (path, file_name, project_id, file_size, status, error, document_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			project_id = excluded.project_id,
			file_size = excluded.file_size,
			status = excluded.status,
			error = excluded.error,
			document_id = excluded.document_id,
			updated_at = excluded.updated_at;
	`
	now := time.Now()
	_, err := s.db.Exec(query, u.Path, filepath.Base(u.Path), u.ProjectID, u.FileSize,
		string(u.Status), u.Error, u.DocumentID, now, now)
	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return nil
}

// GetUpload returns the ledger entry for path, or nil if the file was never seen.
func (s *UploadStore) GetUpload(path string) (*models.Upload, error) {
	query := `
		SELECT id, path, file_name, project_id, file_size, status, error, document_id, created_at, updated_at
		FROM uploads WHERE path = ?
	`
	u, err := scanUpload(s.db.QueryRow(query, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return u, nil
}

// ListUploads returns the most recent uploads first. A limit of 0 lists all.
func (s *UploadStore) ListUploads(limit int) ([]*models.Upload, error) {
	query := `
		SELECT id, path, file_name, project_id, file_size, status, error, document_id, created_at, updated_at
		FROM uploads
		ORDER BY updated_at DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	uploads := make([]*models.Upload, 0)
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload row: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// DeleteUploadByPath removes the ledger entry of a file, so it is picked up
// again the next time it appears.
func (s *UploadStore) DeleteUploadByPath(path string) error {
	if _, err := s.db.Exec("DELETE FROM uploads WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete upload by path: %w", err)
	}
	return nil
}

// CountUploads returns the number of ledger entries with the given status.
func (s *UploadStore) CountUploads(status models.UploadStatus) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM uploads WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count uploads: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(r rowScanner) (*models.Upload, error) {
	u := &models.Upload{}
	var status string
	err := r.Scan(&u.ID, &u.Path, &u.FileName, &u.ProjectID, &u.FileSize, &status,
		&u.Error, &u.DocumentID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Status = models.UploadStatus(status)
	return u, nil
}
