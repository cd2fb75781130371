package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// SQLiteStore records which applicants a batch already evaluated so an
// interrupted run can resume. Only IDs and timestamps are stored.
type SQLiteStore struct {
	db *sql.DB
}

var _ model.ProcessedStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures the
// processed_applicants table exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// Batch workers write concurrently; a single connection serialises them.
	db.SetMaxOpenConns(1)

	// Verify the connection is alive.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	createTable := `CREATE TABLE IF NOT EXISTS processed_applicants (
		applicant_id TEXT PRIMARY KEY,
		processed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating processed_applicants table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// HasProcessed returns true if the applicant has already been recorded.
func (s *SQLiteStore) HasProcessed(ctx context.Context, applicantID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM processed_applicants WHERE applicant_id = ?", applicantID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking processed status for %s: %w", applicantID, err)
	}
	return true, nil
}

// MarkProcessed records an applicant. If it already exists the call is a no-op.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, applicantID string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO processed_applicants (applicant_id) VALUES (?)", applicantID)
	if err != nil {
		return fmt.Errorf("marking applicant %s as processed: %w", applicantID, err)
	}
	return nil
}

// Count returns the number of recorded applicants.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_applicants").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting processed applicants: %w", err)
	}
	return count, nil
}

// Cleanup deletes entries older than the given duration.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.DateTime)
	_, err := s.db.ExecContext(ctx, "DELETE FROM processed_applicants WHERE processed_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("cleaning up processed applicants older than %v: %w", olderThan, err)
	}
	return nil
}

// Reset forgets every recorded applicant.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM processed_applicants"); err != nil {
		return fmt.Errorf("resetting processed applicants: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
