package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resilient-storage/uploader/internal/models"
)

// PostgresStore is the SessionStore backed by a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	url  string
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, url: databaseURL}, nil
}

// Migrate runs database migrations from the given directory.
func (s *PostgresStore) Migrate(migrationsPath string) error {
	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", absPath)
	}

	m, err := migrate.New("file://"+absPath, s.url)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Create inserts a new session record.
func (s *PostgresStore) Create(ctx context.Context, session *models.UploadSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO upload_sessions
		   (file_id, owner_id, filename, declared_size, total_chunks, expected_hash,
		    received_chunks, status, final_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.FileID, session.OwnerID, session.Filename, session.DeclaredSize,
		session.TotalChunks, session.ExpectedHash, session.ReceivedChunks,
		session.Status, session.FinalPath, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// Get retrieves a session by file id.
func (s *PostgresStore) Get(ctx context.Context, fileID string) (*models.UploadSession, error) {
	var session models.UploadSession
	err := s.pool.QueryRow(ctx,
		`SELECT file_id, owner_id, filename, declared_size, total_chunks, expected_hash,
		        received_chunks, status, final_path, created_at, updated_at
		 FROM upload_sessions WHERE file_id = $1`,
		fileID).Scan(
		&session.FileID, &session.OwnerID, &session.Filename, &session.DeclaredSize,
		&session.TotalChunks, &session.ExpectedHash, &session.ReceivedChunks,
		&session.Status, &session.FinalPath, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return &session, nil
}

// Touch bumps updated_at and the cached progress counter.
func (s *PostgresStore) Touch(ctx context.Context, fileID string, receivedChunks int) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE upload_sessions SET received_chunks = $1, updated_at = $2 WHERE file_id = $3",
		receivedChunks, time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("failed to touch upload session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus compares and swaps the session status in one statement,
// so racing transitions cannot both win even across processes.
func (s *PostgresStore) TransitionStatus(ctx context.Context, fileID, from, to string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE upload_sessions SET status = $1, updated_at = $2 WHERE file_id = $3 AND status = $4",
		to, time.Now().UTC(), fileID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either absent or not in the expected status.
		if _, err := s.Get(ctx, fileID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetFinalPath records the published artifact location.
func (s *PostgresStore) SetFinalPath(ctx context.Context, fileID, finalPath string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE upload_sessions SET final_path = $1, updated_at = $2 WHERE file_id = $3",
		finalPath, time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("failed to set final path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the session record.
func (s *PostgresStore) Delete(ctx context.Context, fileID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM upload_sessions WHERE file_id = $1", fileID)
	if err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

// ListStale returns sessions in status with updated_at older than the cutoff.
func (s *PostgresStore) ListStale(ctx context.Context, status string, olderThan time.Time) ([]models.UploadSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT file_id, owner_id, filename, declared_size, total_chunks, expected_hash,
		        received_chunks, status, final_path, created_at, updated_at
		 FROM upload_sessions WHERE status = $1 AND updated_at < $2`,
		status, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.UploadSession
	for rows.Next() {
		var session models.UploadSession
		err := rows.Scan(
			&session.FileID, &session.OwnerID, &session.Filename, &session.DeclaredSize,
			&session.TotalChunks, &session.ExpectedHash, &session.ReceivedChunks,
			&session.Status, &session.FinalPath, &session.CreatedAt, &session.UpdatedAt)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
