package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/resilient-storage/uploader/internal/models"
)

// MemoryStore is a mutex-guarded in-process SessionStore. It backs tests
// and single-process deployments that run without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.UploadSession
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.UploadSession)}
}

// Create inserts a new session record.
func (s *MemoryStore) Create(ctx context.Context, session *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.FileID]; ok {
		return errors.New("session already exists")
	}
	s.sessions[session.FileID] = *session
	return nil
}

// Get retrieves a session by file id.
func (s *MemoryStore) Get(ctx context.Context, fileID string) (*models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return &session, nil
}

// Touch bumps updated_at and the cached progress counter.
func (s *MemoryStore) Touch(ctx context.Context, fileID string, receivedChunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[fileID]
	if !ok {
		return ErrNotFound
	}
	session.ReceivedChunks = receivedChunks
	session.UpdatedAt = time.Now().UTC()
	s.sessions[fileID] = session
	return nil
}

// TransitionStatus compares and swaps the session status.
func (s *MemoryStore) TransitionStatus(ctx context.Context, fileID, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[fileID]
	if !ok {
		return false, ErrNotFound
	}
	if session.Status != from {
		return false, nil
	}
	session.Status = to
	session.UpdatedAt = time.Now().UTC()
	s.sessions[fileID] = session
	return true, nil
}

// SetFinalPath records the published artifact location.
func (s *MemoryStore) SetFinalPath(ctx context.Context, fileID, finalPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[fileID]
	if !ok {
		return ErrNotFound
	}
	session.FinalPath = finalPath
	session.UpdatedAt = time.Now().UTC()
	s.sessions[fileID] = session
	return nil
}

// Delete removes the session record.
func (s *MemoryStore) Delete(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, fileID)
	return nil
}

// ListStale returns sessions in status with updated_at older than the cutoff.
func (s *MemoryStore) ListStale(ctx context.Context, status string, olderThan time.Time) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []models.UploadSession
	for _, session := range s.sessions {
		if session.Status == status && session.UpdatedAt.Before(olderThan) {
			stale = append(stale, session)
		}
	}
	return stale, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
