// Package storage provides the session metadata store. The engine treats it
// as an external collaborator: keyed record CRUD plus one compare-and-swap
// status transition.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/resilient-storage/uploader/internal/models"
)

// ErrNotFound is returned for operations against an unknown file id.
var ErrNotFound = errors.New("session not found")

// SessionStore is the metadata collaborator surface. Updates are atomic at
// the single-record level.
type SessionStore interface {
	// Create inserts a new session record. Fails if the file id exists.
	Create(ctx context.Context, session *models.UploadSession) error

	// Get retrieves a session by file id. Returns ErrNotFound if absent.
	Get(ctx context.Context, fileID string) (*models.UploadSession, error)

	// Touch bumps updated_at and the cached received-chunk count.
	Touch(ctx context.Context, fileID string, receivedChunks int) error

	// TransitionStatus atomically moves the session from one status to
	// another, comparing against the current status so racing transition
	// calls cannot both win. Returns false when the session is no longer
	// in the from status.
	TransitionStatus(ctx context.Context, fileID, from, to string) (bool, error)

	// SetFinalPath records the published artifact location.
	SetFinalPath(ctx context.Context, fileID, finalPath string) error

	// Delete removes the session record.
	Delete(ctx context.Context, fileID string) error

	// ListStale returns sessions in the given status whose updated_at is
	// older than the cutoff.
	ListStale(ctx context.Context, status string, olderThan time.Time) ([]models.UploadSession, error)

	// Close releases the store's resources.
	Close() error
}
