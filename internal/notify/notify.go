// Package notify emits fire-and-forget upload lifecycle events. Delivery is
// best effort: the engine never blocks on the notification channel and
// publish failures are logged, not propagated.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types emitted per chunk and stage.
const (
	EventSessionStarted   = "session_started"
	EventChunkAccepted    = "chunk_accepted"
	EventChunkRejected    = "chunk_rejected"
	EventMergeStarted     = "merge_started"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"
	EventSessionCancelled = "session_cancelled"
	EventSessionExpired   = "session_expired"
)

// Event is one lifecycle notification.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	FileID  string                 `json:"file_id"`
	At      time.Time              `json:"at"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, fileID string, payload map[string]interface{}) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		FileID:  fileID,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// Publisher delivers events to the notification channel collaborator.
type Publisher interface {
	// Publish sends one event. Implementations must be non-blocking from
	// the caller's perspective and must swallow delivery failures.
	Publish(ctx context.Context, event Event)

	// Close releases the publisher's resources.
	Close() error
}
