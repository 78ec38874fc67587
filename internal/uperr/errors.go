// Package uperr defines the closed error taxonomy of the upload engine.
// Every error crossing a package boundary carries a Kind so callers can
// branch on failure class without string matching.
package uperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. The set is closed: callers may exhaustively
// switch on it.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindAlreadyExists
	KindChunkIntegrity
	KindTransientStorage
	KindIncomplete
	KindHashMismatch
	KindNotFound
	KindRetryBudgetExhausted
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindAlreadyExists:
		return "already_exists"
	case KindChunkIntegrity:
		return "chunk_integrity"
	case KindTransientStorage:
		return "transient_storage"
	case KindIncomplete:
		return "incomplete"
	case KindHashMismatch:
		return "hash_mismatch"
	case KindNotFound:
		return "not_found"
	case KindRetryBudgetExhausted:
		return "retry_budget_exhausted"
	default:
		return "unknown"
	}
}

// RetryGuidance tells a client how to try again after a retryable failure.
type RetryGuidance struct {
	RetryAfter         time.Duration
	Attempt            int
	MaxAttempts        int
	SuggestedChunkSize int64
}

// Error is the engine's error type. Chunk is -1 when the failure is not
// tied to a specific chunk.
type Error struct {
	Kind   Kind
	Op     string
	FileID string
	Chunk  int
	Msg    string
	Err    error
	Retry  *RetryGuidance
}

// E builds an *Error. After kind, op and fileID, the variadic arguments
// are assigned by type: string sets Msg, error sets Err, int sets Chunk,
// *RetryGuidance sets Retry.
func E(kind Kind, op, fileID string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Op: op, FileID: fileID, Chunk: -1}
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			e.Msg = v
		case error:
			e.Err = v
		case int:
			e.Chunk = v
		case *RetryGuidance:
			e.Retry = v
		}
	}
	return e
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s: %s [file_id=%s chunk=%d]: %s", e.Op, e.Kind, e.FileID, e.Chunk, msg)
	}
	if e.FileID != "" {
		return fmt.Sprintf("%s: %s [file_id=%s]: %s", e.Op, e.Kind, e.FileID, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a retry of the same operation can succeed.
// Integrity failures qualify: the client re-reads the source bytes and
// resends. Hash mismatch after merge does not; the upload itself is bad.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindChunkIntegrity, KindTransientStorage:
		return true
	default:
		return false
	}
}
