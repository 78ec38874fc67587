// Package session owns the UploadSession lifecycle. All status-mutating
// operations for a file id are serialized by a per-session lock; unrelated
// sessions proceed concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resilient-storage/uploader/internal/chunkstore"
	"github.com/resilient-storage/uploader/internal/merge"
	"github.com/resilient-storage/uploader/internal/models"
	"github.com/resilient-storage/uploader/internal/netmon"
	"github.com/resilient-storage/uploader/internal/notify"
	"github.com/resilient-storage/uploader/internal/retrypolicy"
	"github.com/resilient-storage/uploader/internal/storage"
	"github.com/resilient-storage/uploader/internal/uperr"
	"github.com/resilient-storage/uploader/internal/verify"
)

// missingPreviewCap bounds the missing_indices list in status responses so
// a million-chunk session cannot balloon the payload. The true count is
// always reported alongside.
const missingPreviewCap = 64

// Manager orchestrates the chunk store, verifier, monitor, retry policy,
// merge engine and notification channel around the session records.
type Manager struct {
	store        storage.SessionStore
	chunks       *chunkstore.Store
	monitor      *netmon.Monitor
	merger       *merge.Engine
	retry        *retrypolicy.Policy
	notifier     notify.Publisher
	locks        *lockRegistry
	chunkTimeout time.Duration
	log          *logrus.Entry
}

// NewManager wires a session manager.
func NewManager(
	store storage.SessionStore,
	chunks *chunkstore.Store,
	monitor *netmon.Monitor,
	merger *merge.Engine,
	retry *retrypolicy.Policy,
	notifier notify.Publisher,
	chunkTimeout time.Duration,
	log *logrus.Logger,
) *Manager {
	return &Manager{
		store:        store,
		chunks:       chunks,
		monitor:      monitor,
		merger:       merger,
		retry:        retry,
		notifier:     notifier,
		locks:        newLockRegistry(),
		chunkTimeout: chunkTimeout,
		log:          log.WithField("component", "session"),
	}
}

// StartRequest carries the identity of a new upload session.
type StartRequest struct {
	FileID       string
	Filename     string
	TotalChunks  int
	DeclaredSize int64
	ExpectedHash string
}

// sameIdentity reports whether a retried start call matches the existing
// session exactly.
func sameIdentity(s *models.UploadSession, ownerID string, req StartRequest) bool {
	return s.OwnerID == ownerID &&
		s.Filename == req.Filename &&
		s.TotalChunks == req.TotalChunks &&
		s.DeclaredSize == req.DeclaredSize &&
		verify.Equal(s.ExpectedHash, req.ExpectedHash)
}

// StartSession creates a session in the uploading state. Retried start
// calls with an identical, still-uploading identity return the existing
// session so client-side duplicate submissions are harmless. A completed
// session occupies its file id permanently; cancelled and failed sessions
// may be restarted.
func (m *Manager) StartSession(ctx context.Context, ownerID string, req StartRequest) (*models.UploadSession, error) {
	const op = "session.StartSession"

	if req.FileID == "" || req.Filename == "" {
		return nil, uperr.E(uperr.KindInvalidArgument, op, req.FileID, "file_id and filename are required")
	}
	if req.TotalChunks < 1 {
		return nil, uperr.E(uperr.KindInvalidArgument, op, req.FileID, "total_chunks must be >= 1")
	}
	if req.DeclaredSize < 0 {
		return nil, uperr.E(uperr.KindInvalidArgument, op, req.FileID, "declared_size must be >= 0")
	}
	if !verify.ValidDigest(req.ExpectedHash) {
		return nil, uperr.E(uperr.KindInvalidArgument, op, req.FileID, "expected_hash is not a valid digest")
	}

	lock := m.locks.acquire(req.FileID)
	defer m.locks.release(req.FileID, lock)

	existing, err := m.store.Get(ctx, req.FileID)
	switch {
	case err == nil:
		switch existing.Status {
		case models.StatusUploading:
			if sameIdentity(existing, ownerID, req) {
				return existing, nil
			}
			return nil, uperr.E(uperr.KindAlreadyExists, op, req.FileID,
				"an active session with this file_id already exists")
		case models.StatusCompleted:
			return nil, uperr.E(uperr.KindAlreadyExists, op, req.FileID,
				"file_id belongs to a completed upload")
		default:
			// Cancelled or failed: the key may be reused. Clear leftovers.
			m.chunks.DeleteAll(ctx, req.FileID)
			if err := m.store.Delete(ctx, req.FileID); err != nil {
				return nil, uperr.E(uperr.KindTransientStorage, op, req.FileID, err)
			}
		}
	case errors.Is(err, storage.ErrNotFound):
		// New file id.
	default:
		return nil, uperr.E(uperr.KindTransientStorage, op, req.FileID, err)
	}

	now := time.Now().UTC()
	session := &models.UploadSession{
		FileID:       req.FileID,
		OwnerID:      ownerID,
		Filename:     req.Filename,
		DeclaredSize: req.DeclaredSize,
		TotalChunks:  req.TotalChunks,
		ExpectedHash: req.ExpectedHash,
		Status:       models.StatusUploading,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, op, req.FileID, err)
	}

	m.log.WithFields(logrus.Fields{
		"file_id":      req.FileID,
		"filename":     req.Filename,
		"total_chunks": req.TotalChunks,
	}).Info("upload session started")

	m.notifier.Publish(ctx, notify.NewEvent(notify.EventSessionStarted, req.FileID, map[string]interface{}{
		"filename":      req.Filename,
		"total_chunks":  req.TotalChunks,
		"declared_size": req.DeclaredSize,
	}))

	return session, nil
}

// Status is the read-only view of a session's progress.
type Status struct {
	FileID             string `json:"file_id"`
	Status             string `json:"status"`
	UploadedCount      int    `json:"uploaded_count"`
	TotalChunks        int    `json:"total_chunks"`
	MissingIndices     []int  `json:"missing_indices"`
	MissingCount       int    `json:"missing_count"`
	SuggestedChunkSize int64  `json:"suggested_chunk_size"`
	ConcurrencyHint    int    `json:"concurrency_hint"`
	FinalPath          string `json:"final_path,omitempty"`
}

// GetStatus reports progress and recommendations without mutating anything.
func (m *Manager) GetStatus(ctx context.Context, ownerID, fileID string) (*Status, error) {
	const op = "session.GetStatus"

	session, err := m.getOwned(ctx, op, ownerID, fileID)
	if err != nil {
		return nil, err
	}

	indices, err := m.chunks.Indices(ctx, fileID)
	if err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}

	missing, missingCount := missingIndices(indices, session.TotalChunks)

	return &Status{
		FileID:             fileID,
		Status:             session.Status,
		UploadedCount:      len(indices),
		TotalChunks:        session.TotalChunks,
		MissingIndices:     missing,
		MissingCount:       missingCount,
		SuggestedChunkSize: m.monitor.SuggestChunkSize(fileID),
		ConcurrencyHint:    m.monitor.ConcurrencyHint(fileID),
		FinalPath:          session.FinalPath,
	}, nil
}

// missingIndices returns the complement of the presence set, capped to the
// preview size, plus the true missing count.
func missingIndices(present []int, totalChunks int) ([]int, int) {
	presentSet := make(map[int]struct{}, len(present))
	for _, n := range present {
		presentSet[n] = struct{}{}
	}
	missingCount := totalChunks - len(present)
	missing := make([]int, 0, min(missingCount, missingPreviewCap))
	for i := 0; i < totalChunks && len(missing) < missingPreviewCap; i++ {
		if _, ok := presentSet[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing, missingCount
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// IngestRequest is one chunk upload attempt.
type IngestRequest struct {
	FileID      string
	ChunkNumber int
	Payload     []byte
	ClaimedHash string
	// Attempt is the client's 1-based attempt counter for this chunk. The
	// server is stateless about retries and only echoes schedule guidance.
	Attempt int
}

// IngestResult reports an accepted chunk.
type IngestResult struct {
	Accepted           bool  `json:"accepted"`
	UploadedCount      int   `json:"uploaded_count"`
	TotalChunks        int   `json:"total_chunks"`
	SuggestedChunkSize int64 `json:"suggested_chunk_size"`
	ConcurrencyHint    int   `json:"concurrency_hint"`
}

// IngestChunk is the hot path: verify the claimed hash, persist the chunk
// durably, mark it present and feed the network monitor. Re-uploads of an
// already-present chunk are accepted as no-ops.
func (m *Manager) IngestChunk(ctx context.Context, ownerID string, req IngestRequest) (*IngestResult, error) {
	const op = "session.IngestChunk"
	fileID := req.FileID

	lock := m.locks.acquire(fileID)
	defer m.locks.release(fileID, lock)

	session, err := m.getOwned(ctx, op, ownerID, fileID)
	if err != nil {
		return nil, err
	}

	if models.Terminal(session.Status) {
		return nil, uperr.E(uperr.KindInvalidArgument, op, fileID,
			"session is "+session.Status)
	}
	if req.ChunkNumber < 0 || req.ChunkNumber >= session.TotalChunks {
		return nil, uperr.E(uperr.KindInvalidArgument, op, fileID, req.ChunkNumber,
			"chunk_number out of range")
	}
	if len(req.Payload) == 0 {
		return nil, uperr.E(uperr.KindInvalidArgument, op, fileID, req.ChunkNumber,
			"empty chunk payload")
	}

	// Integrity gate. A mismatch is client-side corruption: the client
	// retries the same index at the same size, so this does not feed the
	// monitor's size-reduction heuristic.
	computed := verify.Sum(req.Payload)
	if !verify.Equal(computed, req.ClaimedHash) {
		m.notifier.Publish(ctx, notify.NewEvent(notify.EventChunkRejected, fileID, map[string]interface{}{
			"chunk_number": req.ChunkNumber,
			"reason":       "hash mismatch",
		}))
		return nil, uperr.E(uperr.KindChunkIntegrity, op, fileID, req.ChunkNumber,
			"claimed hash does not match chunk content")
	}

	// Idempotent re-upload.
	exists, err := m.chunks.Exists(ctx, fileID, req.ChunkNumber)
	if err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, op, fileID, req.ChunkNumber, err)
	}
	if exists {
		return m.ingestResult(ctx, fileID, session.TotalChunks)
	}

	writeCtx := ctx
	if m.chunkTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, m.chunkTimeout)
		defer cancel()
	}

	start := time.Now()
	err = m.chunks.Write(writeCtx, fileID, req.ChunkNumber, req.Payload, computed)
	elapsed := time.Since(start)

	if err != nil {
		m.monitor.Record(fileID, int64(len(req.Payload)), elapsed, false)
		m.notifier.Publish(ctx, notify.NewEvent(notify.EventChunkRejected, fileID, map[string]interface{}{
			"chunk_number": req.ChunkNumber,
			"reason":       "storage failure",
		}))

		guidance := &uperr.RetryGuidance{
			RetryAfter:         m.retry.Backoff(req.Attempt),
			Attempt:            req.Attempt,
			MaxAttempts:        m.retry.MaxAttempts(),
			SuggestedChunkSize: m.monitor.SuggestChunkSize(fileID),
		}
		if m.retry.Exhausted(req.Attempt) {
			// Advisory only: the session is not force-failed, the client
			// decides whether to abandon.
			return nil, uperr.E(uperr.KindRetryBudgetExhausted, op, fileID, req.ChunkNumber,
				guidance, err)
		}
		return nil, uperr.E(uperr.KindTransientStorage, op, fileID, req.ChunkNumber,
			guidance, err)
	}

	m.monitor.Record(fileID, int64(len(req.Payload)), elapsed, true)

	count, err := m.chunks.Count(ctx, fileID)
	if err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, op, fileID, req.ChunkNumber, err)
	}
	if err := m.store.Touch(ctx, fileID, count); err != nil {
		m.log.WithField("file_id", fileID).WithError(err).Warn("failed to update session progress")
	}

	m.notifier.Publish(ctx, notify.NewEvent(notify.EventChunkAccepted, fileID, map[string]interface{}{
		"chunk_number": req.ChunkNumber,
		"uploaded":     count,
		"total":        session.TotalChunks,
	}))

	return &IngestResult{
		Accepted:           true,
		UploadedCount:      count,
		TotalChunks:        session.TotalChunks,
		SuggestedChunkSize: m.monitor.SuggestChunkSize(fileID),
		ConcurrencyHint:    m.monitor.ConcurrencyHint(fileID),
	}, nil
}

func (m *Manager) ingestResult(ctx context.Context, fileID string, totalChunks int) (*IngestResult, error) {
	count, err := m.chunks.Count(ctx, fileID)
	if err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, "session.IngestChunk", fileID, err)
	}
	return &IngestResult{
		Accepted:           true,
		UploadedCount:      count,
		TotalChunks:        totalChunks,
		SuggestedChunkSize: m.monitor.SuggestChunkSize(fileID),
		ConcurrencyHint:    m.monitor.ConcurrencyHint(fileID),
	}, nil
}

// CompleteResult reports a published final artifact.
type CompleteResult struct {
	FileID    string `json:"file_id"`
	FinalPath string `json:"final_path"`
	FinalHash string `json:"final_hash"`
	FinalSize int64  `json:"final_size"`
}

// Complete verifies completeness, merges the chunks and publishes the final
// artifact. Chunk data is deleted only after publication succeeds. On a
// merged-hash mismatch the session fails but chunks are retained so the
// client can re-verify individual indices.
func (m *Manager) Complete(ctx context.Context, ownerID, fileID, expectedHash string) (*CompleteResult, error) {
	const op = "session.Complete"

	lock := m.locks.acquire(fileID)
	defer m.locks.release(fileID, lock)

	session, err := m.getOwned(ctx, op, ownerID, fileID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.StatusCompleted {
		// Idempotent completion.
		return &CompleteResult{
			FileID:    fileID,
			FinalPath: session.FinalPath,
			FinalHash: session.ExpectedHash,
			FinalSize: session.DeclaredSize,
		}, nil
	}
	if models.Terminal(session.Status) {
		return nil, uperr.E(uperr.KindInvalidArgument, op, fileID,
			"session is "+session.Status)
	}
	if !verify.Equal(expectedHash, session.ExpectedHash) {
		return nil, uperr.E(uperr.KindHashMismatch, op, fileID,
			"provided hash disagrees with the session's expected hash")
	}

	indices, err := m.chunks.Indices(ctx, fileID)
	if err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}
	if len(indices) != session.TotalChunks {
		missing, missingCount := missingIndices(indices, session.TotalChunks)
		m.log.WithFields(logrus.Fields{
			"file_id": fileID,
			"have":    len(indices),
			"want":    session.TotalChunks,
			"missing": missing,
		}).Info("completion attempted with missing chunks")
		return nil, uperr.E(uperr.KindIncomplete, op, fileID,
			formatMissing(missing, missingCount))
	}

	m.notifier.Publish(ctx, notify.NewEvent(notify.EventMergeStarted, fileID, nil))

	finalPath, mergedHash, mergedSize, err := m.merger.Merge(ctx, session)
	if err != nil {
		if uperr.IsKind(err, uperr.KindHashMismatch) {
			if _, casErr := m.store.TransitionStatus(ctx, fileID, models.StatusUploading, models.StatusFailed); casErr != nil {
				m.log.WithField("file_id", fileID).WithError(casErr).Error("failed to mark session failed")
			}
			m.locks.markTerminal(fileID)
			m.monitor.Forget(fileID)
			m.notifier.Publish(ctx, notify.NewEvent(notify.EventSessionFailed, fileID, map[string]interface{}{
				"reason":      "final hash mismatch",
				"merged_hash": mergedHash,
			}))
		}
		return nil, err
	}

	swapped, err := m.store.TransitionStatus(ctx, fileID, models.StatusUploading, models.StatusCompleted)
	if err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}
	if !swapped {
		// Another process won the transition race. The per-session lock
		// prevents this in-process; leave the artifact for the winner's
		// contract and report the conflict.
		return nil, uperr.E(uperr.KindInvalidArgument, op, fileID,
			"session is no longer uploading")
	}
	if err := m.store.SetFinalPath(ctx, fileID, finalPath); err != nil {
		m.log.WithField("file_id", fileID).WithError(err).Warn("failed to record final path")
	}

	// Chunk data is reclaimed only after the artifact is published.
	m.chunks.DeleteAll(ctx, fileID)
	m.locks.markTerminal(fileID)
	m.monitor.Forget(fileID)

	m.log.WithFields(logrus.Fields{
		"file_id":    fileID,
		"final_path": finalPath,
	}).Info("upload session completed")

	m.notifier.Publish(ctx, notify.NewEvent(notify.EventSessionCompleted, fileID, map[string]interface{}{
		"final_size": mergedSize,
		"final_hash": mergedHash,
	}))

	return &CompleteResult{
		FileID:    fileID,
		FinalPath: finalPath,
		FinalHash: mergedHash,
		// The size actually merged, not the client's declaration.
		FinalSize: mergedSize,
	}, nil
}

func formatMissing(missing []int, missingCount int) string {
	if missingCount > len(missing) {
		return fmt.Sprintf("%d chunks missing, first %d: %v", missingCount, len(missing), missing)
	}
	return fmt.Sprintf("%d chunks missing: %v", missingCount, missing)
}

// Cancel moves the session to cancelled and reclaims its chunk data.
// Cancelling an already-cancelled session is a no-op.
func (m *Manager) Cancel(ctx context.Context, ownerID, fileID string) error {
	const op = "session.Cancel"

	lock := m.locks.acquire(fileID)
	defer m.locks.release(fileID, lock)

	session, err := m.getOwned(ctx, op, ownerID, fileID)
	if err != nil {
		return err
	}

	if session.Status == models.StatusCancelled {
		return nil
	}
	if models.Terminal(session.Status) {
		return uperr.E(uperr.KindInvalidArgument, op, fileID,
			"session is "+session.Status)
	}

	if _, err := m.store.TransitionStatus(ctx, fileID, models.StatusUploading, models.StatusCancelled); err != nil {
		return uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}

	m.chunks.DeleteAll(ctx, fileID)
	m.locks.markTerminal(fileID)
	m.monitor.Forget(fileID)

	m.log.WithField("file_id", fileID).Info("upload session cancelled")
	m.notifier.Publish(ctx, notify.NewEvent(notify.EventSessionCancelled, fileID, nil))

	return nil
}

// Expire applies cancel semantics to a stale uploading session. Called by
// the reaper, which has no caller principal; ownership is not checked.
func (m *Manager) Expire(ctx context.Context, fileID string) error {
	lock := m.locks.acquire(fileID)
	defer m.locks.release(fileID, lock)

	swapped, err := m.store.TransitionStatus(ctx, fileID, models.StatusUploading, models.StatusCancelled)
	if err != nil {
		return err
	}
	if !swapped {
		// Raced with a client operation; nothing to reclaim.
		return nil
	}

	m.chunks.DeleteAll(ctx, fileID)
	m.locks.markTerminal(fileID)
	m.monitor.Forget(fileID)

	m.log.WithField("file_id", fileID).Info("stale upload session expired")
	m.notifier.Publish(ctx, notify.NewEvent(notify.EventSessionExpired, fileID, nil))

	return nil
}

// PurgeFailed reclaims the retained chunk data of a failed session once its
// retention window has passed, and drops the record so the file id becomes
// reusable.
func (m *Manager) PurgeFailed(ctx context.Context, fileID string) {
	lock := m.locks.acquire(fileID)
	defer m.locks.release(fileID, lock)

	session, err := m.store.Get(ctx, fileID)
	if err != nil || session.Status != models.StatusFailed {
		return
	}
	m.chunks.DeleteAll(ctx, fileID)
	if err := m.store.Delete(ctx, fileID); err != nil {
		m.log.WithField("file_id", fileID).WithError(err).Warn("failed to delete failed session record")
	}
	m.locks.markTerminal(fileID)
	m.log.WithField("file_id", fileID).Info("purged failed session")
}

// getOwned loads the session and enforces ownership. A foreign session is
// reported as not found so other users' file ids are not disclosed.
func (m *Manager) getOwned(ctx context.Context, op, ownerID, fileID string) (*models.UploadSession, error) {
	session, err := m.store.Get(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uperr.E(uperr.KindNotFound, op, fileID)
	}
	if err != nil {
		return nil, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}
	if ownerID != "" && session.OwnerID != ownerID {
		return nil, uperr.E(uperr.KindNotFound, op, fileID)
	}
	return session, nil
}

// Store exposes the metadata store for the reaper's scan.
func (m *Manager) Store() storage.SessionStore { return m.store }
