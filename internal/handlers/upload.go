// Package handlers exposes the upload engine over HTTP.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/resilient-storage/uploader/internal/middleware"
	"github.com/resilient-storage/uploader/internal/session"
	"github.com/resilient-storage/uploader/internal/uperr"
)

// UploadHandler handles chunked upload requests
type UploadHandler struct {
	manager      *session.Manager
	defaultChunk int64
	maxChunk     int64
	log          *logrus.Entry
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(manager *session.Manager, defaultChunk, maxChunk int64, log *logrus.Logger) *UploadHandler {
	return &UploadHandler{
		manager:      manager,
		defaultChunk: defaultChunk,
		maxChunk:     maxChunk,
		log:          log.WithField("component", "handlers"),
	}
}

// StartUploadRequest represents an upload start request
type StartUploadRequest struct {
	FileID       string `json:"file_id" binding:"required"`
	Filename     string `json:"filename" binding:"required"`
	TotalChunks  int    `json:"total_chunks" binding:"required"`
	DeclaredSize int64  `json:"declared_size"`
	ExpectedHash string `json:"expected_hash" binding:"required"`
}

// Start handles upload session creation
func (h *UploadHandler) Start(c *gin.Context) {
	var req StartUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.manager.StartSession(c.Request.Context(), middleware.GetUserID(c), session.StartRequest{
		FileID:       req.FileID,
		Filename:     req.Filename,
		TotalChunks:  req.TotalChunks,
		DeclaredSize: req.DeclaredSize,
		ExpectedHash: req.ExpectedHash,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "started",
		"file_id":      sess.FileID,
		"total_chunks": sess.TotalChunks,
		"chunk_size":   h.defaultChunk,
	})
}

// Chunk handles one chunk upload. Multipart form fields: file_id,
// chunk_number, chunk_hash, attempt, and the chunk bytes in "chunk".
func (h *UploadHandler) Chunk(c *gin.Context) {
	fileID := c.PostForm("file_id")
	chunkNumberStr := c.PostForm("chunk_number")
	chunkHash := c.PostForm("chunk_hash")
	if fileID == "" || chunkNumberStr == "" || chunkHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_id, chunk_number and chunk_hash are required"})
		return
	}

	chunkNumber, err := strconv.Atoi(chunkNumberStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk_number"})
		return
	}

	attempt := 1
	if a := c.PostForm("attempt"); a != "" {
		if n, err := strconv.Atoi(a); err == nil && n > 0 {
			attempt = n
		}
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing chunk file part"})
		return
	}
	if fileHeader.Size > h.maxChunk*2 {
		// Twice the advisory max is an outright protocol violation.
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk exceeds maximum size"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read chunk"})
		return
	}
	payload, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read chunk"})
		return
	}

	result, err := h.manager.IngestChunk(c.Request.Context(), middleware.GetUserID(c), session.IngestRequest{
		FileID:      fileID,
		ChunkNumber: chunkNumber,
		Payload:     payload,
		ClaimedHash: chunkHash,
		Attempt:     attempt,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":               result.Accepted,
		"chunk_number":           chunkNumber,
		"uploaded_chunks":        result.UploadedCount,
		"total_chunks":           result.TotalChunks,
		"recommended_chunk_size": result.SuggestedChunkSize,
		"concurrency_hint":       result.ConcurrencyHint,
	})
}

// Status handles upload status queries
func (h *UploadHandler) Status(c *gin.Context) {
	status, err := h.manager.GetStatus(c.Request.Context(), middleware.GetUserID(c), c.Param("file_id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// CompleteUploadRequest represents a completion request
type CompleteUploadRequest struct {
	FileID       string `json:"file_id" binding:"required"`
	ExpectedHash string `json:"expected_hash" binding:"required"`
}

// Complete handles upload completion: merge, verify, publish
func (h *UploadHandler) Complete(c *gin.Context) {
	var req CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.manager.Complete(c.Request.Context(), middleware.GetUserID(c), req.FileID, req.ExpectedHash)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "completed",
		"file_id":    result.FileID,
		"final_path": result.FinalPath,
		"final_hash": result.FinalHash,
		"final_size": result.FinalSize,
	})
}

// Cancel handles upload cancellation
func (h *UploadHandler) Cancel(c *gin.Context) {
	fileID := c.Param("file_id")
	if err := h.manager.Cancel(c.Request.Context(), middleware.GetUserID(c), fileID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "file_id": fileID})
}

// Download serves a completed artifact
func (h *UploadHandler) Download(c *gin.Context) {
	fileID := c.Param("file_id")
	status, err := h.manager.GetStatus(c.Request.Context(), middleware.GetUserID(c), fileID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if status.FinalPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload is not completed"})
		return
	}
	c.FileAttachment(status.FinalPath, fileID)
}

// renderError maps the engine's error taxonomy onto HTTP responses,
// attaching retry guidance where the failure is retryable.
func (h *UploadHandler) renderError(c *gin.Context, err error) {
	var engineErr *uperr.Error
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error(), "kind": uperr.KindOf(err).String()}

	switch uperr.KindOf(err) {
	case uperr.KindInvalidArgument:
		status = http.StatusBadRequest
	case uperr.KindNotFound:
		status = http.StatusNotFound
	case uperr.KindAlreadyExists, uperr.KindIncomplete:
		status = http.StatusConflict
	case uperr.KindChunkIntegrity, uperr.KindHashMismatch:
		status = http.StatusUnprocessableEntity
	case uperr.KindTransientStorage:
		status = http.StatusServiceUnavailable
	case uperr.KindRetryBudgetExhausted:
		status = http.StatusTooManyRequests
	default:
		h.log.WithError(err).Error("unclassified error")
	}

	if errors.As(err, &engineErr) && engineErr.Retry != nil {
		body["retry_after_ms"] = engineErr.Retry.RetryAfter.Milliseconds()
		body["attempt"] = engineErr.Retry.Attempt
		body["max_attempts"] = engineErr.Retry.MaxAttempts
		body["suggested_chunk_size"] = engineErr.Retry.SuggestedChunkSize
	}
	body["retryable"] = uperr.Retryable(err)

	c.JSON(status, body)
}
