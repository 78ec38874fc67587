package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilient-storage/uploader/internal/chunkstore"
	"github.com/resilient-storage/uploader/internal/merge"
	"github.com/resilient-storage/uploader/internal/netmon"
	"github.com/resilient-storage/uploader/internal/notify"
	"github.com/resilient-storage/uploader/internal/retrypolicy"
	"github.com/resilient-storage/uploader/internal/session"
	"github.com/resilient-storage/uploader/internal/storage"
	"github.com/resilient-storage/uploader/internal/verify"
)

// newTestRouter wires the real engine behind the handlers, with a stub
// principal instead of the JWT middleware. Token validation has its own
// tests.
func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)

	chunks, err := chunkstore.New(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { chunks.Close() })

	merger, err := merge.New(chunks, t.TempDir(), log)
	require.NoError(t, err)

	manager := session.NewManager(
		storage.NewMemoryStore(),
		chunks,
		netmon.New(netmon.Bounds{Min: 256 * 1024, Default: 1024 * 1024, Max: 2 * 1024 * 1024}, 3),
		merger,
		retrypolicy.New(time.Millisecond, 10*time.Millisecond, 3),
		notify.NewLogPublisher(log),
		30*time.Second,
		log,
	)

	h := NewUploadHandler(manager, 1024*1024, 2*1024*1024, log)

	r := gin.New()
	api := r.Group("/api/v1/upload")
	api.Use(func(c *gin.Context) {
		c.Set("user_id", "user-1")
		c.Next()
	})
	{
		api.POST("/start", h.Start)
		api.POST("/chunk", h.Chunk)
		api.GET("/status/:file_id", h.Status)
		api.POST("/complete", h.Complete)
		api.DELETE("/cancel/:file_id", h.Cancel)
		api.GET("/download/:file_id", h.Download)
	}
	return r
}

func postJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func postChunk(router *gin.Engine, fileID string, n int, payload []byte, claimedHash string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("file_id", fileID)
	mw.WriteField("chunk_number", fmt.Sprintf("%d", n))
	mw.WriteField("chunk_hash", claimedHash)
	mw.WriteField("attempt", "1")
	part, _ := mw.CreateFormFile("chunk", "chunk")
	part.Write(payload)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func startUpload(t *testing.T, router *gin.Engine, fileID string, totalChunks int, hash string, size int64) {
	t.Helper()
	w := postJSON(router, "/api/v1/upload/start", gin.H{
		"file_id":       fileID,
		"filename":      "report.bin",
		"total_chunks":  totalChunks,
		"declared_size": size,
		"expected_hash": hash,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestStart(t *testing.T) {
	router := newTestRouter(t)

	startUpload(t, router, "f1", 3, verify.Sum([]byte("x")), 100)

	// Invalid JSON body.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload/start", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed hash is refused by the engine.
	w = postJSON(router, "/api/v1/upload/start", gin.H{
		"file_id": "f2", "filename": "a", "total_chunks": 1, "expected_hash": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_argument", decode(t, w)["kind"])

	// Conflicting restart of an active session.
	w = postJSON(router, "/api/v1/upload/start", gin.H{
		"file_id": "f1", "filename": "other.bin", "total_chunks": 9,
		"expected_hash": verify.Sum([]byte("x")),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_exists", decode(t, w)["kind"])
}

func TestChunkAndComplete(t *testing.T) {
	router := newTestRouter(t)

	payloads := [][]byte{[]byte("part one "), []byte("part two")}
	all := append(append([]byte{}, payloads[0]...), payloads[1]...)
	totalHash := verify.Sum(all)

	startUpload(t, router, "f1", 2, totalHash, int64(len(all)))

	// Wrong claimed hash maps to 422 and is marked retryable.
	w := postChunk(router, "f1", 0, payloads[0], verify.Sum([]byte("corrupted")))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, "chunk_integrity", body["kind"])
	assert.Equal(t, true, body["retryable"])

	for n, p := range payloads {
		w := postChunk(router, "f1", n, p, verify.Sum(p))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, true, body["accepted"])
		assert.Equal(t, float64(n+1), body["uploaded_chunks"])
	}

	w = postJSON(router, "/api/v1/upload/complete", gin.H{
		"file_id": "f1", "expected_hash": totalHash,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, totalHash, body["final_hash"])

	// The artifact is downloadable afterwards.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload/download/f1", nil)
	dl := httptest.NewRecorder()
	router.ServeHTTP(dl, req)
	assert.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, all, dl.Body.Bytes())
}

func TestChunk_MissingFields(t *testing.T) {
	router := newTestRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("file_id", "f1")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestComplete_Incomplete(t *testing.T) {
	router := newTestRouter(t)
	payload := []byte("only chunk zero")
	totalHash := verify.Sum(payload)

	startUpload(t, router, "f1", 3, totalHash, int64(len(payload)))
	w := postChunk(router, "f1", 0, payload, verify.Sum(payload))
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(router, "/api/v1/upload/complete", gin.H{
		"file_id": "f1", "expected_hash": totalHash,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "incomplete", decode(t, w)["kind"])
}

func TestStatus(t *testing.T) {
	router := newTestRouter(t)
	startUpload(t, router, "f1", 3, verify.Sum([]byte("x")), 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload/status/f1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "uploading", body["status"])
	assert.Equal(t, float64(3), body["total_chunks"])
	assert.Equal(t, float64(3), body["missing_count"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/upload/status/missing", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["kind"])
}

func TestCancel(t *testing.T) {
	router := newTestRouter(t)
	startUpload(t, router, "f1", 3, verify.Sum([]byte("x")), 0)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/upload/cancel/f1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode(t, w)["status"])

	// Chunks for a cancelled session are refused.
	cw := postChunk(router, "f1", 0, []byte("late"), verify.Sum([]byte("late")))
	assert.Equal(t, http.StatusBadRequest, cw.Code)
}

func TestDownload_NotCompleted(t *testing.T) {
	router := newTestRouter(t)
	startUpload(t, router, "f1", 3, verify.Sum([]byte("x")), 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload/download/f1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
