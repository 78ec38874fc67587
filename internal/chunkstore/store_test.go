package chunkstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilient-storage/uploader/internal/verify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := New(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeChunk(t *testing.T, s *Store, fileID string, n int, payload []byte) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), fileID, n, payload, verify.Sum(payload)))
}

func TestWrite_PersistsAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := []byte("first chunk bytes")

	writeChunk(t, s, "f1", 0, payload)

	data, err := os.ReadFile(s.chunkPath("f1", 0))
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	exists, err := s.Exists(ctx, "f1", 0)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, "f1", 1)
	require.NoError(t, err)
	assert.False(t, exists)

	records, err := s.Records(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "f1", records[0].FileID)
	assert.Equal(t, 0, records[0].ChunkNumber)
	assert.Equal(t, int64(len(payload)), records[0].ByteLength)
	assert.Equal(t, verify.Sum(payload), records[0].ContentHash)
	assert.False(t, records[0].WrittenAt.IsZero())
}

func TestWrite_LeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)
	writeChunk(t, s, "f1", 0, []byte("payload"))

	entries, err := os.ReadDir(filepath.Join(s.chunkDir, "f1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chunk_0", entries[0].Name())
}

func TestWrite_ReuploadOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	writeChunk(t, s, "f1", 0, []byte("version one"))
	writeChunk(t, s, "f1", 0, []byte("version two"))

	data, err := os.ReadFile(s.chunkPath("f1", 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("version two"), data)

	count, err := s.Count(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "upsert keeps a single index row")
}

func TestWrite_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Write(ctx, "f1", 0, []byte("payload"), verify.Sum([]byte("payload")))
	require.Error(t, err)

	exists, existsErr := s.Exists(context.Background(), "f1", 0)
	require.NoError(t, existsErr)
	assert.False(t, exists, "aborted write must not surface a chunk")
	_, statErr := os.Stat(s.chunkPath("f1", 0))
	assert.True(t, os.IsNotExist(statErr))
}

func TestIndicesAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Out of order on purpose.
	writeChunk(t, s, "f1", 2, []byte("cc"))
	writeChunk(t, s, "f1", 0, []byte("aa"))
	writeChunk(t, s, "f1", 1, []byte("bb"))
	writeChunk(t, s, "other", 0, []byte("zz"))

	indices, err := s.Indices(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices, "always ascending")

	count, err := s.Count(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	indices, err = s.Indices(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestReadOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	writeChunk(t, s, "f1", 1, []byte("world"))
	writeChunk(t, s, "f1", 0, []byte("hello "))

	reader, err := s.ReadOrdered(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, reader.Len())

	var assembled []byte
	var order []int
	for {
		n, chunk, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(chunk)
		require.NoError(t, err)
		chunk.Close()
		order = append(order, n)
		assembled = append(assembled, data...)
	}

	assert.Equal(t, []int{0, 1}, order)
	assert.Equal(t, "hello world", string(assembled))

	// Reset rewinds for a second pass.
	reader.Reset()
	n, chunk, err := reader.Next()
	require.NoError(t, err)
	chunk.Close()
	assert.Equal(t, 0, n)
}

func TestDeleteAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	writeChunk(t, s, "f1", 0, []byte("aa"))
	writeChunk(t, s, "f1", 1, []byte("bb"))
	writeChunk(t, s, "keep", 0, []byte("cc"))

	s.DeleteAll(ctx, "f1")

	count, err := s.Count(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	_, statErr := os.Stat(filepath.Join(s.chunkDir, "f1"))
	assert.True(t, os.IsNotExist(statErr))

	count, err = s.Count(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "other sessions untouched")

	// Deleting again is harmless.
	s.DeleteAll(ctx, "f1")
}
