// Package chunkstore owns the durable bytes of uploaded chunks and the
// ChunkRecord index. No other component touches raw chunk data.
package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resilient-storage/uploader/internal/models"
	"github.com/resilient-storage/uploader/internal/uperr"
	"github.com/resilient-storage/uploader/internal/verify"
)

// Store persists chunk bytes on disk, addressed by (file_id, chunk_number),
// with a SQLite index of ChunkRecord rows beside the blob directory.
type Store struct {
	chunkDir string
	db       *sql.DB
	log      *logrus.Entry
}

// New opens a chunk store rooted at dataDir. Chunk bytes live under
// dataDir/chunks/<file_id>/, the index at dataDir/chunks.db.
func New(dataDir string, log *logrus.Logger) (*Store, error) {
	chunkDir := filepath.Join(dataDir, "chunks")
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	db, err := openIndex(filepath.Join(dataDir, "chunks.db"))
	if err != nil {
		return nil, err
	}

	return &Store{
		chunkDir: chunkDir,
		db:       db,
		log:      log.WithField("component", "chunkstore"),
	}, nil
}

// Close closes the chunk index.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) chunkPath(fileID string, chunkNumber int) string {
	return filepath.Join(s.chunkDir, fileID, fmt.Sprintf("chunk_%d", chunkNumber))
}

// Write durably persists one chunk. The payload is written to a temporary
// file, flushed, re-read and re-hashed, and only then renamed into place.
// A crash before the rename leaves no visible chunk. contentHash has been
// verified against the payload by the caller; the re-hash here guards the
// storage layer itself, so a mismatch is reported as a transient storage
// fault rather than a client integrity error.
func (s *Store) Write(ctx context.Context, fileID string, chunkNumber int, payload []byte, contentHash string) error {
	const op = "chunkstore.Write"

	dir := filepath.Join(s.chunkDir, fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return uperr.E(uperr.KindTransientStorage, op, fileID, chunkNumber, err)
	}

	finalPath := s.chunkPath(fileID, chunkNumber)
	tmpPath := finalPath + ".tmp"

	// Leftovers from a crashed earlier attempt.
	os.Remove(tmpPath)

	if err := writeAndSync(tmpPath, payload); err != nil {
		os.Remove(tmpPath)
		return uperr.E(uperr.KindTransientStorage, op, fileID, chunkNumber, err)
	}

	if err := ctx.Err(); err != nil {
		os.Remove(tmpPath)
		return uperr.E(uperr.KindTransientStorage, op, fileID, chunkNumber, err)
	}

	// Post-write verification: re-read from disk and compare hashes.
	written, err := verify.SumFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return uperr.E(uperr.KindTransientStorage, op, fileID, chunkNumber, err)
	}
	if !verify.Equal(written, contentHash) {
		os.Remove(tmpPath)
		s.log.WithFields(logrus.Fields{
			"file_id": fileID,
			"chunk":   chunkNumber,
		}).Error("post-write verification failed, storage fault")
		return uperr.E(uperr.KindTransientStorage, op, fileID, chunkNumber,
			"post-write verification failed")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return uperr.E(uperr.KindTransientStorage, op, fileID, chunkNumber, err)
	}

	// Publish the index row. Upsert keeps re-uploads idempotent.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chunk_records (file_id, chunk_number, byte_length, content_hash, written_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(file_id, chunk_number) DO UPDATE SET
		   byte_length = excluded.byte_length,
		   content_hash = excluded.content_hash,
		   written_at = excluded.written_at`,
		fileID, chunkNumber, int64(len(payload)), contentHash, time.Now().UTC())
	if err != nil {
		os.Remove(finalPath)
		return uperr.E(uperr.KindTransientStorage, op, fileID, chunkNumber, err)
	}

	return nil
}

func writeAndSync(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Exists reports whether a verified chunk is durably present.
func (s *Store) Exists(ctx context.Context, fileID string, chunkNumber int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunk_records WHERE file_id = ? AND chunk_number = ?",
		fileID, chunkNumber).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query chunk index: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	// The row is only inserted after the rename, so the file should be
	// there; a missing file means the blob was lost out from under us.
	if _, err := os.Stat(s.chunkPath(fileID, chunkNumber)); err != nil {
		return false, nil
	}
	return true, nil
}

// Indices returns the ascending chunk numbers durably present for fileID.
// This set backs the session's chunk_presence.
func (s *Store) Indices(ctx context.Context, fileID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_number FROM chunk_records WHERE file_id = ? ORDER BY chunk_number",
		fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk index: %w", err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		indices = append(indices, n)
	}
	return indices, rows.Err()
}

// Count returns how many chunks are durably present for fileID.
func (s *Store) Count(ctx context.Context, fileID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunk_records WHERE file_id = ?", fileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to query chunk index: %w", err)
	}
	return n, nil
}

// Records returns the ChunkRecord rows for fileID in ascending order.
func (s *Store) Records(ctx context.Context, fileID string) ([]models.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, chunk_number, byte_length, content_hash, written_at
		 FROM chunk_records WHERE file_id = ? ORDER BY chunk_number`,
		fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk index: %w", err)
	}
	defer rows.Close()

	var records []models.ChunkRecord
	for rows.Next() {
		var r models.ChunkRecord
		if err := rows.Scan(&r.FileID, &r.ChunkNumber, &r.ByteLength, &r.ContentHash, &r.WrittenAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ReadOrdered returns a restartable iterator over the chunks of fileID in
// ascending chunk_number order. Files are opened lazily, one at a time.
// Used only by the merge engine.
func (s *Store) ReadOrdered(ctx context.Context, fileID string) (*OrderedReader, error) {
	indices, err := s.Indices(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &OrderedReader{store: s, fileID: fileID, indices: indices}, nil
}

// OrderedReader yields chunks in ascending index order.
type OrderedReader struct {
	store   *Store
	fileID  string
	indices []int
	pos     int
}

// Len returns the total number of chunks the reader will yield.
func (r *OrderedReader) Len() int { return len(r.indices) }

// Next opens the next chunk. It returns io.EOF after the last one. The
// caller owns the returned ReadCloser.
func (r *OrderedReader) Next() (int, io.ReadCloser, error) {
	if r.pos >= len(r.indices) {
		return 0, nil, io.EOF
	}
	n := r.indices[r.pos]
	f, err := os.Open(r.store.chunkPath(r.fileID, n))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open chunk %d: %w", n, err)
	}
	r.pos++
	return n, f, nil
}

// Reset rewinds the iterator to the first chunk.
func (r *OrderedReader) Reset() { r.pos = 0 }

// DeleteAll removes every chunk and index row for fileID. Best effort:
// failures are logged, never propagated, so cleanup cannot block
// user-facing operations.
func (s *Store) DeleteAll(ctx context.Context, fileID string) {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM chunk_records WHERE file_id = ?", fileID); err != nil {
		s.log.WithField("file_id", fileID).WithError(err).Warn("failed to delete chunk records")
	}
	if err := os.RemoveAll(filepath.Join(s.chunkDir, fileID)); err != nil {
		s.log.WithField("file_id", fileID).WithError(err).Warn("failed to delete chunk directory")
	}
}
