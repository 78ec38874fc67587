// Package merge assembles verified chunks into the final artifact.
package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/resilient-storage/uploader/internal/chunkstore"
	"github.com/resilient-storage/uploader/internal/models"
	"github.com/resilient-storage/uploader/internal/uperr"
	"github.com/resilient-storage/uploader/internal/verify"
)

// Engine concatenates chunks in index order into the final file. Publication
// follows the same temp-write-then-rename discipline as the chunk store.
type Engine struct {
	chunks   *chunkstore.Store
	finalDir string
	log      *logrus.Entry
}

// New creates a merge engine writing completed files into finalDir.
func New(chunks *chunkstore.Store, finalDir string, log *logrus.Logger) (*Engine, error) {
	if err := os.MkdirAll(finalDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create final directory: %w", err)
	}
	return &Engine{
		chunks:   chunks,
		finalDir: finalDir,
		log:      log.WithField("component", "merge"),
	}, nil
}

// FinalPath returns where the completed artifact for a session lives.
// The file id prefixes the name because filenames are not unique.
func (e *Engine) FinalPath(fileID, filename string) string {
	return filepath.Join(e.finalDir, fileID+"_"+filepath.Base(filename))
}

// Merge streams the session's chunks in ascending chunk_number order into a
// temporary file while computing a running hash over the concatenated
// bytes. Only if the final hash equals the session's expected hash is the
// output atomically published. On a hash mismatch the temp file is removed
// and the chunks are deliberately retained, so the client can re-verify
// individual chunks instead of restarting the transfer.
//
// Preconditions (all chunks present, status uploading) are enforced by the
// session manager. Chunk deletion after publication is also the manager's
// job; the engine never deletes chunk data.
//
// Returns the published path, the hash of the concatenated bytes and the
// number of bytes written. The byte count is measured, not taken from the
// session's declared size.
func (e *Engine) Merge(ctx context.Context, session *models.UploadSession) (string, string, int64, error) {
	const op = "merge.Merge"
	fileID := session.FileID

	reader, err := e.chunks.ReadOrdered(ctx, fileID)
	if err != nil {
		return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}
	if reader.Len() != session.TotalChunks {
		return "", "", 0, uperr.E(uperr.KindIncomplete, op, fileID,
			fmt.Sprintf("have %d of %d chunks", reader.Len(), session.TotalChunks))
	}

	finalPath := e.FinalPath(fileID, session.Filename)
	tmpPath := finalPath + ".tmp"

	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}

	hasher := sha256.New()
	w := io.MultiWriter(out, hasher)
	var written int64

	for {
		n, chunk, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			os.Remove(tmpPath)
			return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, n, err)
		}
		copied, err := io.Copy(w, chunk)
		if err != nil {
			chunk.Close()
			out.Close()
			os.Remove(tmpPath)
			return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, n, err)
		}
		chunk.Close()
		written += copied

		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, err)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}

	mergedHash := hex.EncodeToString(hasher.Sum(nil))
	if !verify.Equal(mergedHash, session.ExpectedHash) {
		os.Remove(tmpPath)
		e.log.WithFields(logrus.Fields{
			"file_id":  fileID,
			"expected": session.ExpectedHash,
			"got":      mergedHash,
		}).Warn("merged file hash mismatch, chunks retained")
		return "", mergedHash, written, uperr.E(uperr.KindHashMismatch, op, fileID,
			"merged file hash does not match expected hash")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", 0, uperr.E(uperr.KindTransientStorage, op, fileID, err)
	}

	return finalPath, mergedHash, written, nil
}
