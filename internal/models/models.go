package models

import "time"

// Session status values. Transitions are one-directional: uploading is the
// only initial state, the other three are terminal.
const (
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Terminal reports whether status is one of the terminal states.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// UploadSession represents one tracked transfer of one logical file.
type UploadSession struct {
	FileID       string `db:"file_id" json:"file_id"`
	OwnerID      string `db:"owner_id" json:"owner_id"`
	Filename     string `db:"filename" json:"filename"`
	DeclaredSize int64  `db:"declared_size" json:"declared_size"`
	TotalChunks  int    `db:"total_chunks" json:"total_chunks"`
	ExpectedHash string `db:"expected_hash" json:"expected_hash"`
	// ReceivedChunks is a cached progress counter. The chunk store's index
	// is the source of truth for completeness; the merge decision never
	// trusts this field.
	ReceivedChunks int       `db:"received_chunks" json:"received_chunks"`
	Status         string    `db:"status" json:"status"`
	FinalPath      string    `db:"final_path" json:"final_path,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// ChunkRecord is the durable index row for one persisted, verified chunk.
type ChunkRecord struct {
	FileID      string    `db:"file_id" json:"file_id"`
	ChunkNumber int       `db:"chunk_number" json:"chunk_number"`
	ByteLength  int64     `db:"byte_length" json:"byte_length"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	WrittenAt   time.Time `db:"written_at" json:"written_at"`
}
