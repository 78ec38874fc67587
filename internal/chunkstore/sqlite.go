package chunkstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunk_records (
	file_id      TEXT      NOT NULL,
	chunk_number INTEGER   NOT NULL,
	byte_length  INTEGER   NOT NULL,
	content_hash TEXT      NOT NULL,
	written_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (file_id, chunk_number)
);
CREATE INDEX IF NOT EXISTS idx_chunk_records_file ON chunk_records(file_id);
`

// openIndex opens (creating if needed) the SQLite chunk index next to the
// chunk directory.
func openIndex(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize chunk index: %w", err)
	}

	return conn, nil
}
