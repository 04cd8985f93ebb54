// Package batch runs many independent prompts through the conversation loop
// in parallel, with content-keyed resume so a restarted batch skips prompts
// that already finished.
package batch

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status of one batch record.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Record is the persisted outcome of one prompt. Records are keyed by the
// prompt's content hash, so re-running a batch with the same prompts resumes
// instead of redoing work.
type Record struct {
	PromptHash string
	Prompt     string
	Status     Status
	Output     string
	UpdatedAt  time.Time
}

// Store persists batch records in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the batch database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create batch db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open batch db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure batch db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS batch_records (
    prompt_hash TEXT PRIMARY KEY,
    prompt      TEXT NOT NULL,
    status      TEXT NOT NULL,
    output      TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate batch db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HashPrompt derives the content key for a prompt.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Get returns the record for a prompt hash, or nil if none exists.
func (s *Store) Get(ctx context.Context, promptHash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT prompt_hash, prompt, status, output, updated_at
		 FROM batch_records WHERE prompt_hash = ?`, promptHash)

	var r Record
	if err := row.Scan(&r.PromptHash, &r.Prompt, &r.Status, &r.Output, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load batch record: %w", err)
	}
	return &r, nil
}

// Upsert writes a record, replacing any previous state for the same hash.
func (s *Store) Upsert(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_records (prompt_hash, prompt, status, output, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(prompt_hash) DO UPDATE SET
		     status = excluded.status,
		     output = excluded.output,
		     updated_at = excluded.updated_at`,
		r.PromptHash, r.Prompt, r.Status, r.Output, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save batch record: %w", err)
	}
	return nil
}

// List returns all records ordered by update time.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prompt_hash, prompt, status, output, updated_at
		 FROM batch_records ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list batch records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.PromptHash, &r.Prompt, &r.Status, &r.Output, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan batch record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
