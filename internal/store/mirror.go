// Package store persists the unflushed telemetry queue on local disk
// so a page reload does not silently lose events. One serialized blob
// per attempt id, overwritten on every enqueue/flush and removed once
// a flush confirms the queue empty.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/proctorly/quiz-agent/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_mirror (
	attempt_id TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// MirrorStore is the durable local mirror of in-memory event queues.
type MirrorStore struct {
	db *sql.DB
}

// Open creates (if needed) and opens the mirror database under dir.
func Open(dir string) (*MirrorStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "telemetry.db"))
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	// The mirror is written from one goroutine at a time per attempt,
	// but sqlite still wants a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create mirror schema: %w", err)
	}

	return &MirrorStore{db: db}, nil
}

// Save overwrites the mirror blob for attemptID with the full queue.
func (s *MirrorStore) Save(attemptID string, events []model.IntegrityEvent) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode mirror: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO event_mirror (attempt_id, payload, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
		attemptID, payload,
	)
	if err != nil {
		return fmt.Errorf("write mirror: %w", err)
	}
	return nil
}

// Load returns the mirrored queue for attemptID. A missing row is not
// an error: it returns nil events.
func (s *MirrorStore) Load(attemptID string) ([]model.IntegrityEvent, error) {
	var payload []byte
	err := s.db.QueryRow(
		`SELECT payload FROM event_mirror WHERE attempt_id = ?`, attemptID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mirror: %w", err)
	}

	var events []model.IntegrityEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("decode mirror: %w", err)
	}
	return events, nil
}

// Delete removes the mirror blob after a confirmed empty flush.
func (s *MirrorStore) Delete(attemptID string) error {
	if _, err := s.db.Exec(`DELETE FROM event_mirror WHERE attempt_id = ?`, attemptID); err != nil {
		return fmt.Errorf("delete mirror: %w", err)
	}
	return nil
}

// PendingAttempts lists attempt ids that still have unflushed blobs,
// oldest first. Used by the reload recovery sweep.
func (s *MirrorStore) PendingAttempts() ([]string, error) {
	rows, err := s.db.Query(`SELECT attempt_id FROM event_mirror ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list mirrors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan mirror row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (s *MirrorStore) Close() error {
	return s.db.Close()
}
