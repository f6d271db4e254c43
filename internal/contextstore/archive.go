package contextstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"aimesh/internal/types"
)

// Archive is the cold-storage tier for evicted threads. Archived threads are
// retrievable by id for inspection, but remain ThreadNotFound for routing.
type Archive struct {
	db *sql.DB
}

// ArchivedThread is a thread as recovered from cold storage.
type ArchivedThread struct {
	ID        string
	UserID    string
	Exchanges []Exchange
	Context   map[string]string
	CreatedAt time.Time
	EvictedAt time.Time
	Reason    string // "ttl" or "capacity"
}

// NewArchive opens (or creates) the archive database at path.
func NewArchive(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS archived_threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchanges TEXT NOT NULL,
			context TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			evicted_at TIMESTAMP NOT NULL,
			reason TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archived_threads table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_archived_user ON archived_threads(user_id)`)

	return &Archive{db: db}, nil
}

// Store writes one evicted thread to cold storage.
func (a *Archive) Store(snap ThreadSnapshot, reason string) error {
	exchanges, err := json.Marshal(snap.Exchanges)
	if err != nil {
		return fmt.Errorf("failed to marshal exchanges: %w", err)
	}
	contextJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	_, err = a.db.Exec(
		`INSERT OR REPLACE INTO archived_threads (id, user_id, exchanges, context, created_at, evicted_at, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.UserID, string(exchanges), string(contextJSON),
		snap.CreatedAt, time.Now(), reason,
	)
	if err != nil {
		return fmt.Errorf("failed to archive thread %s: %w", snap.ID, err)
	}
	return nil
}

// Load retrieves an archived thread by id.
func (a *Archive) Load(threadID string) (ArchivedThread, error) {
	var (
		at            ArchivedThread
		exchangesJSON string
		contextJSON   string
	)
	err := a.db.QueryRow(
		`SELECT id, user_id, exchanges, context, created_at, evicted_at, reason
		 FROM archived_threads WHERE id = ?`, threadID,
	).Scan(&at.ID, &at.UserID, &exchangesJSON, &contextJSON, &at.CreatedAt, &at.EvictedAt, &at.Reason)
	if err == sql.ErrNoRows {
		return ArchivedThread{}, fmt.Errorf("%w: %s not archived", types.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return ArchivedThread{}, fmt.Errorf("failed to load archived thread: %w", err)
	}

	if err := json.Unmarshal([]byte(exchangesJSON), &at.Exchanges); err != nil {
		return ArchivedThread{}, fmt.Errorf("corrupt archived exchanges for %s: %w", threadID, err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &at.Context); err != nil {
		return ArchivedThread{}, fmt.Errorf("corrupt archived context for %s: %w", threadID, err)
	}
	return at, nil
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
