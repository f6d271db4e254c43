// Package knowledge stores agent-learned facts durably and broadcasts them to
// agents sharing overlapping capabilities.
package knowledge

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"aimesh/internal/types"
)

// FactStore persists knowledge facts in SQLite. Fact ids are ULIDs, so
// lexicographic id order is creation order; the recency tie-break in the
// ranking is a plain ORDER BY id DESC.
type FactStore struct {
	db *sql.DB

	mu      sync.Mutex // guards entropy (monotonic readers are not concurrent-safe)
	entropy *ulid.MonotonicEntropy
}

// NewFactStore opens (or creates) the fact database at path. Use ":memory:"
// for tests.
func NewFactStore(path string) (*FactStore, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge_facts (
			id TEXT PRIMARY KEY,
			capability TEXT NOT NULL,
			pattern TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			superseded_by TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create knowledge_facts table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_facts_capability ON knowledge_facts(capability)`)

	return &FactStore{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Insert durably records a new fact and returns it with its assigned id.
func (s *FactStore) Insert(agentID string, cap types.Capability, pattern string) (types.KnowledgeFact, error) {
	now := time.Now()

	s.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	s.mu.Unlock()

	fact := types.KnowledgeFact{
		ID:         id,
		Capability: cap,
		Pattern:    pattern,
		AgentID:    agentID,
		CreatedAt:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO knowledge_facts (id, capability, pattern, agent_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		fact.ID, string(fact.Capability), fact.Pattern, fact.AgentID, fact.CreatedAt,
	)
	if err != nil {
		return types.KnowledgeFact{}, fmt.Errorf("failed to store knowledge fact: %w", err)
	}
	return fact, nil
}

// ListByCapability returns up to limit facts for a capability, ranked:
// non-superseded first, then most used, then newest (ULID order breaks usage
// ties). Facts are never deleted; superseded ones simply sink. Retrieval
// bumps usage counts, so retrieval itself reinforces the ranking.
func (s *FactStore) ListByCapability(cap types.Capability, limit int) ([]types.KnowledgeFact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, capability, pattern, agent_id, created_at, usage_count, superseded_by
		 FROM knowledge_facts WHERE capability = ?
		 ORDER BY (superseded_by = '') DESC, usage_count DESC, id DESC
		 LIMIT ?`,
		string(cap), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge facts: %w", err)
	}
	defer rows.Close()

	var facts []types.KnowledgeFact
	for rows.Next() {
		var f types.KnowledgeFact
		var capStr string
		if err := rows.Scan(&f.ID, &capStr, &f.Pattern, &f.AgentID, &f.CreatedAt, &f.UsageCount, &f.SupersededBy); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge fact: %w", err)
		}
		f.Capability = types.Capability(capStr)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, f := range facts {
		_, _ = s.db.Exec(`UPDATE knowledge_facts SET usage_count = usage_count + 1 WHERE id = ?`, f.ID)
	}
	return facts, nil
}

// Supersede marks oldID as replaced by newID. The old fact is kept; it only
// ranks lower from now on.
func (s *FactStore) Supersede(oldID, newID string) error {
	res, err := s.db.Exec(`UPDATE knowledge_facts SET superseded_by = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to supersede fact %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fact %s not found", oldID)
	}
	return nil
}

// Count returns the total number of stored facts.
func (s *FactStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM knowledge_facts`).Scan(&n)
	return n, err
}

// Close releases the underlying database.
func (s *FactStore) Close() error {
	return s.db.Close()
}
