package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/searchguard/internal/state"
)

// StateStore keeps the configuration document in a single jsonb row.
type StateStore struct {
	pool  pool
	table string
}

// NewStateStore wraps an existing pool. table defaults to guard_state.
func NewStateStore(p pool, table string) (*StateStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "guard_state")
	if err != nil {
		return nil, err
	}
	return &StateStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *StateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Load returns the stored document or state.ErrNotFound.
func (s *StateStore) Load(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = 1`, s.table)).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	return doc, nil
}

// Save upserts the document row.
func (s *StateStore) Save(ctx context.Context, doc []byte) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, doc, updated_at) VALUES (1, $1, now())
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, doc); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}
