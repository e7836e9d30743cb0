package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/searchguard/internal/activity"
)

// BlockLog appends block events to a table. It satisfies sinks.BlockRepository.
type BlockLog struct {
	pool  pool
	table string
}

// NewBlockLog wraps an existing pool. table defaults to block_log.
func NewBlockLog(p pool, table string) (*BlockLog, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "block_log")
	if err != nil {
		return nil, err
	}
	return &BlockLog{pool: p, table: table}, nil
}

// RecordBlocks inserts one row per event in a single batch. Replayed ids are ignored.
func (l *BlockLog) RecordBlocks(ctx context.Context, events []activity.Event) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("block log is not configured")
	}
	if len(events) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, blocked_at, tab_id, host, source, matched_term)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING`, l.table)

	batch := &pgx.Batch{}
	for _, evt := range events {
		batch.Queue(query, evt.UUID(), evt.TS, evt.TabID, evt.Host, evt.Source, evt.MatchedTerm)
	}
	results := l.pool.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert block: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close block batch: %w", err)
	}
	return nil
}

// Count returns the number of logged blocks.
func (l *BlockLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, l.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}

// Recent returns logged blocks, newest first.
func (l *BlockLog) Recent(ctx context.Context, limit, offset int) ([]activity.Event, error) {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(`
SELECT id, blocked_at, tab_id, host, source, matched_term
FROM %s
ORDER BY blocked_at DESC
LIMIT $1 OFFSET $2`, l.table), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []activity.Event
	for rows.Next() {
		var (
			id  uuid.UUID
			evt = activity.Event{Kind: activity.KindBlocked}
		)
		if err := rows.Scan(&id, &evt.TS, &evt.TabID, &evt.Host, &evt.Source, &evt.MatchedTerm); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		evt.ID = id
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}
