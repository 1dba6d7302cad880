// Package database holds the auction history ledger: an append-only record
// of every domain event the engine emits, keyed by event id so redelivered
// events are stored once.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/aaronwang/marketplace/shared/models"
)

// Ledger appends and reads auction events
type Ledger interface {
	// InsertEvent stores event; false means it was already recorded
	InsertEvent(ctx context.Context, event *models.AuctionEvent) (bool, error)
	// History returns a product's events oldest first, at most limit
	History(ctx context.Context, productID string, limit int) ([]*models.AuctionEvent, error)
}

// PostgresLedger stores events in the auction_events table
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps db, which must already carry the schema
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// InsertEvent inserts event unless its id is already present
func (l *PostgresLedger) InsertEvent(ctx context.Context, event *models.AuctionEvent) (bool, error) {
	query := `
		INSERT INTO auction_events (event_id, type, product_id, bid_id, actor_id, amount, status, path, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`

	result, err := l.db.ExecContext(
		ctx,
		query,
		event.EventID,
		event.Type,
		event.ProductID,
		nullString(event.BidID),
		nullString(event.ActorID),
		event.Amount,
		nullString(string(event.Status)),
		nullString(string(event.Path)),
		event.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// History returns the recorded events for productID
func (l *PostgresLedger) History(ctx context.Context, productID string, limit int) ([]*models.AuctionEvent, error) {
	query := `
		SELECT event_id, type, product_id, bid_id, actor_id, amount, status, path, occurred_at
		FROM auction_events
		WHERE product_id = $1
		ORDER BY occurred_at, event_id
		LIMIT $2
	`

	rows, err := l.db.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuctionEvent
	for rows.Next() {
		var (
			e                            models.AuctionEvent
			bidID, actorID, status, path sql.NullString
		)
		err := rows.Scan(
			&e.EventID,
			&e.Type,
			&e.ProductID,
			&bidID,
			&actorID,
			&e.Amount,
			&status,
			&path,
			&e.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.BidID = bidID.String
		e.ActorID = actorID.String
		e.Status = models.BidStatus(status.String)
		e.Path = models.ClosePath(path.String)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MemoryLedger keeps events in process for the memory driver and tests
type MemoryLedger struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	events map[string][]*models.AuctionEvent
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		seen:   make(map[string]struct{}),
		events: make(map[string][]*models.AuctionEvent),
	}
}

// InsertEvent records a copy of event unless its id was seen before
func (l *MemoryLedger) InsertEvent(_ context.Context, event *models.AuctionEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[event.EventID]; ok {
		return false, nil
	}
	l.seen[event.EventID] = struct{}{}

	cp := *event
	l.events[event.ProductID] = append(l.events[event.ProductID], &cp)
	return true, nil
}

// History returns copies of the product's events oldest first
func (l *MemoryLedger) History(_ context.Context, productID string, limit int) ([]*models.AuctionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.events[productID]
	out := make([]*models.AuctionEvent, 0, len(src))
	for _, e := range src {
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
