package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zoobzio/clockz"
)

// DefaultRetention is how long a processed event id is remembered.
const DefaultRetention = 30 * 24 * time.Hour

// IdempotencyStore remembers which webhook events were already handled.
type IdempotencyStore interface {
	// Seen reports whether eventID was handled within its retention window.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Claim records eventID if it is not already held. It returns false
	// when another delivery got there first. Check and record are one step.
	Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	// Release forgets eventID so a retried delivery is handled again.
	Release(ctx context.Context, eventID string) error
	// Purge drops expired entries and returns how many were removed.
	Purge(ctx context.Context) (int64, error)
}

// MemoryIdempotencyStore keeps event ids in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	clock   clockz.Clock
}

// NewMemoryIdempotencyStore creates an in-memory store.
func NewMemoryIdempotencyStore(clock clockz.Clock) *MemoryIdempotencyStore {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &MemoryIdempotencyStore{
		expires: make(map[string]time.Time),
		clock:   clock,
	}
}

func (s *MemoryIdempotencyStore) Seen(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[eventID]
	return ok && s.clock.Now().Before(exp), nil
}

func (s *MemoryIdempotencyStore) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if exp, ok := s.expires[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[eventID] = now.Add(ttl)
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.expires, eventID)
	return nil
}

func (s *MemoryIdempotencyStore) Purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var n int64
	for id, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, id)
			n++
		}
	}
	return n, nil
}

// PostgresIdempotencyStore keeps event ids in the webhook_events table.
type PostgresIdempotencyStore struct {
	pool  *pgxpool.Pool
	clock clockz.Clock
}

// NewPostgresIdempotencyStore creates a PostgreSQL-backed store.
func NewPostgresIdempotencyStore(pool *pgxpool.Pool, clock clockz.Clock) *PostgresIdempotencyStore {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &PostgresIdempotencyStore{pool: pool, clock: clock}
}

func (s *PostgresIdempotencyStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1 AND expires_at > $2)`,
		eventID, s.clock.Now().UTC(),
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return seen, nil
}

// Claim inserts the id, or takes over an expired row, in a single statement.
func (s *PostgresIdempotencyStore) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, processed_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO UPDATE
		SET processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
		WHERE webhook_events.expires_at <= EXCLUDED.processed_at
	`

	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, query, eventID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresIdempotencyStore) Release(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

func (s *PostgresIdempotencyStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE expires_at <= $1`, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}
