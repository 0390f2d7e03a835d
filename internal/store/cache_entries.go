package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// L2Store is the durable cache level backed by the cache_entries table.
// Reads filter on expires_at so an expired row behaves exactly like an
// absent one until cleanup catches up.
type L2Store struct {
	client *Client
}

// NewL2Store returns the durable cache over the given client
func NewL2Store(client *Client) *L2Store {
	return &L2Store{client: client}
}

// Get returns the value for key, found=false on absence or expiry
func (s *L2Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.client.db.GetContext(ctx, &value,
		`SELECT cache_value FROM cache_entries
		 WHERE cache_key = $1 AND expires_at > NOW()`,
		key,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("l2 get: %w", err)
	}
	return value, true, nil
}

// Set upserts the entry with absolute expiry now+ttl. Idempotent on key.
func (s *L2Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.client.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, cache_value, expires_at, created_at, updated_at)
		 VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second', NOW(), NOW())
		 ON CONFLICT (cache_key) DO UPDATE
		 SET cache_value = EXCLUDED.cache_value,
		     expires_at  = EXCLUDED.expires_at,
		     updated_at  = NOW()`,
		key, value, ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("l2 set: %w", err)
	}
	return nil
}

// Delete removes the entry unconditionally
func (s *L2Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cache_key = $1`, key,
	)
	if err != nil {
		return fmt.Errorf("l2 delete: %w", err)
	}
	return nil
}

// CleanupExpired deletes rows past their expiry and returns the count.
// Run periodically; reads never observe expired rows regardless.
func (s *L2Store) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.client.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < NOW()`,
	)
	if err != nil {
		return 0, fmt.Errorf("l2 cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
