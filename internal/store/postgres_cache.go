package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	err := s.pool.QueryRow(ctx,
		`SELECT key, payload, expires_at, created_at FROM cache_entries
		 WHERE key = $1 AND expires_at > $2`,
		key, s.clock(),
	).Scan(&e.Key, &e.Payload, &e.ExpiresAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	return &e, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, payload, expires_at, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET payload = $2, expires_at = $3, created_at = $4`,
		entry.Key, entry.Payload, entry.ExpiresAt.UTC(), entry.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

func (s *PostgresStore) PruneCache(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= $1 OR created_at < $2`,
		s.clock(), cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune cache")
	}
	return int(tag.RowsAffected()), nil
}

// Leases

func (s *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.clock()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO leases (name, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE leases.expires_at <= $4 OR leases.holder = EXCLUDED.holder`,
		name, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lease %s", name)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: release lease %s", name)
	}
	return tag.RowsAffected() == 1, nil
}
