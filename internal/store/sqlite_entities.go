package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

func (s *SQLiteStore) InsertEntities(ctx context.Context, entities []model.Entity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	if err := prepareEntities(entities, s.clock()); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert entities: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range entities {
		e := &entities[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, run_id, kind, parent_id, name, industry, employee_count,
			   title, department, seniority, email, website, city, state, description,
			   source, source_ref, embedding, match_score, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.RunID, string(e.Kind), nullString(e.ParentID), e.Name, nullString(e.Industry), e.EmployeeCount,
			nullString(e.Title), nullString(e.Department), nullString(e.Seniority), nullString(e.Email),
			nullString(e.Website), nullString(e.City), nullString(e.State), nullString(e.Description),
			e.Source, nullString(e.SourceRef), encodeVector(e.Embedding), e.MatchScore, e.CreatedAt.UTC(),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert entity %s", e.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert entities: commit")
	}
	return len(entities), nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	e, err := scanSQLiteEntity(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, entityID))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", entityID)
	}
	return e, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE run_id = ?`
	args := []any{filter.RunID}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Unmatched {
		query += ` AND persona_id IS NULL`
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list entities %s", filter.RunID)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanSQLiteEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) UpdateEntityMatch(ctx context.Context, entityID, personaID string, score int, tier model.MatchTier) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET persona_id = ?, match_score = ?, match_tier = ?
		 WHERE id = ? AND persona_id IS NULL`,
		personaID, score, string(tier), entityID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update entity match %s", entityID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) UpdateEntityEmbedding(ctx context.Context, entityID string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET embedding = ? WHERE id = ?`, encodeVector(embedding), entityID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity embedding %s", entityID)
	}
	return checkRowsAffected(res, "entity", entityID)
}

func (s *SQLiteStore) TopProfiles(ctx context.Context, entityID string, k int) ([]model.ProfileScore, error) {
	var runID string
	var raw *string
	err := s.db.QueryRowContext(ctx, `SELECT run_id, embedding FROM entities WHERE id = ?`, entityID).Scan(&runID, &raw)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: top profiles %s", entityID)
	}
	embedding, err := decodeVector(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: top profiles %s", entityID)
	}
	profiles, err := s.ListProfiles(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rankProfiles(embedding, profiles, k), nil
}

// Profiles

func (s *SQLiteStore) InsertProfiles(ctx context.Context, profiles []model.SegmentProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert profiles: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.clock()
	for i := range profiles {
		p := &profiles[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (`+profileColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, rank) DO NOTHING`,
			p.ID, p.RunID, p.Rank, p.Title, p.Description,
			encodeList(p.Industries), encodeList(p.CompanySizes), encodeList(p.Departments),
			encodeList(p.Seniorities), encodeList(p.Keywords),
			encodeVector(p.Embedding), p.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert profile %s rank %d", p.RunID, p.Rank)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert profiles: commit")
}

func (s *SQLiteStore) ListProfiles(ctx context.Context, runID string) ([]model.SegmentProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE run_id = ? ORDER BY rank`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list profiles %s", runID)
	}
	defer rows.Close()

	var out []model.SegmentProfile
	for rows.Next() {
		var p model.SegmentProfile
		var industries, sizes, departments, seniorities, keywords string
		var embedding *string
		var created nullTime
		if err := rows.Scan(&p.ID, &p.RunID, &p.Rank, &p.Title, &p.Description,
			&industries, &sizes, &departments, &seniorities, &keywords,
			&embedding, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile")
		}
		lists := []struct {
			raw string
			dst *[]string
		}{
			{industries, &p.Industries},
			{sizes, &p.CompanySizes},
			{departments, &p.Departments},
			{seniorities, &p.Seniorities},
			{keywords, &p.Keywords},
		}
		for _, l := range lists {
			if *l.dst, err = decodeList(l.raw); err != nil {
				return nil, eris.Wrapf(err, "sqlite: profile %s", p.ID)
			}
		}
		if p.Embedding, err = decodeVector(embedding); err != nil {
			return nil, eris.Wrapf(err, "sqlite: profile %s", p.ID)
		}
		p.CreatedAt = created.Time
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list profiles iterate")
}

func (s *SQLiteStore) UpdateProfileEmbedding(ctx context.Context, profileID string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET embedding = ? WHERE id = ?`, encodeVector(embedding), profileID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update profile embedding %s", profileID)
	}
	return checkRowsAffected(res, "profile", profileID)
}

// Cache

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var expires, created nullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT key, payload, expires_at, created_at FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, s.clock(),
	).Scan(&e.Key, &e.Payload, &expires, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	e.ExpiresAt, e.CreatedAt = expires.Time, created.Time
	return &e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, payload, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at, created_at = excluded.created_at`,
		entry.Key, entry.Payload, entry.ExpiresAt.UTC(), entry.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

func (s *SQLiteStore) PruneCache(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ? OR created_at < ?`,
		s.clock(), cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Leases

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lease %s", name)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: release lease %s", name)
	}
	return affectedOne(res)
}

func scanSQLiteEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	var embedding *string
	var created nullTime
	if err := row.Scan(&e.ID, &e.RunID, &e.Kind, &e.ParentID, &e.Name, &e.Industry, &e.EmployeeCount,
		&e.Title, &e.Department, &e.Seniority, &e.Email, &e.Website, &e.City, &e.State,
		&e.Description, &e.Source, &e.SourceRef, &embedding, &e.PersonaID, &e.MatchScore,
		&e.MatchTier, &created); err != nil {
		return nil, err
	}
	v, err := decodeVector(embedding)
	if err != nil {
		return nil, err
	}
	e.Embedding = v
	e.CreatedAt = created.Time
	return &e, nil
}
