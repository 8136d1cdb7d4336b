package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/db"
	"github.com/sells-group/prospector/internal/model"
)

var entityCopyColumns = []string{
	"id", "run_id", "kind", "parent_id", "name", "industry", "employee_count",
	"title", "department", "seniority", "email", "website", "city", "state",
	"description", "source", "source_ref", "embedding", "match_score", "created_at",
}

const entityColumns = `id, run_id, kind, COALESCE(parent_id, ''), name, COALESCE(industry, ''), employee_count,
	COALESCE(title, ''), COALESCE(department, ''), COALESCE(seniority, ''), COALESCE(email, ''),
	COALESCE(website, ''), COALESCE(city, ''), COALESCE(state, ''), COALESCE(description, ''),
	source, COALESCE(source_ref, ''), embedding, persona_id, match_score, COALESCE(match_tier, ''), created_at`

const profileColumns = `id, run_id, rank, title, description, industries, company_sizes, departments, seniorities, keywords, embedding, created_at`

func (s *PostgresStore) InsertEntities(ctx context.Context, entities []model.Entity) (int, error) {
	if err := prepareEntities(entities, s.clock()); err != nil {
		return 0, err
	}
	rows := make([][]any, 0, len(entities))
	for i := range entities {
		e := &entities[i]
		rows = append(rows, []any{
			e.ID, e.RunID, string(e.Kind), nullString(e.ParentID), e.Name, nullString(e.Industry), e.EmployeeCount,
			nullString(e.Title), nullString(e.Department), nullString(e.Seniority), nullString(e.Email),
			nullString(e.Website), nullString(e.City), nullString(e.State), nullString(e.Description),
			e.Source, nullString(e.SourceRef), e.Embedding, e.MatchScore, e.CreatedAt,
		})
	}
	n, err := db.CopyFrom(ctx, s.pool, "entities", entityCopyColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert entities")
	}
	return int(n), nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	e, err := scanPgEntity(s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, entityID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", entityID)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE run_id = $1`
	args := []any{filter.RunID}
	argIdx := 2
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Unmatched {
		query += ` AND persona_id IS NULL`
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list entities %s", filter.RunID)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *PostgresStore) UpdateEntityMatch(ctx context.Context, entityID, personaID string, score int, tier model.MatchTier) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET persona_id = $2, match_score = $3, match_tier = $4
		 WHERE id = $1 AND persona_id IS NULL`,
		entityID, personaID, score, string(tier),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update entity match %s", entityID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateEntityEmbedding(ctx context.Context, entityID string, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE entities SET embedding = $2 WHERE id = $1`, entityID, embedding)
	return eris.Wrapf(err, "postgres: update entity embedding %s", entityID)
}

func (s *PostgresStore) TopProfiles(ctx context.Context, entityID string, k int) ([]model.ProfileScore, error) {
	var runID string
	var embedding []float32
	err := s.pool.QueryRow(ctx, `SELECT run_id, embedding FROM entities WHERE id = $1`, entityID).
		Scan(&runID, &embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: top profiles %s", entityID)
	}
	profiles, err := s.ListProfiles(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rankProfiles(embedding, profiles, k), nil
}

// Profiles

func (s *PostgresStore) InsertProfiles(ctx context.Context, profiles []model.SegmentProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: insert profiles: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.clock()
	for i := range profiles {
		p := &profiles[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO profiles (`+profileColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (run_id, rank) DO NOTHING`,
			p.ID, p.RunID, p.Rank, p.Title, p.Description,
			nonNil(p.Industries), nonNil(p.CompanySizes), nonNil(p.Departments), nonNil(p.Seniorities), nonNil(p.Keywords),
			p.Embedding, p.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert profile %s rank %d", p.RunID, p.Rank)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: insert profiles: commit")
}

func (s *PostgresStore) ListProfiles(ctx context.Context, runID string) ([]model.SegmentProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE run_id = $1 ORDER BY rank`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list profiles %s", runID)
	}
	defer rows.Close()

	var out []model.SegmentProfile
	for rows.Next() {
		var p model.SegmentProfile
		if err := rows.Scan(&p.ID, &p.RunID, &p.Rank, &p.Title, &p.Description,
			&p.Industries, &p.CompanySizes, &p.Departments, &p.Seniorities, &p.Keywords,
			&p.Embedding, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list profiles iterate")
}

func (s *PostgresStore) UpdateProfileEmbedding(ctx context.Context, profileID string, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE profiles SET embedding = $2 WHERE id = $1`, profileID, embedding)
	return eris.Wrapf(err, "postgres: update profile embedding %s", profileID)
}

func scanPgEntity(row pgx.Row) (*model.Entity, error) {
	var e model.Entity
	err := row.Scan(&e.ID, &e.RunID, &e.Kind, &e.ParentID, &e.Name, &e.Industry, &e.EmployeeCount,
		&e.Title, &e.Department, &e.Seniority, &e.Email, &e.Website, &e.City, &e.State,
		&e.Description, &e.Source, &e.SourceRef, &e.Embedding, &e.PersonaID, &e.MatchScore,
		&e.MatchTier, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
