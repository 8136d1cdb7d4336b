package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/db"
	"github.com/sells-group/prospector/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. These
// are the dispatcher's hot path.
var preparedStatements = map[string]string{
	"claim_job":    pgClaimJob,
	"complete_job": pgCompleteJob,
	"fail_job":     pgFailJob,
	"bury_job":     pgBuryJob,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = min(minConns, maxConns)
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	payload         JSONB NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt         INTEGER NOT NULL DEFAULT 0,
	worker_id       TEXT,
	claimed_at      TIMESTAMPTZ,
	next_visible_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, next_visible_at);
CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	key          TEXT NOT NULL UNIQUE,
	owner_id     TEXT NOT NULL DEFAULT '',
	search       JSONB NOT NULL,
	phase        TEXT NOT NULL DEFAULT 'starting',
	status       TEXT NOT NULL DEFAULT 'starting',
	progress_pct INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	insights     JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(owner_id);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	attempt     INTEGER NOT NULL DEFAULT 0,
	degraded    BOOLEAN NOT NULL DEFAULT false,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error       TEXT,
	UNIQUE (run_id, name)
);

CREATE TABLE IF NOT EXISTS profiles (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	rank          INTEGER NOT NULL,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	industries    TEXT[] NOT NULL DEFAULT '{}',
	company_sizes TEXT[] NOT NULL DEFAULT '{}',
	departments   TEXT[] NOT NULL DEFAULT '{}',
	seniorities   TEXT[] NOT NULL DEFAULT '{}',
	keywords      TEXT[] NOT NULL DEFAULT '{}',
	embedding     REAL[],
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, rank)
);

CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES runs(id),
	kind           TEXT NOT NULL,
	parent_id      TEXT,
	name           TEXT NOT NULL,
	industry       TEXT,
	employee_count INTEGER NOT NULL DEFAULT 0,
	title          TEXT,
	department     TEXT,
	seniority      TEXT,
	email          TEXT,
	website        TEXT,
	city           TEXT,
	state          TEXT,
	description    TEXT,
	source         TEXT NOT NULL DEFAULT '',
	source_ref     TEXT,
	embedding      REAL[],
	persona_id     TEXT REFERENCES profiles(id),
	match_score    INTEGER NOT NULL DEFAULT 0 CHECK (match_score BETWEEN 0 AND 100),
	match_tier     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_run ON entities(run_id);
CREATE INDEX IF NOT EXISTS idx_entities_unmatched ON entities(run_id) WHERE persona_id IS NULL;

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Runs

const pgRunColumns = `id, key, owner_id, search, phase, status, progress_pct, COALESCE(error, ''), insights, created_at, updated_at`

func (s *PostgresStore) CreateRun(ctx context.Context, key, ownerID string, search model.SearchContext) (*model.Run, bool, error) {
	searchJSON, err := marshalJSON(search)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal search")
	}

	now := s.clock()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, key, owner_id, search, phase, status, progress_pct, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		 ON CONFLICT (key) DO NOTHING`,
		uuid.New().String(), key, ownerID, searchJSON,
		string(model.PhaseStarting), string(model.RunStatusStarting), now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert run %s", key)
	}

	run, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE key = $1`, key))
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get run by key %s", key)
	}
	return run, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.OwnerID != "" {
		query += fmt.Sprintf(` AND owner_id = $%d`, argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) AdvanceRun(ctx context.Context, runID string, phase model.Phase, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET
		   phase = CASE WHEN $3 >= progress_pct THEN $2 ELSE phase END,
		   progress_pct = GREATEST(progress_pct, $3),
		   status = $4,
		   updated_at = $5
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		runID, string(phase), progress, string(model.RunStatusRunning), s.clock(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: advance run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errText string) (bool, error) {
	if !status.Terminal() {
		return false, eris.Errorf("postgres: finish run %s: %s is not terminal", runID, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET
		   status = $2,
		   error = NULLIF($3, ''),
		   phase = CASE WHEN $2 = 'completed' THEN 'completed' ELSE phase END,
		   progress_pct = CASE WHEN $2 = 'completed' THEN 100 ELSE progress_pct END,
		   updated_at = $4
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		runID, string(status), errText, s.clock(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetRunInsights(ctx context.Context, runID string, insights *model.Insights) error {
	data, err := marshalJSON(insights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal insights")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET insights = $2, updated_at = $3 WHERE id = $1`,
		runID, data, s.clock(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set insights %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// Tasks

func (s *PostgresStore) EnsureTasks(ctx context.Context, runID string, names []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: ensure tasks: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, name := range names {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tasks (id, run_id, name, status) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (run_id, name) DO NOTHING`,
			uuid.New().String(), runID, name, string(model.TaskStatusPending),
		); err != nil {
			return eris.Wrapf(err, "postgres: ensure task %s/%s", runID, name)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: ensure tasks: commit")
}

func (s *PostgresStore) ListTasks(ctx context.Context, runID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, status, attempt, degraded, started_at, finished_at, COALESCE(error, '')
		 FROM tasks WHERE run_id = $1 ORDER BY name`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tasks %s", runID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.RunID, &t.Name, &t.Status, &t.Attempt, &t.Degraded,
			&t.StartedAt, &t.FinishedAt, &t.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func (s *PostgresStore) StartTask(ctx context.Context, runID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'running', attempt = attempt + 1, started_at = $3, error = NULL
		 WHERE run_id = $1 AND name = $2 AND status IN ('pending', 'running')`,
		runID, name, s.clock(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start task %s/%s", runID, name)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "startable task %s/%s", runID, name)
	}
	return nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, runID, name string, status model.TaskStatus, degraded bool, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $3, degraded = $4, error = NULLIF($5, ''), finished_at = $6
		 WHERE run_id = $1 AND name = $2 AND status = 'running'`,
		runID, name, string(status), degraded, errText, s.clock(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish task %s/%s", runID, name)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "running task %s/%s", runID, name)
	}
	return nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var searchJSON, insightsJSON []byte
	err := row.Scan(&r.ID, &r.Key, &r.OwnerID, &searchJSON, &r.Phase, &r.Status,
		&r.ProgressPct, &r.Error, &insightsJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalRunJSON(&r, searchJSON, insightsJSON); err != nil {
		return nil, err
	}
	return &r, nil
}
