package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospector/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. All writes go
// through one connection, so conditional updates are serialized.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) clock() time.Time {
	return s.now().UTC()
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt         INTEGER NOT NULL DEFAULT 0,
	worker_id       TEXT,
	claimed_at      DATETIME,
	next_visible_at DATETIME NOT NULL,
	last_error      TEXT,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, next_visible_at);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	key          TEXT NOT NULL UNIQUE,
	owner_id     TEXT NOT NULL DEFAULT '',
	search       TEXT NOT NULL,
	phase        TEXT NOT NULL DEFAULT 'starting',
	status       TEXT NOT NULL DEFAULT 'starting',
	progress_pct INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	insights     TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	attempt     INTEGER NOT NULL DEFAULT 0,
	degraded    INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME,
	finished_at DATETIME,
	error       TEXT,
	UNIQUE (run_id, name)
);

CREATE TABLE IF NOT EXISTS profiles (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	rank          INTEGER NOT NULL,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	industries    TEXT NOT NULL DEFAULT '[]',
	company_sizes TEXT NOT NULL DEFAULT '[]',
	departments   TEXT NOT NULL DEFAULT '[]',
	seniorities   TEXT NOT NULL DEFAULT '[]',
	keywords      TEXT NOT NULL DEFAULT '[]',
	embedding     TEXT,
	created_at    DATETIME NOT NULL,
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
	embedding      TEXT,
	persona_id     TEXT REFERENCES profiles(id),
	match_score    INTEGER NOT NULL DEFAULT 0 CHECK (match_score BETWEEN 0 AND 100),
	match_tier     TEXT,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_run ON entities(run_id);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

const sqliteRunColumns = `id, key, owner_id, search, phase, status, progress_pct, COALESCE(error, ''), COALESCE(insights, ''), created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, key, ownerID string, search model.SearchContext) (*model.Run, bool, error) {
	searchJSON, err := marshalJSON(search)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal search")
	}

	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, key, owner_id, search, phase, status, progress_pct, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		uuid.New().String(), key, ownerID, string(searchJSON),
		string(model.PhaseStarting), string(model.RunStatusStarting), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert run %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE key = ?`, key))
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get run by key %s", key)
	}
	return run, n == 1, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) AdvanceRun(ctx context.Context, runID string, phase model.Phase, progress int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
		   phase = CASE WHEN ? >= progress_pct THEN ? ELSE phase END,
		   progress_pct = MAX(progress_pct, ?),
		   status = ?,
		   updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		progress, string(phase), progress, string(model.RunStatusRunning), s.clock(), runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: advance run %s", runID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errText string) (bool, error) {
	if !status.Terminal() {
		return false, eris.Errorf("sqlite: finish run %s: %s is not terminal", runID, status)
	}
	completed := status == model.RunStatusCompleted
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
		   status = ?,
		   error = NULLIF(?, ''),
		   phase = CASE WHEN ? THEN 'completed' ELSE phase END,
		   progress_pct = CASE WHEN ? THEN 100 ELSE progress_pct END,
		   updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), errText, completed, completed, s.clock(), runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) SetRunInsights(ctx context.Context, runID string, insights *model.Insights) error {
	data, err := marshalJSON(insights)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal insights")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET insights = ?, updated_at = ? WHERE id = ?`,
		string(data), s.clock(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set insights %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// Tasks

func (s *SQLiteStore) EnsureTasks(ctx context.Context, runID string, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: ensure tasks: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, run_id, name, status) VALUES (?, ?, ?, ?)
			 ON CONFLICT (run_id, name) DO NOTHING`,
			uuid.New().String(), runID, name, string(model.TaskStatusPending),
		); err != nil {
			return eris.Wrapf(err, "sqlite: ensure task %s/%s", runID, name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: ensure tasks: commit")
}

func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, attempt, degraded, started_at, finished_at, COALESCE(error, '')
		 FROM tasks WHERE run_id = ? ORDER BY name`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tasks %s", runID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var started, finished nullTime
		if err := rows.Scan(&t.ID, &t.RunID, &t.Name, &t.Status, &t.Attempt, &t.Degraded,
			&started, &finished, &t.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		t.StartedAt = started.Ptr()
		t.FinishedAt = finished.Ptr()
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

func (s *SQLiteStore) StartTask(ctx context.Context, runID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'running', attempt = attempt + 1, started_at = ?, error = NULL
		 WHERE run_id = ? AND name = ? AND status IN ('pending', 'running')`,
		s.clock(), runID, name,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start task %s/%s", runID, name)
	}
	return checkRowsAffected(res, "startable task", runID+"/"+name)
}

func (s *SQLiteStore) FinishTask(ctx context.Context, runID, name string, status model.TaskStatus, degraded bool, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, degraded = ?, error = NULLIF(?, ''), finished_at = ?
		 WHERE run_id = ? AND name = ? AND status = 'running'`,
		string(status), degraded, errText, s.clock(), runID, name,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish task %s/%s", runID, name)
	}
	return checkRowsAffected(res, "running task", runID+"/"+name)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var searchJSON, insightsJSON string
	var created, updated nullTime

	err := row.Scan(&r.ID, &r.Key, &r.OwnerID, &searchJSON, &r.Phase, &r.Status,
		&r.ProgressPct, &r.Error, &insightsJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, r.UpdatedAt = created.Time, updated.Time
	if err := unmarshalRunJSON(&r, []byte(searchJSON), []byte(insightsJSON)); err != nil {
		return nil, err
	}
	return &r, nil
}

// timeLayouts are the encodings the sqlite driver may hand back for DATETIME
// values, depending on how they were written.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// nullTime scans DATETIME columns whether the driver returns time.Time or
// text (RETURNING and expression columns carry no declared type).
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return eris.Errorf("sqlite: cannot scan %T into time", src)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return eris.Errorf("sqlite: unparseable time %q", s)
}

// Ptr returns nil for NULL.
func (n nullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
