package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var jobRowColumns = []string{"id", "type", "payload", "status", "attempt", "worker_id", "next_visible_at", "last_error", "created_at", "updated_at"}

func TestPostgresStore_ClaimJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE jobs SET status = 'running'.*FOR UPDATE SKIP LOCKED`).
		WithArgs("w1", pgxmock.AnyArg(), []string{model.JobTypeMatchEntities}).
		WillReturnRows(pgxmock.NewRows(jobRowColumns).
			AddRow("job-1", model.JobTypeMatchEntities, []byte(`{"run_id":"r1","attempt":2}`), model.JobStatusRunning, 0, "w1", now, "", now, now))

	job, err := s.ClaimJob(context.Background(), "w1", []string{model.JobTypeMatchEntities})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "w1", job.WorkerID)

	var p model.MatchPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, 2, p.Attempt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_NoneEligible(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE jobs SET status = 'running'`).
		WithArgs("w1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	job, err := s.ClaimJob(context.Background(), "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_NotHeld(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'succeeded'`).
		WithArgs("job-1", "w2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteJob(context.Background(), "job-1", "w2")
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob_SetsBackoff(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	mock.ExpectExec(`UPDATE jobs SET status = 'pending', attempt = attempt \+ 1`).
		WithArgs("job-1", "w1", "boom", now.Add(30*time.Second), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailJob(context.Background(), "job-1", "w1", "boom", 30*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BuryJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'failed'`).
		WithArgs("job-1", "w1", "exhausted", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.BuryJob(context.Background(), "job-1", "w1", "exhausted"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), model.JobTypeRecomputeEmbeddings, []byte(`{"run_id":"r1"}`), "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.EnqueueJob(context.Background(), model.JobTypeRecomputeEmbeddings, json.RawMessage(`{"run_id":"r1"}`), time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, key, owner_id, search, phase, status, progress_pct, .* FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_Existing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO runs .* ON CONFLICT \(key\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "key-1", "owner", pgxmock.AnyArg(), "starting", "starting", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM runs WHERE key = \$1`).
		WithArgs("key-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "key", "owner_id", "search", "phase", "status", "progress_pct", "error", "insights", "created_at", "updated_at"}).
			AddRow("run-1", "key-1", "owner", []byte(`{"industry":"hvac","location":"Denver"}`), model.PhaseDiscovery, model.RunStatusRunning, 40, "", []byte(nil), now, now))

	run, created, err := s.CreateRun(context.Background(), "key-1", "owner", model.SearchContext{Industry: "hvac", Location: "Denver"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, "hvac", run.Search.Industry)
	assert.Nil(t, run.Insights)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_AlreadyTerminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET.*WHERE id = \$1 AND status NOT IN`).
		WithArgs("run-1", "completed", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.FinishRun(context.Background(), "run-1", model.RunStatusCompleted, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	for _, name := range model.StageNames {
		mock.ExpectExec(`INSERT INTO tasks .* ON CONFLICT \(run_id, name\) DO NOTHING`).
			WithArgs(pgxmock.AnyArg(), "run-1", name, "pending").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.EnsureTasks(context.Background(), "run-1", model.StageNames))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertEntities_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"entities"}, entityCopyColumns).WillReturnResult(2)

	n, err := s.InsertEntities(context.Background(), []model.Entity{
		{RunID: "run-1", Kind: model.EntityKindBusiness, Name: "Acme", Source: "places"},
		{RunID: "run-1", Kind: model.EntityKindContact, ParentID: "b1", Name: "Jane Doe", Source: "perplexity"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntityMatch_OnlyUnassigned(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET persona_id = \$2.*persona_id IS NULL`).
		WithArgs("e1", "p1", 72, "heuristic").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.UpdateEntityMatch(context.Background(), "e1", "p1", 72, model.MatchTierHeuristic)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCacheEntry_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, payload, expires_at, created_at FROM cache_entries`).
		WithArgs("abc", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCacheEntry(context.Background(), "abc")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCacheEntry_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("abc", []byte("payload"), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutCacheEntry(context.Background(), model.CacheEntry{Key: "abc", Payload: []byte("payload"), ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireLease_Held(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO leases .* WHERE leases.expires_at <= \$4`).
		WithArgs("map:run-1", "h2", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.AcquireLease(context.Background(), "map:run-1", "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
