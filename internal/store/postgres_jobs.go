package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

const jobColumns = `id, type, payload, status, attempt, COALESCE(worker_id, ''), next_visible_at, COALESCE(last_error, ''), created_at, updated_at`

// pgClaimJob claims the oldest visible pending job in one statement. SKIP
// LOCKED lets concurrent claimers move past a row another transaction holds.
const pgClaimJob = `UPDATE jobs SET status = 'running', worker_id = $1, claimed_at = $2, updated_at = $2
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending' AND next_visible_at <= $2
	  AND ($3::text[] IS NULL OR type = ANY($3))
	ORDER BY next_visible_at, created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

const pgCompleteJob = `UPDATE jobs SET status = 'succeeded', updated_at = $3
WHERE id = $1 AND worker_id = $2 AND status = 'running'`

const pgFailJob = `UPDATE jobs SET status = 'pending', attempt = attempt + 1, worker_id = NULL, claimed_at = NULL,
	last_error = $3, next_visible_at = $4, updated_at = $5
WHERE id = $1 AND worker_id = $2 AND status = 'running'`

const pgBuryJob = `UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = $3, updated_at = $4
WHERE id = $1 AND worker_id = $2 AND status = 'running'`

func (s *PostgresStore) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, runAfter time.Time) (*model.Job, error) {
	now := s.clock()
	if runAfter.IsZero() || runAfter.Before(now) {
		runAfter = now
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	job := &model.Job{
		ID:            uuid.New().String(),
		Type:          jobType,
		Payload:       payload,
		Status:        model.JobStatusPending,
		NextVisibleAt: runAfter.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, type, payload, status, attempt, next_visible_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $6)`,
		job.ID, job.Type, []byte(job.Payload), string(job.Status), job.NextVisibleAt, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: enqueue %s job", jobType)
	}
	return job, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, workerID string, types []string) (*model.Job, error) {
	var typeFilter []string
	if len(types) > 0 {
		typeFilter = types
	}
	job, err := scanPgJob(s.pool.QueryRow(ctx, pgClaimJob, workerID, s.clock(), typeFilter))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, pgCompleteJob, jobID, workerID, s.clock())
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, workerID, errText string, backoff time.Duration) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	now := s.clock()
	tag, err := s.pool.Exec(ctx, pgFailJob, jobID, workerID, errText, now.Add(backoff), now)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *PostgresStore) BuryJob(ctx context.Context, jobID, workerID, errText string) error {
	tag, err := s.pool.Exec(ctx, pgBuryJob, jobID, workerID, errText, s.clock())
	if err != nil {
		return eris.Wrapf(err, "postgres: bury job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *PostgresStore) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.clock()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', attempt = attempt + 1, worker_id = NULL, claimed_at = NULL,
		   last_error = 'claim expired', next_visible_at = $1, updated_at = $1
		 WHERE status = 'running' AND claimed_at < $2`,
		now, now.Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: recover stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, argIdx)
		args = append(args, filter.Type)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var payload []byte
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Attempt, &j.WorkerID,
		&j.NextVisibleAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}
