package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

func (s *SQLiteStore) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, runAfter time.Time) (*model.Job, error) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, status, attempt, next_visible_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.Type, string(job.Payload), string(job.Status), job.NextVisibleAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: enqueue %s job", jobType)
	}
	return job, nil
}

// ClaimJob selects and flips the row in one UPDATE statement. The status
// guard on the outer statement keeps the transition conditional.
func (s *SQLiteStore) ClaimJob(ctx context.Context, workerID string, types []string) (*model.Job, error) {
	now := s.clock()
	inner := `SELECT id FROM jobs WHERE status = 'pending' AND next_visible_at <= ?`
	args := []any{workerID, now, now, now}
	if len(types) > 0 {
		inner += ` AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	inner += ` ORDER BY next_visible_at, created_at LIMIT 1`

	query := `UPDATE jobs SET status = 'running', worker_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = (` + inner + `) AND status = 'pending'
		RETURNING ` + jobColumns

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job")
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'succeeded', updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		s.clock(), jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return heldOrErr(res)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, workerID, errText string, backoff time.Duration) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', attempt = attempt + 1, worker_id = NULL, claimed_at = NULL,
		   last_error = ?, next_visible_at = ?, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		errText, now.Add(backoff), now, jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return heldOrErr(res)
}

func (s *SQLiteStore) BuryJob(ctx context.Context, jobID, workerID, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		errText, s.clock(), jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bury job %s", jobID)
	}
	return heldOrErr(res)
}

func (s *SQLiteStore) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', attempt = attempt + 1, worker_id = NULL, claimed_at = NULL,
		   last_error = 'claim expired', next_visible_at = ?, updated_at = ?
		 WHERE status = 'running' AND claimed_at < ?`,
		now, now, now.Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: recover stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func heldOrErr(res sql.Result) error {
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// scanSQLiteJob returns sql.ErrNoRows unwrapped so callers can detect it.
func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var payload string
	var visible, created, updated nullTime
	if err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Attempt, &j.WorkerID,
		&visible, &j.LastError, &created, &updated); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.NextVisibleAt, j.CreatedAt, j.UpdatedAt = visible.Time, created.Time, updated.Time
	return &j, nil
}
