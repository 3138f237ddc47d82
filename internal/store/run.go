package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/bytedance/sonic"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// RunResult is the outcome of one firing, as produced by the dispatcher.
// NextRunAt is filled in by the runtime before recording; nil retires the
// job.
type RunResult struct {
	Status     string
	Error      string
	DurationMS int64
	NextRunAt  *time.Time
	Meta       map[string]string // delivery details (channel, recipient, ...)
}

// Run is one historical execution record.
type Run struct {
	ID         int64
	JobName    string
	SessionID  string
	Status     string
	Error      string
	DurationMS int64
	RanAt      time.Time
	Meta       map[string]string
}

// Stats aggregates execution history. The runtime layers the live armed-job
// count on top.
type Stats struct {
	TotalRuns int64
	LastRunAt *time.Time
}

// RecordRun appends a history row for job and folds the outcome into the
// job's last* fields and next_run_at. The history row survives later job
// deletion, so one-shot cleanup keeps its trace.
func (s *Store) RecordRun(ctx context.Context, job Job, res RunResult) error {
	now := time.Now()
	meta := ""
	if len(res.Meta) > 0 {
		if b, err := sonic.Marshal(res.Meta); err == nil {
			meta = string(b)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO job_runs (job_name, session_id, status, error, duration_ms, ran_at, meta)
VALUES (?,?,?,?,?,?,?)`,
		job.Name, job.SessionID, res.Status, res.Error, res.DurationMS, fmtTime(now), meta,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE jobs SET last_run_at = ?, last_status = ?, last_error = ?, last_duration_ms = ?,
       next_run_at = ?, updated_at = ?
WHERE name = ?`,
		fmtTime(now), res.Status, res.Error, res.DurationMS,
		fmtTimePtr(res.NextRunAt), fmtTime(now), job.Name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the most recent runs across all jobs, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_name, session_id, status, error, duration_ms, ran_at, meta
FROM job_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r     Run
			ranAt string
			meta  string
		)
		if err := rows.Scan(&r.ID, &r.JobName, &r.SessionID, &r.Status, &r.Error,
			&r.DurationMS, &ranAt, &meta); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ranAt); err == nil {
			r.RanAt = t
		}
		if meta != "" {
			_ = sonic.UnmarshalString(meta, &r.Meta)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Stats returns aggregate execution counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st   Stats
		last sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(ran_at) FROM job_runs`).Scan(&st.TotalRuns, &last)
	if err != nil {
		return Stats{}, err
	}
	st.LastRunAt = scanTime(last)
	return st, nil
}
