package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/routinely/routinely/internal/schedule"
)

// MaxContextMessages caps how many recent session messages a job may splice
// into its prompt.
const MaxContextMessages = 10

// Job is the central persisted entity: a named schedule + prompt + channel +
// session binding.
type Job struct {
	ID              int64
	Name            string
	ScheduleType    schedule.Type
	Schedule        string // canonical form, see schedule.Descriptor.Canonical
	Prompt          string
	Channel         string
	SessionID       string
	Recipient       string
	Enabled         bool
	DeleteAfterRun  bool
	ContextMessages int
	NextRunAt       *time.Time

	LastRunAt      *time.Time
	LastStatus     string
	LastError      string
	LastDurationMS int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

const jobColumns = `id, name, schedule_type, schedule, prompt, channel, session_id, recipient,
 enabled, delete_after_run, context_messages, next_run_at,
 last_run_at, last_status, last_error, last_duration_ms, created_at, updated_at`

// CreateJob inserts a job, replacing any existing job with the same name.
// Replacement reassigns the row id; callers treat create as idempotent by
// name. ContextMessages is clamped to [0, MaxContextMessages] and empty
// session/channel fields get defaults.
func (s *Store) CreateJob(ctx context.Context, j Job) (Job, error) {
	j.SessionID = sessionOrDefault(j.SessionID)
	if j.Channel == "" {
		j.Channel = "desktop"
	}
	if j.ContextMessages < 0 {
		j.ContextMessages = 0
	}
	if j.ContextMessages > MaxContextMessages {
		j.ContextMessages = MaxContextMessages
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, j.Name); err != nil {
		return Job{}, fmt.Errorf("replace job %q: %w", j.Name, err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO jobs (name, schedule_type, schedule, prompt, channel, session_id, recipient,
                  enabled, delete_after_run, context_messages, next_run_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.Name, string(j.ScheduleType), j.Schedule, j.Prompt, j.Channel, j.SessionID, j.Recipient,
		j.Enabled, j.DeleteAfterRun, j.ContextMessages, fmtTimePtr(j.NextRunAt),
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	if err != nil {
		return Job{}, fmt.Errorf("insert job %q: %w", j.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	j.ID, _ = res.LastInsertId()
	return j, nil
}

// Job returns a job by name.
func (s *Store) Job(ctx context.Context, name string) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// Jobs returns enabled jobs, session-scoped. An empty session means the
// default session; SessionAll lifts the scope.
func (s *Store) Jobs(ctx context.Context, session string) ([]Job, error) {
	return s.listJobs(ctx, session, true)
}

// AllJobs returns jobs including disabled ones, with the same session
// scoping rules as Jobs.
func (s *Store) AllJobs(ctx context.Context, session string) ([]Job, error) {
	return s.listJobs(ctx, session, false)
}

func (s *Store) listJobs(ctx context.Context, session string, enabledOnly bool) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		where []string
		args  []any
	)
	if session != SessionAll {
		where = append(where, `session_id = ?`)
		args = append(args, sessionOrDefault(session))
	}
	if enabledOnly {
		where = append(where, `enabled = 1`)
	}
	if len(where) > 0 {
		query += ` WHERE ` + joinAnd(where)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetEnabled flips a job's enabled flag. Returns false if no job by that
// name exists.
func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = ?, updated_at = ? WHERE name = ?`,
		enabled, fmtTime(time.Now()), name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteJob removes a job by name. Run history rows are retained.
func (s *Store) DeleteJob(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetNextRun persists a recomputed next fire time; nil means no further runs.
func (s *Store) SetNextRun(ctx context.Context, name string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE name = ?`,
		fmtTimePtr(next), fmtTime(time.Now()), name)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j         Job
		schedType string
		nextRun   sql.NullString
		lastRun   sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&j.ID, &j.Name, &schedType, &j.Schedule, &j.Prompt, &j.Channel,
		&j.SessionID, &j.Recipient, &j.Enabled, &j.DeleteAfterRun, &j.ContextMessages,
		&nextRun, &lastRun, &j.LastStatus, &j.LastError, &j.LastDurationMS,
		&createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.ScheduleType = schedule.Type(schedType)
	j.NextRunAt = scanTime(nextRun)
	j.LastRunAt = scanTime(lastRun)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		j.UpdatedAt = t
	}
	return j, nil
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}
