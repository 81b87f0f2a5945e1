// Package sqlite is the reference Store implementation: a single WAL-
// journaled modernc.org/sqlite database file accessed through database/sql,
// with the claim protocol expressed as one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"queuectl/pkg/models"
	"queuectl/pkg/storage"
)

// timeLayout is RFC 3339 with a fixed-width nanosecond fraction. The claim
// predicate and tie-break compare these strings with SQL <= / ORDER BY, so
// the layout must sort lexicographically in timestamp order; RFC3339Nano
// trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// busyRetryBudget bounds how long ClaimNext-class operations will retry a
// "database is locked" condition before surfacing a Store-fatal error.
const busyRetryBudget = 5 * time.Second

// defaultReapGrace is added to a job's own timeout_s before the startup
// sweep treats its processing row as orphaned.
const defaultReapGrace = 30 * time.Second

// Store is the SQLite-backed implementation of storage.Store.
type Store struct {
	db        *sql.DB
	path      string
	reapGrace time.Duration
}

// Open opens (creating if absent) a WAL-journaled SQLite database at path.
// The DSN convention (_journal_mode=WAL, _busy_timeout, _foreign_keys) mirrors
// the pack's own SQLite connection helper.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A WAL-journaled SQLite file tolerates one writer at a time; keeping a
	// single connection avoids SQLITE_BUSY churn between goroutines sharing
	// this *Store and lets _busy_timeout do the waiting instead.
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path, reapGrace: defaultReapGrace}, nil
}

// SetReapGrace overrides the grace window Init's startup sweep adds to a
// job's timeout. Call before Init.
func (s *Store) SetReapGrace(d time.Duration) {
	s.reapGrace = d
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Init creates the schema if absent and repairs any orphaned rows left by a
// previous process that died mid-job.
func (s *Store) Init(ctx context.Context) error {
	if err := s.withBusyRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, seedConfigSQL)
		return err
	}); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if _, err := s.Reap(ctx, s.reapGrace, time.Now().UTC()); err != nil {
		return fmt.Errorf("startup orphan sweep: %w", err)
	}
	return nil
}

// withBusyRetry retries fn while it fails with SQLITE_BUSY/locked, using a
// small bounded backoff, until busyRetryBudget elapses.
func (s *Store) withBusyRetry(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(busyRetryBudget)
	backoff := 10 * time.Millisecond
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("store busy after %s: %w", busyRetryBudget, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) Insert(ctx context.Context, job *models.Job) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, command, priority, timeout_s, max_retries, attempts, state,
				run_at, next_attempt_at, claimed_by, started_at, finished_at, exit_code,
				stdout, stderr, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, ?, ?, ?, ?)`,
			job.ID, job.Command, job.Priority, job.TimeoutS, job.MaxRetries, job.Attempts, job.State,
			fmtTime(job.RunAt), fmtTime(job.NextAttemptAt),
			job.Stdout, job.Stderr, job.Error, fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return storage.ErrDuplicateID
			}
			return err
		}
		return nil
	})
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, filter models.Filter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if filter.State != "" {
		rows, err = s.db.QueryContext(ctx,
			selectColumns+" FROM jobs WHERE state = ? ORDER BY created_at DESC LIMIT ?", filter.State, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectColumns+" FROM jobs ORDER BY created_at DESC LIMIT ?", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) Aggregate(ctx context.Context) (models.Aggregate, error) {
	agg := models.Aggregate{CountsByState: make(map[models.State]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return agg, fmt.Errorf("aggregate counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state models.State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return agg, err
		}
		agg.CountsByState[state] = count
	}
	if err := rows.Err(); err != nil {
		return agg, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(finished_at) - julianday(started_at)) * 86400.0)
		FROM jobs WHERE state = 'completed' AND started_at IS NOT NULL AND finished_at IS NOT NULL
	`).Scan(&avg)
	if err != nil {
		return agg, fmt.Errorf("aggregate avg runtime: %w", err)
	}
	if avg.Valid {
		agg.AvgCompletedRunSec = avg.Float64
	}
	return agg, nil
}

func (s *Store) GetConfig(ctx context.Context) (models.Config, error) {
	cfg := models.DefaultConfig()
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return cfg, fmt.Errorf("get config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return cfg, err
		}
		switch key {
		case "backoff_base":
			cfg.BackoffBase = value
		case "default_priority":
			cfg.DefaultPriority = value
		case "default_timeout":
			cfg.DefaultTimeout = value
		case "max_retries":
			cfg.MaxRetries = value
		}
	}
	return cfg, rows.Err()
}

func (s *Store) SetConfig(ctx context.Context, key string, value int) error {
	switch key {
	case "backoff_base":
		if value < 2 {
			return fmt.Errorf("%w: backoff_base must be >= 2", storage.ErrInvalidConfigValue)
		}
	case "default_priority":
		// any signed integer is valid
	case "default_timeout":
		if value < 1 {
			return fmt.Errorf("%w: default_timeout must be >= 1", storage.ErrInvalidConfigValue)
		}
	case "max_retries":
		if value < 0 {
			return fmt.Errorf("%w: max_retries must be >= 0", storage.ErrInvalidConfigValue)
		}
	default:
		return fmt.Errorf("%w: %s", storage.ErrUnknownConfigKey, key)
	}
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO config (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// ClaimNext implements the claim protocol as one transaction: a candidate
// read followed by a guarded update, with the caller's RowsAffected check
// defeating the two-reader race.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	var claimed *models.Job
	err := s.withBusyRetry(ctx, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		nowStr := fmtTime(now)
		var candidateID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE ((state = 'pending') OR (state = 'failed' AND next_attempt_at <= ?))
			  AND run_at <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, nowStr, nowStr).Scan(&candidateID)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'processing', claimed_by = ?, started_at = ?,
			    attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND state IN ('pending', 'failed')`,
			workerID, nowStr, nowStr, candidateID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Another worker's claim committed first; this round yields
			// nothing rather than retrying — the losing side of the race just
			// polls again.
			return tx.Commit()
		}

		row := tx.QueryRowContext(ctx, selectColumns+" FROM jobs WHERE id = ?", candidateID)
		job, err := scanJob(row)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return claimed, nil
}

func (s *Store) Finalize(ctx context.Context, id string, outcome models.Outcome, now time.Time) error {
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'completed', stdout = ?, stderr = ?, exit_code = ?,
			    finished_at = ?, error = '', claimed_by = NULL, updated_at = ?
			WHERE id = ? AND state = 'processing'`,
			outcome.Stdout, outcome.Stderr, outcome.ExitCode, fmtTime(now), fmtTime(now), id)
		if err != nil {
			return err
		}
		return requireOneRow(res, id)
	})
}

func (s *Store) RescheduleRetry(ctx context.Context, id string, outcome models.Outcome, nextAttemptAt time.Time, now time.Time) error {
	reason := outcome.SpawnError
	if reason == "" && outcome.TerminatedByTimeout {
		reason = "timeout"
	} else if reason == "" {
		reason = "non-zero exit"
	}
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'failed', stdout = ?, stderr = ?, exit_code = ?,
			    finished_at = ?, error = ?, claimed_by = NULL,
			    next_attempt_at = ?, updated_at = ?
			WHERE id = ? AND state = 'processing'`,
			outcome.Stdout, outcome.Stderr, outcome.ExitCode, fmtTime(now), reason,
			fmtTime(nextAttemptAt), fmtTime(now), id)
		if err != nil {
			return err
		}
		return requireOneRow(res, id)
	})
}

func (s *Store) MoveToDead(ctx context.Context, id string, outcome models.Outcome, now time.Time) error {
	reason := outcome.SpawnError
	if reason == "" && outcome.TerminatedByTimeout {
		reason = "timeout"
	} else if reason == "" {
		reason = "retry budget exhausted"
	}
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'dead', stdout = ?, stderr = ?, exit_code = ?,
			    finished_at = ?, error = ?, claimed_by = NULL, updated_at = ?
			WHERE id = ? AND state = 'processing'`,
			outcome.Stdout, outcome.Stderr, outcome.ExitCode, fmtTime(now), reason, fmtTime(now), id)
		if err != nil {
			return err
		}
		return requireOneRow(res, id)
	})
}

func (s *Store) RetryFromDLQ(ctx context.Context, id string, now time.Time) error {
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending', attempts = 0, next_attempt_at = ?,
			    claimed_by = NULL, started_at = NULL, finished_at = NULL,
			    exit_code = NULL, error = '', updated_at = ?
			WHERE id = ? AND state = 'dead'`, fmtTime(now), fmtTime(now), id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return storage.ErrNotDead
		}
		return nil
	})
}

// Reap resets `processing` rows abandoned by a crashed worker back to
// `failed`. Called both from the startup sweep and from `worker reap`.
func (s *Store) Reap(ctx context.Context, grace time.Duration, now time.Time) (int, error) {
	var affected int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'failed', error = 'orphaned', claimed_by = NULL, updated_at = ?
			WHERE state = 'processing'
			  AND started_at IS NOT NULL
			  AND (julianday(?) - julianday(started_at)) * 86400.0 > (timeout_s + ?)`,
			fmtTime(now), fmtTime(now), grace.Seconds())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reap orphans: %w", err)
	}
	return int(affected), nil
}

func requireOneRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s (not in processing)", storage.ErrNotFound, id)
	}
	return nil
}

const selectColumns = `SELECT id, command, priority, timeout_s, max_retries, attempts, state,
	run_at, next_attempt_at, claimed_by, started_at, finished_at, exit_code,
	stdout, stderr, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var runAt, nextAttemptAt, createdAt, updatedAt string
	var claimedBy, startedAt, finishedAt sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(&j.ID, &j.Command, &j.Priority, &j.TimeoutS, &j.MaxRetries, &j.Attempts, &j.State,
		&runAt, &nextAttemptAt, &claimedBy, &startedAt, &finishedAt, &exitCode,
		&j.Stdout, &j.Stderr, &j.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.RunAt, err = parseTime(runAt)
	if err != nil {
		return nil, err
	}
	j.NextAttemptAt, err = parseTime(nextAttemptAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	j.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	if claimedBy.Valid {
		v := claimedBy.String
		j.ClaimedBy = &v
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		j.FinishedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	return &j, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
