// Package storage defines the durable, transactional record of jobs and
// config that every other component depends on, and the sentinel errors
// its implementations return.
package storage

import (
	"context"
	"time"

	"queuectl/pkg/models"
)

// Store is the single source of truth for job and config state. The
// reference implementation (pkg/storage/sqlite) backs it with a WAL-
// journaled SQLite file; any implementation offering the same transactional
// guarantees — in particular the guarded claim update — satisfies the
// contract.
type Store interface {
	// Init creates the schema if absent, upgrades it idempotently, and runs
	// the orphan sweep.
	Init(ctx context.Context) error

	// Close releases underlying resources.
	Close() error

	// Insert atomically inserts job. Returns ErrDuplicateID if job.ID exists.
	Insert(ctx context.Context, job *models.Job) error

	// GetByID returns a snapshot read of one job, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.Job, error)

	// List returns jobs matching filter, newest first by created_at.
	List(ctx context.Context, filter models.Filter) ([]*models.Job, error)

	// Aggregate returns counts per state and the mean completed runtime.
	Aggregate(ctx context.Context) (models.Aggregate, error)

	// GetConfig returns the current persisted configuration.
	GetConfig(ctx context.Context) (models.Config, error)

	// SetConfig validates and persists one config key.
	SetConfig(ctx context.Context, key string, value int) error

	// ClaimNext executes the claim protocol as one transaction. Returns
	// (nil, nil) when no job is ready.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*models.Job, error)

	// Finalize persists a successful attempt's terminal fields and
	// transitions processing -> completed.
	Finalize(ctx context.Context, id string, outcome models.Outcome, now time.Time) error

	// RescheduleRetry transitions processing -> failed, recording the next
	// retry time and the failure reason.
	RescheduleRetry(ctx context.Context, id string, outcome models.Outcome, nextAttemptAt time.Time, now time.Time) error

	// MoveToDead transitions processing -> dead.
	MoveToDead(ctx context.Context, id string, outcome models.Outcome, now time.Time) error

	// RetryFromDLQ transitions dead -> pending, resetting attempts to 0.
	// Returns ErrNotDead if the job is not currently dead.
	RetryFromDLQ(ctx context.Context, id string, now time.Time) error

	// Reap resets orphaned processing rows to failed. It is run once by
	// Init and additionally exposed for `worker reap`. Returns the number
	// of rows reaped.
	Reap(ctx context.Context, grace time.Duration, now time.Time) (int, error)
}
