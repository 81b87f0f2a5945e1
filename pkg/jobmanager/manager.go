// Package jobmanager is the thin semantic layer over the Store: it
// validates inputs, assigns timestamps, and fills config defaults before
// delegating to storage.Store.
package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"queuectl/pkg/clock"
	"queuectl/pkg/metrics"
	"queuectl/pkg/models"
	"queuectl/pkg/storage"
)

// ErrUserInput tags input errors: malformed payloads, unknown ids,
// duplicate ids, and bad config values are all surfaced to the caller and
// never retried. Callers (the CLI, the dashboard) use
// errors.Is(err, ErrUserInput) to pick exit code 1 vs. 2.
var ErrUserInput = errors.New("user input error")

// errUserInput is the %w argument used throughout this file to wrap
// ErrUserInput with a specific message.
var errUserInput = ErrUserInput

// IsUserInput reports whether err (or anything it wraps) is ErrUserInput,
// letting callers like the CLI pick exit code 1 vs. 2 without importing
// the errors package themselves.
func IsUserInput(err error) bool { return errors.Is(err, ErrUserInput) }

func isDuplicate(err error) bool        { return errors.Is(err, storage.ErrDuplicateID) }
func isNotFound(err error) bool         { return errors.Is(err, storage.ErrNotFound) }
func isNotDead(err error) bool          { return errors.Is(err, storage.ErrNotDead) }
func isInvalidConfig(err error) bool    { return errors.Is(err, storage.ErrInvalidConfigValue) }
func isUnknownConfigKey(err error) bool { return errors.Is(err, storage.ErrUnknownConfigKey) }

// ActiveWorkerCounter is satisfied by a running worker.Pool. It is optional:
// CLI invocations that never start a pool in-process (e.g. `queuectl
// status` against a store another process is working) report 0.
type ActiveWorkerCounter interface {
	ActiveWorkers() int
}

// Manager is the Job Manager component: the validation and dispatch layer
// shared by the CLI and the dashboard.
type Manager struct {
	Store   storage.Store
	Clock   clock.Clock
	Workers ActiveWorkerCounter
}

// New constructs a Manager. workers may be nil.
func New(store storage.Store, c clock.Clock, workers ActiveWorkerCounter) *Manager {
	return &Manager{Store: store, Clock: c, Workers: workers}
}

// Status is the aggregate shape returned by Status() and served by the
// dashboard's JSON endpoint.
type Status struct {
	CountsByState map[models.State]int `json:"counts_by_state"`
	ActiveWorkers int                  `json:"active_workers"`
}

// MetricsSnapshot is the aggregate shape returned by Metrics().
type MetricsSnapshot struct {
	CountsByState      map[models.State]int `json:"counts_by_state"`
	AvgCompletedRunSec float64              `json:"avg_completed_run_seconds"`
}

// Logs is the shape returned by Logs(id).
type Logs struct {
	ExitCode *int   `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ParseEnqueueSpec decodes raw JSON into an EnqueueSpec, rejecting unknown
// keys.
func ParseEnqueueSpec(raw []byte) (models.EnqueueSpec, error) {
	var spec models.EnqueueSpec
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return spec, fmt.Errorf("malformed enqueue payload: %w", err)
	}
	return spec, nil
}

// Enqueue validates spec, fills defaults from the current Config, and
// inserts a new pending job.
func (m *Manager) Enqueue(ctx context.Context, spec models.EnqueueSpec) (*models.Job, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errUserInput)
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: command is required", errUserInput)
	}
	if spec.Timeout != nil && *spec.Timeout < 1 {
		return nil, fmt.Errorf("%w: timeout must be >= 1", errUserInput)
	}
	if spec.MaxRetries != nil && *spec.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", errUserInput)
	}

	cfg, err := m.Store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	priority := cfg.DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	timeoutS := cfg.DefaultTimeout
	if spec.Timeout != nil {
		timeoutS = *spec.Timeout
	}
	maxRetries := cfg.MaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	now := m.Clock.Now()
	runAt := now
	if spec.RunAt != nil && *spec.RunAt != "" && *spec.RunAt != "now" {
		parsed, err := time.Parse(time.RFC3339, *spec.RunAt)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid run_at: %v", errUserInput, err)
		}
		runAt = parsed.UTC()
	}

	job := &models.Job{
		ID:            spec.ID,
		Command:       spec.Command,
		Priority:      priority,
		TimeoutS:      timeoutS,
		MaxRetries:    maxRetries,
		Attempts:      0,
		State:         models.StatePending,
		RunAt:         runAt,
		NextAttemptAt: runAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.Store.Insert(ctx, job); err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("%w: job id %q already exists", errUserInput, spec.ID)
		}
		return nil, err
	}
	return job, nil
}

func (m *Manager) List(ctx context.Context, state models.State, limit int) ([]*models.Job, error) {
	return m.Store.List(ctx, models.Filter{State: state, Limit: limit})
}

func (m *Manager) GetByID(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.Store.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: unknown job id %q", errUserInput, id)
		}
		return nil, err
	}
	return job, nil
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	agg, err := m.Store.Aggregate(ctx)
	if err != nil {
		return Status{}, err
	}
	metrics.SyncJobCounts(agg.CountsByState)
	active := 0
	if m.Workers != nil {
		active = m.Workers.ActiveWorkers()
	}
	return Status{CountsByState: agg.CountsByState, ActiveWorkers: active}, nil
}

func (m *Manager) Metrics(ctx context.Context) (MetricsSnapshot, error) {
	agg, err := m.Store.Aggregate(ctx)
	if err != nil {
		return MetricsSnapshot{}, err
	}
	metrics.SyncJobCounts(agg.CountsByState)
	return MetricsSnapshot{CountsByState: agg.CountsByState, AvgCompletedRunSec: agg.AvgCompletedRunSec}, nil
}

func (m *Manager) Logs(ctx context.Context, id string) (Logs, error) {
	job, err := m.GetByID(ctx, id)
	if err != nil {
		return Logs{}, err
	}
	return Logs{ExitCode: job.ExitCode, Stdout: job.Stdout, Stderr: job.Stderr}, nil
}

func (m *Manager) DLQList(ctx context.Context, limit int) ([]*models.Job, error) {
	return m.List(ctx, models.StateDead, limit)
}

func (m *Manager) DLQRetry(ctx context.Context, id string) error {
	if err := m.Store.RetryFromDLQ(ctx, id, m.Clock.Now()); err != nil {
		if isNotDead(err) {
			return fmt.Errorf("%w: job %q is not in the dead state", errUserInput, id)
		}
		return err
	}
	return nil
}

func (m *Manager) ConfigGet(ctx context.Context) (models.Config, error) {
	return m.Store.GetConfig(ctx)
}

func (m *Manager) ConfigSet(ctx context.Context, key string, value int) error {
	if err := m.Store.SetConfig(ctx, key, value); err != nil {
		if isInvalidConfig(err) || isUnknownConfigKey(err) {
			return fmt.Errorf("%w: %v", errUserInput, err)
		}
		return err
	}
	return nil
}

func (m *Manager) Reap(ctx context.Context, grace time.Duration) (int, error) {
	n, err := m.Store.Reap(ctx, grace, m.Clock.Now())
	if err == nil && n > 0 {
		metrics.OrphansReaped.Add(float64(n))
	}
	return n, err
}
