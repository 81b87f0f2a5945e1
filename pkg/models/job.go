// Package models holds the persisted record types shared by the store,
// job manager, and worker packages.
package models

import "time"

// State is the lifecycle state of a Job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// Job is one unit of work tracked by the store.
type Job struct {
	ID             string     `json:"id"`
	Command        string     `json:"command"`
	Priority       int        `json:"priority"`
	TimeoutS       int        `json:"timeout_s"`
	MaxRetries     int        `json:"max_retries"`
	Attempts       int        `json:"attempts"`
	State          State      `json:"state"`
	RunAt          time.Time  `json:"run_at"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Stdout         string     `json:"stdout"`
	Stderr         string     `json:"stderr"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Outcome is the result of one Executor attempt. It carries no store
// knowledge; the Worker alone decides what state transition it implies.
type Outcome struct {
	ExitCode            *int
	Stdout              string
	Stderr              string
	DurationS           float64
	TerminatedByTimeout bool
	SpawnError          string
}

// Completed reports whether this attempt should be classified as a
// success: it spawned, ran to exit without being killed by the timeout,
// and exited zero.
func (o Outcome) Completed() bool {
	return o.SpawnError == "" && !o.TerminatedByTimeout && o.ExitCode != nil && *o.ExitCode == 0
}

// Filter narrows a List query to a single state; a zero value means "all".
type Filter struct {
	State State
	Limit int
}

// Aggregate is the set of counts the Status/Metrics Reader returns.
type Aggregate struct {
	CountsByState      map[State]int
	AvgCompletedRunSec float64
}

// EnqueueSpec is the strict, unknown-key-rejecting shape of an enqueue
// payload. JSON decoding for this type is done with
// json.Decoder.DisallowUnknownFields by the caller.
type EnqueueSpec struct {
	ID         string  `json:"id"`
	Command    string  `json:"command"`
	Priority   *int    `json:"priority,omitempty"`
	Timeout    *int    `json:"timeout,omitempty"`
	MaxRetries *int    `json:"max_retries,omitempty"`
	RunAt      *string `json:"run_at,omitempty"`
}

// Config is the process-wide mapping of named scalar options.
type Config struct {
	BackoffBase     int `json:"backoff_base"`
	DefaultPriority int `json:"default_priority"`
	DefaultTimeout  int `json:"default_timeout"`
	MaxRetries      int `json:"max_retries"`
}

// DefaultConfig returns the pinned defaults applied when a store is
// first initialized.
func DefaultConfig() Config {
	return Config{
		BackoffBase:     2,
		DefaultPriority: 0,
		DefaultTimeout:  300,
		MaxRetries:      3,
	}
}

// ConfigKeys lists the valid keys for `config set`.
var ConfigKeys = []string{"backoff_base", "default_priority", "default_timeout", "max_retries"}
