// Package worker implements the claim -> execute -> finalize loop and the
// pool that supervises many such loops.
package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"queuectl/pkg/clock"
	"queuectl/pkg/executor/runner"
	"queuectl/pkg/logstore"
	"queuectl/pkg/metrics"
	"queuectl/pkg/models"
	"queuectl/pkg/storage"
)

// pollMin/pollMax bound the jittered sleep between empty claims.
const (
	pollMin = 200 * time.Millisecond
	pollMax = 500 * time.Millisecond
)

// finalizeTimeout caps the store writes that record an attempt's outcome.
// It must exceed the store's internal busy-retry budget so a contended
// write still gets its full retry window.
const finalizeTimeout = 10 * time.Second

// Worker runs the single-worker claim/execute/finalize loop.
type Worker struct {
	ID     string
	Store  storage.Store
	Runner runner.Runner
	Clock  clock.Clock
	Log    *zap.Logger

	// Logs archives each attempt's captured output under the job's id.
	// Nil is valid: the DB row already holds the latest stdout/stderr, so
	// the file archive is an optional convenience.
	Logs logstore.LogStore
}

// Run loops until ctx is cancelled. It never returns while holding a
// `processing` row: a claimed job is always finalized before the loop
// checks ctx again.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.Store.ClaimNext(ctx, w.ID, w.Clock.Now())
		if err != nil {
			w.Log.Error("claim failed", zap.String("worker", w.ID), zap.Error(err))
			if !w.sleep(ctx, pollInterval()) {
				return
			}
			continue
		}
		if job == nil {
			metrics.RecordClaimMiss()
			if !w.sleep(ctx, pollInterval()) {
				return
			}
			continue
		}
		metrics.RecordClaimHit()

		w.Log.Info("claimed job", zap.String("worker", w.ID), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
		start := w.Clock.Now()
		outcome := w.Runner.Run(ctx, job.Command, job.TimeoutS)
		metrics.RecordExecution(w.Clock.Now().Sub(start).Seconds())
		w.finalize(ctx, job, outcome)
	}
}

// sleep waits for d or ctx cancellation, reporting which happened first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func pollInterval() time.Duration {
	span := pollMax - pollMin
	return pollMin + time.Duration(rand.Int63n(int64(span)))
}

func (w *Worker) finalize(ctx context.Context, job *models.Job, outcome models.Outcome) {
	// ctx may already be cancelled when shutdown interrupted the child
	// mid-run; the state transition must still land so the row is not left
	// in processing. Detach from the loop context, bounded by its own
	// deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	now := w.Clock.Now()
	w.archiveLogs(ctx, job.ID, outcome)

	if outcome.Completed() {
		if err := w.Store.Finalize(ctx, job.ID, outcome, now); err != nil {
			w.Log.Error("finalize completed failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			w.Log.Info("job completed", zap.String("worker", w.ID), zap.String("job_id", job.ID))
		}
		return
	}

	if job.Attempts <= job.MaxRetries {
		cfg, err := w.Store.GetConfig(ctx)
		if err != nil {
			w.Log.Error("read config for backoff failed", zap.String("job_id", job.ID), zap.Error(err))
			cfg = models.DefaultConfig()
		}
		delay := backoffDelay(cfg.BackoffBase, job.Attempts)
		nextAttemptAt := now.Add(delay)
		if err := w.Store.RescheduleRetry(ctx, job.ID, outcome, nextAttemptAt, now); err != nil {
			w.Log.Error("reschedule retry failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			metrics.RetriesTotal.Inc()
			w.Log.Warn("job attempt failed, retry scheduled",
				zap.String("worker", w.ID), zap.String("job_id", job.ID),
				zap.Int("attempts", job.Attempts), zap.Duration("delay", delay))
		}
		return
	}

	if err := w.Store.MoveToDead(ctx, job.ID, outcome, now); err != nil {
		w.Log.Error("move to dead failed", zap.String("job_id", job.ID), zap.Error(err))
	} else {
		metrics.DLQMovesTotal.Inc()
		w.Log.Error("job moved to dead letter queue", zap.String("worker", w.ID), zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
	}
}

// archiveLogs writes this attempt's captured output to the log store.
// Failures are logged and otherwise ignored: the DB row is authoritative.
func (w *Worker) archiveLogs(ctx context.Context, id string, outcome models.Outcome) {
	if w.Logs == nil {
		return
	}
	combined := "--- stdout ---\n" + outcome.Stdout + "\n--- stderr ---\n" + outcome.Stderr
	if _, err := w.Logs.Write(ctx, id, []byte(combined)); err != nil {
		w.Log.Warn("log archival failed", zap.String("job_id", id), zap.Error(err))
	}
}

// backoffDelay computes `delay_seconds = backoff_base ^ attempts` using
// the post-increment attempt count already stored on job.
func backoffDelay(base, attempts int) time.Duration {
	seconds := math.Pow(float64(base), float64(attempts))
	return time.Duration(seconds * float64(time.Second))
}
