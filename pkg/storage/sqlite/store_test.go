package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuectl/pkg/models"
	"queuectl/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "queuectl.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(id string, priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:            id,
		Command:       "echo hi",
		Priority:      priority,
		TimeoutS:      30,
		MaxRetries:    3,
		State:         models.StatePending,
		RunAt:         createdAt,
		NextAttemptAt: createdAt,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func TestInsertAndGetByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("j1", 0, now)
	require.NoError(t, s.Insert(ctx, job))

	got, err := s.GetByID(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "echo hi", got.Command)
	require.Equal(t, models.StatePending, got.State)
}

func TestInsertDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, newJob("dup", 0, now)))
	err := s.Insert(ctx, newJob("dup", 0, now))
	require.ErrorIs(t, err, storage.ErrDuplicateID)
}

func TestGetByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetByID(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimNextPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, newJob("low", 0, now)))
	require.NoError(t, s.Insert(ctx, newJob("high", 10, now.Add(time.Second))))

	claimed, err := s.ClaimNext(ctx, "worker-1", now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "high", claimed.ID)
	require.Equal(t, models.StateProcessing, claimed.State)
	require.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.ClaimedBy)
	require.Equal(t, "worker-1", *claimed.ClaimedBy)
}

func TestClaimNextExcludesNotYetReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	future := newJob("future", 5, now)
	future.RunAt = now.Add(time.Hour)
	future.NextAttemptAt = future.RunAt
	require.NoError(t, s.Insert(ctx, future))

	claimed, err := s.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimNextNoDoubleClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newJob("only", 0, now)))

	first, err := s.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.ClaimNext(ctx, "worker-2", now)
	require.NoError(t, err)
	require.Nil(t, second)
}

// TestClaimNextConcurrentNoDoubleClaim drives real goroutines against a
// shared Store, the central correctness property: with K workers racing M
// ready jobs, ClaimNext must hand out exactly min(K,M) distinct jobs and
// never let two workers win the same row. The sequential test above
// (TestClaimNextNoDoubleClaim) only proves the guarded UPDATE's WHERE
// clause is correct in isolation. This test calls ClaimNext from many
// goroutines at once; because Open limits the store to one connection,
// their transactions run one after another rather than interleaving, so
// it checks that concurrent callers each receive a distinct job.
func TestClaimNextConcurrentNoDoubleClaim(t *testing.T) {
	const workers = 20
	const jobs = 8

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Insert(ctx, newJob(fmt.Sprintf("job-%d", i), 0, now)))
	}

	var wg sync.WaitGroup
	results := make(chan *models.Job, workers)
	errs := make(chan error, workers)

	var start sync.WaitGroup
	start.Add(1)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			start.Wait() // line every goroutine up before releasing them together
			job, err := s.ClaimNext(ctx, fmt.Sprintf("worker-%d", id), now)
			if err != nil {
				errs <- err
				return
			}
			results <- job
		}(w)
	}
	start.Done()
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[string]int)
	claimedCount := 0
	for job := range results {
		if job == nil {
			continue
		}
		claimedCount++
		seen[job.ID]++
	}

	require.Equal(t, jobs, claimedCount, "exactly min(workers, jobs) claims should succeed")
	for id, count := range seen {
		require.Equal(t, 1, count, "job %s was claimed by more than one worker", id)
	}

	remaining, err := s.List(ctx, models.Filter{State: models.StatePending})
	require.NoError(t, err)
	require.Empty(t, remaining, "no pending job should be left unclaimed when workers >= jobs")
}

func TestFinalizeTransitionsToCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newJob("ok", 0, now)))
	_, err := s.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)

	zero := 0
	err = s.Finalize(ctx, "ok", models.Outcome{ExitCode: &zero, Stdout: "hi\n"}, now.Add(time.Second))
	require.NoError(t, err)

	got, err := s.GetByID(ctx, "ok")
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, got.State)
	require.Nil(t, got.ClaimedBy)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
}

func TestRescheduleRetryThenMoveToDead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("flaky", 0, now)
	job.MaxRetries = 1
	require.NoError(t, s.Insert(ctx, job))

	_, err := s.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	one := 1
	require.NoError(t, s.RescheduleRetry(ctx, "flaky", models.Outcome{ExitCode: &one}, now.Add(2*time.Second), now))

	got, err := s.GetByID(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, got.State)

	claimed, err := s.ClaimNext(ctx, "worker-1", now.Add(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 2, claimed.Attempts)

	require.NoError(t, s.MoveToDead(ctx, "flaky", models.Outcome{ExitCode: &one}, now.Add(4*time.Second)))
	got, err = s.GetByID(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, models.StateDead, got.State)
}

func TestRetryFromDLQIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("dead-job", 0, now)
	job.MaxRetries = 0
	require.NoError(t, s.Insert(ctx, job))
	_, err := s.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	one := 1
	require.NoError(t, s.MoveToDead(ctx, "dead-job", models.Outcome{ExitCode: &one}, now))

	require.NoError(t, s.RetryFromDLQ(ctx, "dead-job", now.Add(time.Second)))
	got, err := s.GetByID(ctx, "dead-job")
	require.NoError(t, err)
	require.Equal(t, models.StatePending, got.State)
	require.Equal(t, 0, got.Attempts)

	err = s.RetryFromDLQ(ctx, "dead-job", now.Add(2*time.Second))
	require.ErrorIs(t, err, storage.ErrNotDead)
}

func TestReapOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("orphan", 0, now.Add(-time.Hour))
	job.TimeoutS = 5
	require.NoError(t, s.Insert(ctx, job))
	_, err := s.ClaimNext(ctx, "worker-1", now.Add(-time.Hour))
	require.NoError(t, err)

	n, err := s.Reap(ctx, 2*time.Second, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetByID(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, got.State)
	require.Equal(t, "orphaned", got.Error)
	require.Nil(t, got.ClaimedBy)
}

// TestRestartDurability reopens the same database file and verifies pending
// jobs survive the restart and are still handed out exactly once.
func TestRestartDurability(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	path := filepath.Join(t.TempDir(), "queuectl.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, newJob(fmt.Sprintf("j%d", i), 0, now.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() { _ = s.Close() })

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		job, err := s.ClaimNext(ctx, "worker-1", now.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, job)
		require.False(t, seen[job.ID], "job %s claimed twice across the restart", job.ID)
		seen[job.ID] = true
	}

	job, err := s.ClaimNext(ctx, "worker-1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestSetConfigValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConfig(ctx, "backoff_base", 3))
	cfg, err := s.GetConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.BackoffBase)

	err = s.SetConfig(ctx, "backoff_base", 1)
	require.ErrorIs(t, err, storage.ErrInvalidConfigValue)

	err = s.SetConfig(ctx, "nope", 1)
	require.ErrorIs(t, err, storage.ErrUnknownConfigKey)
}
