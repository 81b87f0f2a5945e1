package jobmanager

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuectl/pkg/clock"
	"queuectl/pkg/models"
	"queuectl/pkg/storage/sqlite"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "queuectl.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return New(s, clock.New(), nil)
}

func TestEnqueueFillsDefaults(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	job, err := m.Enqueue(ctx, models.EnqueueSpec{ID: "j1", Command: "echo hi"})
	require.NoError(t, err)
	require.Equal(t, 0, job.Priority)
	require.Equal(t, 300, job.TimeoutS)
	require.Equal(t, 3, job.MaxRetries)
	require.Equal(t, models.StatePending, job.State)

	got, err := m.GetByID(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "echo hi", got.Command)
}

func TestEnqueueRejectsUnknownKeys(t *testing.T) {
	_, err := ParseEnqueueSpec([]byte(`{"id":"x","command":"echo hi","bogus":true}`))
	require.Error(t, err)
}

func TestEnqueueRejectsOutOfRangeValues(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	zero := 0
	_, err := m.Enqueue(ctx, models.EnqueueSpec{ID: "t0", Command: "echo hi", Timeout: &zero})
	require.True(t, errors.Is(err, ErrUserInput))

	neg := -1
	_, err = m.Enqueue(ctx, models.EnqueueSpec{ID: "r0", Command: "echo hi", MaxRetries: &neg})
	require.True(t, errors.Is(err, ErrUserInput))
}

func TestEnqueueRejectsMalformedRunAt(t *testing.T) {
	m := newManager(t)

	bad := "next tuesday"
	_, err := m.Enqueue(context.Background(), models.EnqueueSpec{ID: "r1", Command: "echo hi", RunAt: &bad})
	require.True(t, errors.Is(err, ErrUserInput))
}

func TestEnqueueDuplicateIDIsUserInput(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.EnqueueSpec{ID: "dup", Command: "echo hi"})
	require.NoError(t, err)

	_, err = m.Enqueue(ctx, models.EnqueueSpec{ID: "dup", Command: "echo hi"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUserInput))
}

func TestDLQRetryIdempotence(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	job, err := m.Enqueue(ctx, models.EnqueueSpec{ID: "dead-job", Command: "exit 1"})
	require.NoError(t, err)

	_, err = m.Store.ClaimNext(ctx, "worker-1", clock.New().Now())
	require.NoError(t, err)
	one := 1
	require.NoError(t, m.Store.MoveToDead(ctx, job.ID, models.Outcome{ExitCode: &one}, time.Now().UTC()))

	require.NoError(t, m.DLQRetry(ctx, "dead-job"))
	err = m.DLQRetry(ctx, "dead-job")
	require.True(t, errors.Is(err, ErrUserInput))
}

func TestConfigSetRejectsBadValue(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	err := m.ConfigSet(ctx, "max_retries", -1)
	require.True(t, errors.Is(err, ErrUserInput))

	require.NoError(t, m.ConfigSet(ctx, "max_retries", 5))
	cfg, err := m.ConfigGet(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxRetries)
}
