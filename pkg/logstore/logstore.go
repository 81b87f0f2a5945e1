// Package logstore persists a job's final captured stdout/stderr to a
// per-id file under the data directory, with an optional S3-compatible
// mirror for off-box retention guarded by a circuit breaker so a flaky
// remote store can never block job finalization.
package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"queuectl/pkg/metrics"
	"queuectl/pkg/resilience"
)

// LogStore archives a job's captured output. The local store is always
// authoritative; mirroring to any secondary store (ArchivingStore.Write) is
// best-effort.
type LogStore interface {
	// Write persists logs for id and returns the local path they were
	// written to.
	Write(ctx context.Context, id string, logs []byte) (string, error)
	// Read reads back previously written logs for id.
	Read(ctx context.Context, id string) ([]byte, error)
}

// LocalStore is the default, always-present log store: one file per job
// id under baseDir.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates the log directory if needed and returns a LocalStore
// rooted at it.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (l *LocalStore) path(id string) string {
	return filepath.Join(l.baseDir, id+".log")
}

// Write writes logs to <baseDir>/<id>.log.
func (l *LocalStore) Write(ctx context.Context, id string, logs []byte) (string, error) {
	path := l.path(id)
	if err := os.WriteFile(path, logs, 0644); err != nil {
		return "", fmt.Errorf("write job log: %w", err)
	}
	return path, nil
}

// Read reads logs back from <baseDir>/<id>.log.
func (l *LocalStore) Read(ctx context.Context, id string) ([]byte, error) {
	return os.ReadFile(l.path(id))
}

// ArchivingStore wraps a LocalStore with a best-effort mirror to a
// secondary LogStore (normally an S3Store), protected by a circuit
// breaker. Archive failures are logged and otherwise ignored: the local
// file is already a complete, authoritative record on its own.
type ArchivingStore struct {
	*LocalStore
	remote  LogStore
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewArchivingStore wraps local with remote, guarded by a circuit breaker
// tuned for a fire-and-forget mirror via resilience.DefaultLogArchiveConfig.
func NewArchivingStore(local *LocalStore, remote LogStore, log *zap.Logger) *ArchivingStore {
	return &ArchivingStore{
		LocalStore: local,
		remote:     remote,
		breaker:    resilience.NewCircuitBreaker("logstore.remote", resilience.DefaultLogArchiveConfig()),
		log:        log,
	}
}

// Write writes to the local store first (authoritative), then attempts to
// mirror to the remote store through the circuit breaker. A remote failure
// never fails the call or the caller's finalize path.
func (a *ArchivingStore) Write(ctx context.Context, id string, logs []byte) (string, error) {
	path, err := a.LocalStore.Write(ctx, id, logs)
	if err != nil {
		return "", err
	}

	trippedBefore := a.breaker.State() == resilience.CircuitOpen
	err = a.breaker.Execute(ctx, func() error {
		_, archiveErr := a.remote.Write(ctx, id, logs)
		return archiveErr
	})
	if err != nil {
		state := a.breaker.State()
		if state == resilience.CircuitOpen && !trippedBefore {
			metrics.LogArchiveCircuitTrips.Inc()
		}
		a.log.Warn("remote log archival failed",
			zap.String("job_id", id), zap.String("circuit_state", state.String()), zap.Error(err))
	}

	return path, nil
}
