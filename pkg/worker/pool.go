package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"queuectl/pkg/clock"
	"queuectl/pkg/executor/runner"
	"queuectl/pkg/logstore"
	"queuectl/pkg/metrics"
	"queuectl/pkg/storage"
)

// memPerWorkerMiB is the per-worker memory budget used when auto-sizing the
// pool from host resources (a shell job's own footprint plus this process's
// 1 MiB-per-stream output buffers).
const memPerWorkerMiB = 256

// Pool is the Pool Supervisor: it spawns N Worker instances, propagates
// one shutdown signal to all of them, and exposes a process-local count
// of currently active workers.
type Pool struct {
	store  storage.Store
	runner runner.Runner
	clock  clock.Clock
	log    *zap.Logger
	logs   logstore.LogStore

	active int64
	wg     sync.WaitGroup
}

// NewPool constructs a Pool Supervisor. Pass a *log field tagged per worker
// so multiple `worker start` invocations against the same store remain
// distinguishable in logs. logs may be nil to skip per-job file archival.
func NewPool(store storage.Store, r runner.Runner, c clock.Clock, log *zap.Logger, logs logstore.LogStore) *Pool {
	return &Pool{store: store, runner: r, clock: c, log: log, logs: logs}
}

// Start spawns count workers (worker-1..worker-N) and returns immediately;
// call Wait to block until ctx is cancelled and all workers exit.
func (p *Pool) Start(ctx context.Context, count int) {
	if count <= 0 {
		count = AutoSize()
	}
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("worker-%d", i)
		w := &Worker{ID: id, Store: p.store, Runner: p.runner, Clock: p.clock, Log: p.log, Logs: p.logs}
		p.wg.Add(1)
		atomic.AddInt64(&p.active, 1)
		metrics.ActiveWorkers.Set(float64(atomic.LoadInt64(&p.active)))
		go func() {
			defer p.wg.Done()
			defer func() {
				atomic.AddInt64(&p.active, -1)
				metrics.ActiveWorkers.Set(float64(atomic.LoadInt64(&p.active)))
			}()
			w.Run(ctx)
		}()
	}
}

// Wait blocks until every spawned worker has finalized its current job and
// returned from Run.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ActiveWorkers returns the process-local count of workers still running.
// It is not authoritative across multiple concurrent `worker start`
// invocations against the same store.
func (p *Pool) ActiveWorkers() int {
	return int(atomic.LoadInt64(&p.active))
}

// AutoSize picks a worker count from detected host resources when
// `worker start` omits --count, the same auto-sizing idea the pack's
// executor uses to pick in-process concurrency from CPU/memory detection,
// generalized here to size a whole OS-process pool.
func AutoSize() int {
	cpuCount := runtime.NumCPU()
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		cpuCount = counts
	}

	memBudget := cpuCount
	if vm, err := mem.VirtualMemory(); err == nil && vm.Available > 0 {
		availableMiB := int(vm.Available / (1024 * 1024))
		memBudget = availableMiB / memPerWorkerMiB
	}

	size := cpuCount
	if memBudget < size {
		size = memBudget
	}
	if size < 1 {
		size = 1
	}
	return size
}
