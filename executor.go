package tsdf

import (
	"sync"

	"github.com/gogpu/tsdf/internal/parallel"
)

// Executor runs a parallel-for over n independent items. fn receives
// half-open ranges [lo, hi); ranges never overlap and together cover
// [0, n). Every engine expresses its passes against this contract, so
// backends differ only in how ranges are dispatched.
type Executor interface {
	For(n int, fn func(lo, hi int))
}

// SerialExecutor runs everything on the calling goroutine.
type SerialExecutor struct{}

func (SerialExecutor) For(n int, fn func(lo, hi int)) {
	if n > 0 {
		fn(0, n)
	}
}

// WorkerExecutor dispatches ranges to a work-stealing worker pool. Range
// boundaries depend only on n and the grain, so the item-to-range
// assignment is static.
type WorkerExecutor struct {
	pool  *parallel.WorkerPool
	grain int
}

// NewWorkerExecutor starts an executor with the given number of workers
// (GOMAXPROCS when <= 0). grain is the maximum items per range; <= 0
// selects an even split across workers.
func NewWorkerExecutor(workers, grain int) *WorkerExecutor {
	return &WorkerExecutor{pool: parallel.NewWorkerPool(workers), grain: grain}
}

func (e *WorkerExecutor) For(n int, fn func(lo, hi int)) {
	grain := e.grain
	if grain <= 0 {
		// several ranges per worker so stealing can balance the load
		grain = max((n+4*e.pool.Workers()-1)/(4*e.pool.Workers()), 1)
	}
	e.pool.For(n, grain, fn)
}

// Workers returns the number of pool workers.
func (e *WorkerExecutor) Workers() int { return e.pool.Workers() }

// Close stops the workers.
func (e *WorkerExecutor) Close() { e.pool.Close() }

var (
	defaultExecOnce sync.Once
	defaultExec     *WorkerExecutor
)

// DefaultExecutor returns a process-wide executor using all CPUs. It is
// created on first use and never closed.
func DefaultExecutor() Executor {
	defaultExecOnce.Do(func() {
		defaultExec = NewWorkerExecutor(0, 0)
	})
	return defaultExec
}
