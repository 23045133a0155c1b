package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// WorkerPool Creation Tests
// =============================================================================

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("pool should be running after creation")
	}
}

func TestWorkerPool_CreateDefaultWorkers(t *testing.T) {
	for _, n := range []int{0, -5} {
		pool := NewWorkerPool(n)
		if pool.Workers() != runtime.GOMAXPROCS(0) {
			t.Errorf("NewWorkerPool(%d).Workers() = %d, want GOMAXPROCS", n, pool.Workers())
		}
		pool.Close()
	}
}

// =============================================================================
// ExecuteAll Tests
// =============================================================================

func TestWorkerPool_ExecuteAll(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	work := make([]func(), 100)
	for i := range work {
		work[i] = func() { counter.Add(1) }
	}

	pool.ExecuteAll(work)

	if counter.Load() != 100 {
		t.Errorf("counter = %d, want 100", counter.Load())
	}
}

func TestWorkerPool_ExecuteAll_Empty(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	pool.ExecuteAll(nil)
	pool.ExecuteAll([]func(){})
}

func TestWorkerPool_ExecuteAll_AfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()

	var executed atomic.Int32
	pool.ExecuteAll([]func(){
		func() { executed.Add(1) },
		func() { executed.Add(1) },
	})
	if executed.Load() != 2 {
		t.Errorf("executed = %d after Close, want 2 (inline execution)", executed.Load())
	}
}

// =============================================================================
// For Tests
// =============================================================================

func TestWorkerPool_ForCoversRange(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	tests := []struct {
		name     string
		n, chunk int
	}{
		{"exact", 64, 16},
		{"ragged", 100, 7},
		{"single chunk", 10, 100},
		{"per worker", 1000, 0},
		{"one item", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := make([]atomic.Int32, tt.n)
			pool.For(tt.n, tt.chunk, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					hits[i].Add(1)
				}
			})
			for i := range hits {
				if got := hits[i].Load(); got != 1 {
					t.Fatalf("item %d visited %d times, want 1", i, got)
				}
			}
		})
	}
}

func TestWorkerPool_ForDeterministicChunks(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Close()

	collect := func() map[[2]int]bool {
		var mu sync.Mutex
		seen := make(map[[2]int]bool)
		pool.For(50, 8, func(lo, hi int) {
			mu.Lock()
			seen[[2]int{lo, hi}] = true
			mu.Unlock()
		})
		return seen
	}

	a, b := collect(), collect()
	if len(a) != 7 {
		t.Fatalf("chunks = %d, want 7", len(a))
	}
	for k := range a {
		if !b[k] {
			t.Errorf("chunk %v missing from second run", k)
		}
	}
}

func TestWorkerPool_ForZero(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	called := false
	pool.For(0, 4, func(int, int) { called = true })
	if called {
		t.Error("For(0) should not call fn")
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()

	if pool.IsRunning() {
		t.Error("pool should not be running after Close")
	}
}

func TestWorkerPool_NoGoroutineLeak(t *testing.T) {
	before := runtime.NumGoroutine()

	for range 10 {
		pool := NewWorkerPool(4)
		pool.For(100, 10, func(int, int) {})
		pool.Close()
	}

	time.Sleep(50 * time.Millisecond)
	after := runtime.NumGoroutine()
	if after > before+2 {
		t.Errorf("goroutines before=%d after=%d, possible leak", before, after)
	}
}

// =============================================================================
// Work Stealing Tests
// =============================================================================

func TestWorkerPool_WorkStealing(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	// Worker 0 receives every slow item; stealing keeps the batch short.
	work := make([]func(), 16)
	var done atomic.Int32
	for i := range work {
		if i%4 == 0 {
			work[i] = func() {
				time.Sleep(5 * time.Millisecond)
				done.Add(1)
			}
			continue
		}
		work[i] = func() { done.Add(1) }
	}

	pool.ExecuteAll(work)
	if done.Load() != 16 {
		t.Errorf("done = %d, want 16", done.Load())
	}
}

func BenchmarkWorkerPool_For(b *testing.B) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	data := make([]float32, 1<<16)
	b.ResetTimer()
	for range b.N {
		pool.For(len(data), 1024, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				data[i] += 1
			}
		})
	}
}
