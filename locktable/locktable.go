// Package locktable implements the process-wide striped lock table that
// every packet file read or write goes through: a fixed-size array of
// per-bucket locks keyed by the hash of the packet's path, offered in a
// blocking flavor for synchronous callers and a cooperative flavor for
// goroutines that want to hand the scheduler control while waiting.
package locktable

import (
	"context"

	"github.com/go-faster/city"
	"golang.org/x/sync/semaphore"
)

// Buckets is the default stripe count, sized for a moderately
// concurrent workload without over-allocating semaphores.
const Buckets = 4096

// Table is a striped lock table. The zero value is not usable; use New.
type Table struct {
	stripes []*semaphore.Weighted
	n       uint64
}

// New builds a lock table with the given number of stripes. n must be
// greater than zero; New(0) is equivalent to New(Buckets).
func New(n int) *Table {
	if n <= 0 {
		n = Buckets
	}
	t := &Table{
		stripes: make([]*semaphore.Weighted, n),
		n:       uint64(n),
	}
	for i := range t.stripes {
		t.stripes[i] = semaphore.NewWeighted(1)
	}
	return t
}

func (t *Table) stripeFor(path string) *semaphore.Weighted {
	h := city.Hash64([]byte(path))
	return t.stripes[h%t.n]
}

// Guard releases the stripe acquired by Acquire/AcquireContext. Release
// is safe to call from a defer on every exit path, but it is not
// idempotent: calling it more than once panics, matching sync.Mutex.Unlock's own contract on
// double-unlock (the underlying primitive is a semaphore.Weighted with
// weight 1, whose Release panics on over-release).
type Guard struct {
	sem *semaphore.Weighted
}

// Release frees the stripe. Callers must call Release exactly once.
func (g Guard) Release() {
	g.sem.Release(1)
}

// Acquire blocks the calling goroutine until the stripe for path is
// free, for synchronous workers (e.g. a transaction commit worker
// running inside an errgroup goroutine that has nothing else to do
// while waiting). Nested acquisitions are forbidden: a goroutine must
// release its current guard before acquiring another, since striping
// does not guarantee a stable lock order across different paths.
func (t *Table) Acquire(path string) Guard {
	sem := t.stripeFor(path)
	// Background never cancels; Acquire on an uncancellable context
	// degrades to a plain blocking acquire.
	_ = sem.Acquire(context.Background(), 1)
	return Guard{sem: sem}
}

// AcquireContext is the cooperative acquisition: it yields the stripe
// wait to ctx, so an asynchronous caller (e.g. one racing a query
// deadline or an abort signal) can give up on the wait instead of
// blocking forever. Returns the zero Guard and ctx.Err() if ctx is
// done before the stripe becomes available.
func (t *Table) AcquireContext(ctx context.Context, path string) (Guard, error) {
	sem := t.stripeFor(path)
	if err := sem.Acquire(ctx, 1); err != nil {
		return Guard{}, err
	}
	return Guard{sem: sem}, nil
}

// TryAcquire attempts the stripe without blocking, returning ok=false
// if it is already held.
func (t *Table) TryAcquire(path string) (Guard, bool) {
	sem := t.stripeFor(path)
	if !sem.TryAcquire(1) {
		return Guard{}, false
	}
	return Guard{sem: sem}, true
}

// Stripes reports the configured stripe count.
func (t *Table) Stripes() int {
	return int(t.n)
}
