// Package promise implements the async-result handle the query
// engine's packet loader uses: each queued packet load hands back a
// Promise instead of blocking the caller that queued it.
package promise

import (
	"sync"
	"sync/atomic"
)

// Promise is a single-fulfillment future. New returns one locked for
// reading; the producer calls Done exactly once to unblock every Get.
type Promise[T any] struct {
	lock    sync.Mutex
	err     error
	res     T
	pending int32
}

// New returns a pending Promise, locked until Done is called.
func New[T any]() *Promise[T] {
	p := &Promise[T]{pending: 1}
	p.lock.Lock()
	return p
}

// Fulfilled returns an already-resolved Promise, for call sites that
// know the result up front (e.g. a worker pool rejecting extra work
// after an earlier failure).
func Fulfilled[T any](res T, err error) *Promise[T] {
	return &Promise[T]{res: res, err: err}
}

// Get blocks until the promise is resolved and returns its result.
func (p *Promise[T]) Get() (T, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.res, p.err
}

// Peek reports whether the promise is still pending (1) or resolved
// (0) without blocking, alongside whatever result/error is currently
// visible.
func (p *Promise[T]) Peek() (pending bool, res T, err error) {
	return atomic.LoadInt32(&p.pending) != 0, p.res, p.err
}

// Done resolves the promise exactly once; subsequent calls are no-ops.
func (p *Promise[T]) Done(res T, err error) {
	if !atomic.CompareAndSwapInt32(&p.pending, 1, 0) {
		return
	}
	p.res = res
	p.err = err
	p.lock.Unlock()
}

// WaitAll blocks until every promise in ps resolves and returns the
// first error encountered, preserving ps's order for the scan.
func WaitAll[T any](ps []*Promise[T]) error {
	var first error
	for _, p := range ps {
		if _, err := p.Get(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
