package operation

import (
	"context"
	"fmt"
	"sync"
)

// Future is the caller's handle on a submitted operation. It is settled
// exactly once; later settle attempts are ignored.
type Future[T any] struct {
	id      SequenceID
	alias   string
	done    chan struct{}
	once    sync.Once
	outcome Outcome[T]
}

func newFuture[T any](id SequenceID, alias string) *Future[T] {
	return &Future[T]{
		id:    id,
		alias: alias,
		done:  make(chan struct{}),
	}
}

// ID returns the sequence id bound to this future.
func (f *Future[T]) ID() SequenceID {
	return f.id
}

// Alias returns the diagnostic label of the operation.
func (f *Future[T]) Alias() string {
	return f.alias
}

// Done is closed once the outcome is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the outcome without blocking. ok is false while pending.
func (f *Future[T]) Outcome() (Outcome[T], bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return Outcome[T]{}, false
	}
}

// Await blocks until the operation settles or ctx is done. Giving up on ctx
// does not cancel the operation; call Registry.Cancel for that.
func (f *Future[T]) Await(ctx context.Context) (Outcome[T], error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome[T]{}, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
}

// Get awaits the outcome and unpacks it.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	outcome, err := f.Await(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return outcome.Unpack()
}

// settle stores the outcome if the future is still pending.
func (f *Future[T]) settle(outcome Outcome[T]) bool {
	settled := false
	f.once.Do(func() {
		f.outcome = outcome
		close(f.done)
		settled = true
	})
	return settled
}
