// Package pending tracks in-flight operations awaiting a correlated response.
//
// A Table holds one entry per correlation key. Entries are created when a
// request is sent and removed the moment a terminal response arrives. Closing
// the table settles every remaining entry with the close error and makes any
// later Register fail, so no future is ever left unsettled by a closed
// channel.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Register after the table has been closed.
	ErrClosed = errors.New("pending table closed")
	// ErrDuplicate is returned when a key is registered while still in flight.
	ErrDuplicate = errors.New("correlation id already in flight")
)

// Table maps correlation keys to the futures waiting on them.
type Table[T any] struct {
	mu       sync.Mutex
	entries  map[string]*Future[T]
	closeErr error
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[string]*Future[T])}
}

// Register creates the entry for key and returns its future.
func (t *Table[T]) Register(key string) (*Future[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closeErr != nil {
		return nil, t.closeErr
	}
	if _, ok := t.entries[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	f := newFuture[T](key)
	t.entries[key] = f
	return f, nil
}

// Resolve settles key with value and removes the entry.
// It reports false when no such entry is in flight.
func (t *Table[T]) Resolve(key string, value T) bool {
	f := t.take(key)
	if f == nil {
		return false
	}
	f.settle(value, nil)
	return true
}

// Reject settles key with err and removes the entry.
func (t *Table[T]) Reject(key string, err error) bool {
	f := t.take(key)
	if f == nil {
		return false
	}
	var zero T
	f.settle(zero, err)
	return true
}

// Has reports whether key is in flight.
func (t *Table[T]) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Remove drops key without settling it. Used when the request never left.
func (t *Table[T]) Remove(key string) {
	t.take(key)
}

// Len returns the number of in-flight entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close rejects every in-flight entry with err and refuses new ones.
// It returns how many entries were rejected. Closing twice is a no-op.
func (t *Table[T]) Close(err error) int {
	if err == nil {
		err = ErrClosed
	}

	t.mu.Lock()
	if t.closeErr != nil {
		t.mu.Unlock()
		return 0
	}
	t.closeErr = err
	entries := t.entries
	t.entries = make(map[string]*Future[T])
	t.mu.Unlock()

	var zero T
	for _, f := range entries {
		f.settle(zero, err)
	}
	return len(entries)
}

// Closed reports whether Close has been called.
func (t *Table[T]) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr != nil
}

func (t *Table[T]) take(key string) *Future[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	return f
}

// Future is the eventual result of one pending operation.
type Future[T any] struct {
	key   string
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any](key string) *Future[T] {
	return &Future[T]{key: key, done: make(chan struct{})}
}

// Settled returns a future that is already complete. Used for operations
// that finish without crossing the channel.
func Settled[T any](value T, err error) *Future[T] {
	f := newFuture[T]("")
	f.settle(value, err)
	return f
}

// Key returns the correlation key the future was registered under.
func (f *Future[T]) Key() string { return f.key }

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done.
// Giving up on ctx does not cancel the operation itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) settle(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}
