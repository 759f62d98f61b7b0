// Package pool runs plugin work concurrently while preserving submission
// order on the way out. The reorder buffer releases completions strictly
// FIFO; the executor adds capacity-aware retry with a global dispatch gate.
package pool

import (
	"errors"
	"sync"
)

// ErrShutdown is returned by buffer operations after Shutdown.
var ErrShutdown = errors.New("pool: reorder buffer shut down")

// ReorderBuffer releases completed work in submission order regardless of
// completion order. Submit blocks when max pending is reached; WaitNext
// blocks until the oldest submitted entry completes.
type ReorderBuffer[T any] struct {
	mu         sync.Mutex
	spaceFree  *sync.Cond
	headReady  *sync.Cond
	pending    map[int64]*entry[T]
	nextSubmit int64
	nextOut    int64
	maxPending int
	inputDone  bool
	down       bool
}

type entry[T any] struct {
	value T
	done  bool
}

// NewReorderBuffer builds a buffer that admits at most maxPending
// outstanding entries.
func NewReorderBuffer[T any](maxPending int) *ReorderBuffer[T] {
	if maxPending < 1 {
		maxPending = 1
	}
	b := &ReorderBuffer[T]{
		pending:    make(map[int64]*entry[T]),
		maxPending: maxPending,
	}
	b.spaceFree = sync.NewCond(&b.mu)
	b.headReady = sync.NewCond(&b.mu)
	return b
}

// Submit reserves the next sequence slot, blocking while the buffer is
// full. The returned sequence is passed to Complete.
func (b *ReorderBuffer[T]) Submit() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) >= b.maxPending && !b.down {
		b.spaceFree.Wait()
	}
	if b.down {
		return 0, ErrShutdown
	}
	if b.inputDone {
		return 0, errors.New("pool: submit after CloseInput")
	}
	seq := b.nextSubmit
	b.nextSubmit++
	b.pending[seq] = &entry[T]{}
	return seq, nil
}

// Complete marks a submitted slot done. Completing the head slot wakes one
// waiter; completions out of order park until their turn.
func (b *ReorderBuffer[T]) Complete(seq int64, value T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrShutdown
	}
	e, ok := b.pending[seq]
	if !ok {
		return errors.New("pool: complete for unknown sequence")
	}
	if e.done {
		return errors.New("pool: sequence completed twice")
	}
	e.value = value
	e.done = true
	if seq == b.nextOut {
		b.headReady.Signal()
	}
	return nil
}

// CloseInput marks the submission side finished. WaitNext drains what is
// outstanding and then reports exhaustion instead of blocking.
func (b *ReorderBuffer[T]) CloseInput() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputDone = true
	b.headReady.Broadcast()
}

// WaitNext blocks until the oldest outstanding entry is done, removes it,
// and returns its value. ok=false means input is closed and drained.
func (b *ReorderBuffer[T]) WaitNext() (T, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for {
		if b.nextOut < b.nextSubmit {
			e, ok := b.pending[b.nextOut]
			if !ok {
				// Evicted slot: skip forward.
				b.nextOut++
				b.spaceFree.Signal()
				continue
			}
			if e.done {
				// Completed heads drain even during shutdown; only work
				// that can no longer finish is abandoned.
				delete(b.pending, b.nextOut)
				b.nextOut++
				b.spaceFree.Signal()
				if head, ok := b.pending[b.nextOut]; ok && head.done {
					b.headReady.Signal()
				}
				return e.value, true, nil
			}
			if b.down {
				return zero, false, ErrShutdown
			}
			b.headReady.Wait()
			continue
		}
		if b.down {
			return zero, false, ErrShutdown
		}
		if b.inputDone {
			return zero, false, nil
		}
		b.headReady.Wait()
	}
}

// Evict abandons a slot that will never complete (the caller timed out and
// is resubmitting under a new sequence). Evicting the head lets WaitNext
// skip forward over the gap.
func (b *ReorderBuffer[T]) Evict(seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrShutdown
	}
	e, ok := b.pending[seq]
	if !ok {
		return errors.New("pool: evict for unknown sequence")
	}
	if e.done {
		return errors.New("pool: completed entries release, they do not evict")
	}
	delete(b.pending, seq)
	b.spaceFree.Signal()
	if seq == b.nextOut {
		b.headReady.Broadcast()
	}
	return nil
}

// Outstanding reports how many submitted entries have not been released.
func (b *ReorderBuffer[T]) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shutdown aborts all waiters with ErrShutdown. Broadcast, not signal:
// every parked producer and consumer must observe the flag.
func (b *ReorderBuffer[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
	b.spaceFree.Broadcast()
	b.headReady.Broadcast()
}
