package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleasesInSubmissionOrder(t *testing.T) {
	b := NewReorderBuffer[string](10)

	seqs := make([]int64, 3)
	for i := range seqs {
		seq, err := b.Submit()
		require.NoError(t, err)
		seqs[i] = seq
	}

	// Complete out of order.
	require.NoError(t, b.Complete(seqs[2], "third"))
	require.NoError(t, b.Complete(seqs[0], "first"))
	require.NoError(t, b.Complete(seqs[1], "second"))
	b.CloseInput()

	var got []string
	for {
		v, ok, err := b.WaitNext()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestWaitNextBlocksUntilHeadCompletes(t *testing.T) {
	b := NewReorderBuffer[int](10)
	head, err := b.Submit()
	require.NoError(t, err)
	tail, err := b.Submit()
	require.NoError(t, err)
	require.NoError(t, b.Complete(tail, 2))

	released := make(chan int, 1)
	go func() {
		v, ok, err := b.WaitNext()
		if err == nil && ok {
			released <- v
		}
	}()

	select {
	case <-released:
		t.Fatal("tail released before head completed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Complete(head, 1))
	select {
	case v := <-released:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("head never released")
	}
}

func TestSubmitBlocksAtMaxPending(t *testing.T) {
	b := NewReorderBuffer[int](2)
	s0, err := b.Submit()
	require.NoError(t, err)
	_, err = b.Submit()
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		_, err := b.Submit()
		if err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("submit admitted beyond max pending")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Complete(s0, 0))
	_, ok, err := b.WaitNext()
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("submit never unblocked after release")
	}
}

func TestShutdownWakesAllWaiters(t *testing.T) {
	b := NewReorderBuffer[int](1)
	_, err := b.Submit()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := b.Submit() // parked: buffer full
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, _, err := b.WaitNext() // parked: head not done
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Shutdown()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrShutdown)
	}
}

func TestCompletedHeadsDrainDuringShutdown(t *testing.T) {
	b := NewReorderBuffer[int](10)
	s0, err := b.Submit()
	require.NoError(t, err)
	s1, err := b.Submit()
	require.NoError(t, err)
	_, err = b.Submit() // never completes
	require.NoError(t, err)

	require.NoError(t, b.Complete(s0, 10))
	require.NoError(t, b.Complete(s1, 11))
	b.Shutdown()

	v, ok, err := b.WaitNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, v)

	v, ok, err = b.WaitNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11, v)

	_, _, err = b.WaitNext()
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestDoubleCompleteRejected(t *testing.T) {
	b := NewReorderBuffer[int](10)
	seq, err := b.Submit()
	require.NoError(t, err)
	require.NoError(t, b.Complete(seq, 1))
	require.Error(t, b.Complete(seq, 2))
	require.Error(t, b.Complete(99, 1))
}

func TestEvictedHeadIsSkipped(t *testing.T) {
	b := NewReorderBuffer[string](10)
	head, err := b.Submit()
	require.NoError(t, err)
	tail, err := b.Submit()
	require.NoError(t, err)

	require.NoError(t, b.Complete(tail, "survivor"))
	require.NoError(t, b.Evict(head))
	b.CloseInput()

	v, ok, err := b.WaitNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "survivor", v)

	_, ok, err = b.WaitNext()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictFreesSubmissionCapacity(t *testing.T) {
	b := NewReorderBuffer[int](1)
	seq, err := b.Submit()
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		_, err := b.Submit()
		if err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("submit admitted beyond max pending")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Evict(seq))
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("submit never unblocked after evict")
	}
}

func TestEvictRejectsUnknownAndCompleted(t *testing.T) {
	b := NewReorderBuffer[int](10)
	seq, err := b.Submit()
	require.NoError(t, err)
	require.NoError(t, b.Complete(seq, 1))
	require.Error(t, b.Evict(seq))
	require.Error(t, b.Evict(99))
}

func TestSubmitAfterCloseInputRejected(t *testing.T) {
	b := NewReorderBuffer[int](10)
	b.CloseInput()
	_, err := b.Submit()
	require.Error(t, err)
}
