package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnQueueFIFO(t *testing.T) {
	q := NewConnQueue()
	a, b := NewSocket(nil), NewSocket(nil)
	q.Enqueue(a)
	q.Enqueue(b)
	assert.Equal(t, 2, q.Len())

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, got)
	got, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, 0, q.Len())
}

func TestConnQueueNoDuplicateDispatch(t *testing.T) {
	const workers, items = 8, 5

	q := NewConnQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan *Socket, workers)
	var cancelled sync.WaitGroup
	cancelled.Add(workers - items)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := q.Dequeue(ctx)
			if err != nil {
				cancelled.Done()
				return
			}
			results <- s
		}()
	}

	sent := make(map[*Socket]bool, items)
	for i := 0; i < items; i++ {
		s := NewSocket(nil)
		sent[s] = true
		q.Enqueue(s)
	}

	received := make(map[*Socket]int, items)
	for i := 0; i < items; i++ {
		select {
		case s := <-results:
			received[s]++
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d sockets dispatched", i, items)
		}
	}

	// The remaining workers stay blocked until cancellation.
	select {
	case s := <-results:
		t.Fatalf("unexpected extra dispatch of %p", s)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	wg.Wait()
	cancelled.Wait()

	require.Len(t, received, items)
	for s, n := range received {
		assert.True(t, sent[s])
		assert.Equal(t, 1, n)
	}
}

func TestConnQueueDequeueWaitsForEnqueue(t *testing.T) {
	q := NewConnQueue()
	s := NewSocket(nil)

	got := make(chan *Socket, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(s)

	select {
	case item := <-got:
		assert.Same(t, s, item)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestConnQueueDequeueCancelled(t *testing.T) {
	q := NewConnQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue ignored cancellation")
	}

	// An already cancelled context wins over queued items.
	q.Enqueue(NewSocket(nil))
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}

func TestConnQueueDrainAndClose(t *testing.T) {
	q := NewConnQueue()

	local1, _ := tcpPair(t)
	local2, _ := tcpPair(t)
	s1, s2 := NewSocket(local1), NewSocket(local2)
	q.Enqueue(s1)
	q.Enqueue(s2)

	assert.Equal(t, 2, q.DrainAndClose())
	assert.Equal(t, 0, q.Len())
	assert.False(t, s1.Valid())
	assert.False(t, s2.Valid())

	// Late arrivals are closed instead of queued.
	local3, _ := tcpPair(t)
	s3 := NewSocket(local3)
	q.Enqueue(s3)
	assert.False(t, s3.Valid())
	assert.Equal(t, 0, q.Len())
}
