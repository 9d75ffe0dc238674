package proxy

import (
	"context"
	"sync"
)

// ConnQueue hands accepted client sockets to workers. Enqueue never blocks.
// A single-slot signal channel wakes one waiting worker per enqueue; a worker
// that takes an item while more remain passes the wake-up on.
type ConnQueue struct {
	mu     sync.Mutex
	items  []*Socket
	closed bool
	signal chan struct{}
}

// NewConnQueue returns an empty queue.
func NewConnQueue() *ConnQueue {
	return &ConnQueue{signal: make(chan struct{}, 1)}
}

func (q *ConnQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue appends s. After DrainAndClose the socket is closed instead.
func (q *ConnQueue) Enqueue(s *Socket) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = s.Close()
		return
	}
	q.items = append(q.items, s)
	q.mu.Unlock()
	q.notify()
}

// Dequeue blocks until a socket is available or ctx is cancelled, in which
// case it returns ctx's error and no socket.
func (q *ConnQueue) Dequeue(ctx context.Context) (*Socket, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			s := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return s, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued sockets.
func (q *ConnQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAndClose closes every queued socket and makes later Enqueue calls
// close their socket immediately. It returns how many sockets were closed.
func (q *ConnQueue) DrainAndClose() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	n := len(q.items)
	for i, s := range q.items {
		_ = s.Close()
		q.items[i] = nil
	}
	q.items = nil
	return n
}
