// Package fifo provides an unbounded queue that is drained through a channel.
// Producers never block on Push.
package fifo

import "sync"

// Queue is an unbounded FIFO queue. Items are delivered in push order on the channel returned by Out.
type Queue[T any] struct {
	m       sync.Mutex
	items   []T
	closed  bool
	signalC chan struct{}
	outC    chan T
	stopC   chan struct{}
	stopped sync.Once
}

// New returns a queue and starts the goroutine that feeds Out.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		signalC: make(chan struct{}, 1),
		outC:    make(chan T),
		stopC:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push appends v to the queue. It returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.m.Lock()
	if q.closed {
		q.m.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.m.Unlock()
	q.signal()
	return true
}

// Out returns the channel that delivers queued items.
// It is closed after Close is called and all remaining items are received.
func (q *Queue[T]) Out() <-chan T {
	return q.outC
}

// Close rejects further pushes. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.m.Lock()
	q.closed = true
	q.m.Unlock()
	q.signal()
}

// Stop closes the queue and discards undelivered items.
// Use it when nobody is going to receive from Out anymore.
func (q *Queue[T]) Stop() {
	q.Close()
	q.stopped.Do(func() { close(q.stopC) })
}

func (q *Queue[T]) signal() {
	select {
	case q.signalC <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	var zero T
	for {
		q.m.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.m.Unlock()
			if closed {
				close(q.outC)
				return
			}
			select {
			case <-q.signalC:
			case <-q.stopC:
				close(q.outC)
				return
			}
			continue
		}
		v := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.m.Unlock()
		select {
		case q.outC <- v:
		case <-q.stopC:
			close(q.outC)
			return
		}
	}
}
