package store

import (
	"context"
	"sync"
)

// activePeersKey is the subscription key of the transport peer feed. It can
// never collide with a collection name because collections are plain
// identifiers.
const activePeersKey = "#active-peers"

// changeQueue coalesces change notifications for one subscriber.
//
// The signal channel has a buffer of 1, so any number of Notify calls
// between two deliveries collapse into one pending wakeup. The subscriber
// always reloads the full set, so nothing is lost by coalescing.
type changeQueue struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{signal: make(chan struct{}, 1)}
}

// Notify records a pending change. Returns false if the queue is closed.
func (q *changeQueue) Notify() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait returns a channel that receives when a change is pending and is
// closed once the queue is closed.
func (q *changeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Closed reports whether Close has been called.
func (q *changeQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further notifications and wakes the waiting subscriber.
func (q *changeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

type subscription struct {
	key     string
	queue   *changeQueue
	deliver func(ctx context.Context)
}

func (s *Store) subscribe(key string, deliver func(ctx context.Context)) (func(), error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sub := &subscription{
		key:     key,
		queue:   newChangeQueue(),
		deliver: deliver,
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	sub.queue.Notify()
	go s.serve(sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.queue.Close()
		})
	}
	return cancel, nil
}

// serve runs one subscriber's deliveries until its queue is closed.
func (s *Store) serve(sub *subscription) {
	defer s.wg.Done()
	for range sub.queue.Wait() {
		if sub.queue.Closed() {
			return
		}
		sub.deliver(context.Background())
	}
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.key == key {
			sub.queue.Notify()
		}
	}
}
