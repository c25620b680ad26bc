package observer

import (
	"context"
	"sync"
)

// StreamObserver fans state events out to live subscribers such as SSE
// clients. Each subscriber holds at most one pending event: a newer event
// replaces an unread one, so a slow reader skips intermediate states but
// always ends up with the latest.
type StreamObserver struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// Subscription is one reader of a StreamObserver.
type Subscription struct {
	id     uint64
	ch     chan StateEvent
	stream *StreamObserver
	once   sync.Once
}

func NewStreamObserver() *StreamObserver {
	return &StreamObserver{subs: make(map[uint64]*Subscription)}
}

// Open registers a new subscriber. Callers must Close it.
func (s *StreamObserver) Open() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &Subscription{id: s.nextID, ch: make(chan StateEvent, 1), stream: s}
	s.subs[sub.id] = sub
	return sub
}

// Len returns the number of open subscriptions.
func (s *StreamObserver) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// OnEvent never blocks on a subscriber.
func (s *StreamObserver) OnEvent(ctx context.Context, event StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Drop the stale pending event and retry once.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (s *StreamObserver) GetObserverName() string {
	return "stream_observer"
}

// Events yields state events until the subscription is closed.
func (sub *Subscription) Events() <-chan StateEvent {
	return sub.ch
}

// Close unregisters the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		s := sub.stream
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, sub.id)
		close(sub.ch)
	})
}
