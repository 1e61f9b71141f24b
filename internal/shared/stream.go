package shared

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
)

// Source is a value that can be read now and observed later.
type Source[T any] interface {
	Snapshot() T
	Subscribe(ch chan<- T) event.Subscription
}

// Stream keeps the latest value of T and fans every new value out to
// subscribers. Publish blocks until all subscribers have received the value,
// so values arrive in the order they were published.
type Stream[T any] struct {
	mu     sync.RWMutex
	sendMu sync.Mutex
	feed   event.FeedOf[T]
	last   T
}

func NewStream[T any](initial T) *Stream[T] {
	return &Stream[T]{last: initial}
}

func (s *Stream[T]) Publish(v T) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	s.last = v
	s.mu.Unlock()

	s.feed.Send(v)
}

// Update publishes the value computed by fn. fn runs under the send lock, so
// concurrent updaters always leave the newest state as the last value sent.
func (s *Stream[T]) Update(fn func() T) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	v := fn()

	s.mu.Lock()
	s.last = v
	s.mu.Unlock()

	s.feed.Send(v)
}

func (s *Stream[T]) Snapshot() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Stream[T]) Subscribe(ch chan<- T) event.Subscription {
	return s.feed.Subscribe(ch)
}
