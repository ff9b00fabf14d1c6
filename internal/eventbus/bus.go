package eventbus

import (
	"sync"
	"sync/atomic"
)

// Feed is an in-memory publish-on-change notification channel.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers receive on buffered channels.
//   - A full subscriber loses its oldest pending value, never the newest, so
//     the last value a subscriber reads is the feed's current one.
//
// It owns no background goroutines.
type Feed[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	seq  atomic.Uint64
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: map[uint64]chan T{}}
}

// Publish delivers v to every subscriber and returns how many of them had to
// discard an older pending value to make room.
func (f *Feed[T]) Publish(v T) (dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		dropped++
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
	return dropped
}

// Subscribe returns a channel of future values and an idempotent unsubscribe.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := f.seq.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Publish holds the lock while sending, so closing under it is safe.
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
