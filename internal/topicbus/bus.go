// Package topicbus is the synchronous, in-process topic publish/subscribe bus.
//
// Contract:
//   - Publish runs every matching handler on the caller's goroutine before returning.
//   - Handlers of one topic run in subscription order.
//   - A topic's ancestors are notified after it, most specific first
//     ("text.stt" reaches "text.stt" subscribers, then "text" subscribers).
//   - A panicking handler is recovered and logged; the rest still run.
//
// The bus owns no event data; it passes references through for the duration
// of a dispatch only.
package topicbus

import (
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"captionrelay/internal/textevent"
	logx "captionrelay/pkg/logx"
)

// Handler receives the topic the data was published on (not the subscribed one).
type Handler func(topic string, data any)

// Subscription identifies one registered handler.
type Subscription struct {
	id    uint64
	topic string
}

func (s Subscription) Topic() string { return s.topic }
func (s Subscription) Valid() bool   { return s.id != 0 }

type entry struct {
	id uint64
	fn Handler
}

type Bus struct {
	mu     sync.RWMutex
	topics map[string][]entry
	seq    atomic.Uint64

	log logx.Logger
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{topics: map[string][]entry{}, log: log}
}

func (b *Bus) Subscribe(topic string, fn Handler) Subscription {
	if fn == nil {
		return Subscription{}
	}
	id := b.seq.Add(1)
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], entry{id: id, fn: fn})
	b.mu.Unlock()
	return Subscription{id: id, topic: topic}
}

// SubscribeText registers a typed text handler. Events with an empty Value are
// skipped unless allowEmpty is set; non-text payloads are ignored.
func (b *Bus) SubscribeText(topic string, fn func(ev textevent.TextEvent, topic string), allowEmpty bool) Subscription {
	if fn == nil {
		return Subscription{}
	}
	return b.Subscribe(topic, func(published string, data any) {
		ev, ok := data.(textevent.TextEvent)
		if !ok {
			return
		}
		if !allowEmpty && ev.Value == "" {
			return
		}
		fn(ev, published)
	})
}

// Unsubscribe removes the handler. It reports whether anything was removed.
func (b *Bus) Unsubscribe(s Subscription) bool {
	if !s.Valid() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.topics[s.topic]
	for i, e := range list {
		if e.id != s.id {
			continue
		}
		// Copy so in-flight dispatch snapshots stay intact.
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, s.topic)
		} else {
			b.topics[s.topic] = next
		}
		return true
	}
	return false
}

// Publish dispatches data to topic and its ancestors and returns how many
// handlers were invoked.
func (b *Bus) Publish(topic string, data any) int {
	n := 0
	for _, t := range lineage(topic) {
		b.mu.RLock()
		handlers := b.topics[t]
		b.mu.RUnlock()

		for _, h := range handlers {
			b.invoke(t, topic, h, data)
			n++
		}
	}
	return n
}

// HasSubscribers reports whether a publish on topic would reach any handler.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range lineage(topic) {
		if len(b.topics[t]) > 0 {
			return true
		}
	}
	return false
}

func (b *Bus) invoke(subscribed, published string, h entry, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("topic handler panicked",
				logx.String("topic", published),
				logx.String("subscribed", subscribed),
				logx.Uint64("sub", h.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	h.fn(published, data)
}

// lineage returns topic followed by its dot-separated ancestors.
func lineage(topic string) []string {
	out := []string{topic}
	for {
		i := strings.LastIndexByte(topic, '.')
		if i <= 0 {
			return out
		}
		topic = topic[:i]
		out = append(out, topic)
	}
}
