package textevent

import (
	"sort"
	"sync"
)

// RegisteredEvent is a directory entry describing a known text source.
// Value is the topic string.
type RegisteredEvent struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value"`
}

// Registry lists known text sources so a UI can enumerate them.
// It plays no part in routing.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]RegisteredEvent
}

// NewRegistry returns a registry preloaded with the built-in sources.
func NewRegistry() *Registry {
	r := &Registry{entries: map[string]RegisteredEvent{}}
	r.Register(RegisteredEvent{Label: "Speech to text", Value: TopicSTT})
	r.Register(RegisteredEvent{Label: "Translation", Value: TopicTranslation})
	r.Register(RegisteredEvent{Label: "Text field", Value: TopicTextField})
	r.Register(RegisteredEvent{Label: "Any text source", Value: TopicAny})
	return r
}

// Register adds or replaces the entry for ev.Value.
func (r *Registry) Register(ev RegisteredEvent) {
	if ev.Value == "" {
		return
	}
	r.mu.Lock()
	r.entries[ev.Value] = ev
	r.mu.Unlock()
}

func (r *Registry) Unregister(topic string) {
	r.mu.Lock()
	delete(r.entries, topic)
	r.mu.Unlock()
}

func (r *Registry) Get(topic string) (RegisteredEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.entries[topic]
	return ev, ok
}

// List returns a snapshot sorted by topic.
func (r *Registry) List() []RegisteredEvent {
	r.mu.RLock()
	out := make([]RegisteredEvent, 0, len(r.entries))
	for _, ev := range r.entries {
		out = append(out, ev)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
