// Package emotes attaches emote maps (word index -> image URL) to text events.
package emotes

import (
	"maps"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"captionrelay/internal/textevent"
)

// Provider finds emotes in a piece of text.
type Provider interface {
	ScanForEmotes(text string) map[int]string
}

// Table is a Provider backed by a token -> URL table. Words are split on
// whitespace and matched case-sensitively, the way chat platforms do it.
type Table struct {
	mu    sync.RWMutex
	table map[string]string
}

func NewTable(table map[string]string) *Table {
	t := &Table{}
	t.SetTable(table)
	return t
}

// SetTable replaces the lookup table.
func (t *Table) SetTable(table map[string]string) {
	cp := make(map[string]string, len(table))
	for k, v := range table {
		k = strings.TrimSpace(k)
		if k == "" || strings.TrimSpace(v) == "" {
			continue
		}
		cp[k] = v
	}
	t.mu.Lock()
	t.table = cp
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.table)
}

func (t *Table) ScanForEmotes(text string) map[int]string {
	out := map[int]string{}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.table) == 0 {
		return out
	}
	for i, word := range strings.Fields(text) {
		if url, ok := t.table[word]; ok {
			out[i] = url
		}
	}
	return out
}

// Enricher attaches emotes to events that do not carry them yet.
//
// Interim results repeat the same text many times while a sentence is being
// recognized, so scans are cached per text.
type Enricher struct {
	provider Provider
	cache    *lru.Cache[string, map[int]string]

	// gen advances on every Purge. A scan only caches its result if no
	// Purge happened while it ran.
	mu  sync.Mutex
	gen uint64
}

// DefaultCacheSize is used when NewEnricher gets a size <= 0.
const DefaultCacheSize = 512

func NewEnricher(p Provider, cacheSize int) *Enricher {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	// lru.New only fails on a non-positive size.
	cache, _ := lru.New[string, map[int]string](cacheSize)
	return &Enricher{provider: p, cache: cache}
}

// Enrich returns ev with Emotes set. An event that already declares emotes
// (even an empty map) is returned unchanged, so Enrich is idempotent.
func (e *Enricher) Enrich(ev textevent.TextEvent) textevent.TextEvent {
	if ev.Emotes != nil {
		return ev
	}
	ev.Emotes = e.scan(ev.Value)
	return ev
}

func (e *Enricher) scan(text string) map[int]string {
	if e == nil || e.provider == nil || text == "" {
		return map[int]string{}
	}
	if found, ok := e.cache.Get(text); ok {
		return maps.Clone(found)
	}
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	found := e.provider.ScanForEmotes(text)
	if found == nil {
		found = map[int]string{}
	}

	e.mu.Lock()
	if e.gen == gen {
		e.cache.Add(text, found)
	}
	e.mu.Unlock()
	return maps.Clone(found)
}

// Purge drops cached scans. Call it after the provider's table changes.
func (e *Enricher) Purge() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.gen++
	e.cache.Purge()
	e.mu.Unlock()
}
