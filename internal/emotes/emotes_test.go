package emotes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captionrelay/internal/textevent"
)

type countingProvider struct {
	calls int
	inner Provider
}

func (c *countingProvider) ScanForEmotes(text string) map[int]string {
	c.calls++
	return c.inner.ScanForEmotes(text)
}

func TestTableScan(t *testing.T) {
	tbl := NewTable(map[string]string{"Kappa": "https://cdn/kappa.png", "": "x", "blank": " "})
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, map[int]string{1: "https://cdn/kappa.png", 3: "https://cdn/kappa.png"},
		tbl.ScanForEmotes("hi Kappa  kappa Kappa"))
	assert.Equal(t, map[int]string{}, tbl.ScanForEmotes("nothing here"))
}

func TestEnrichAttachesEmptyMap(t *testing.T) {
	e := NewEnricher(NewTable(nil), 0)
	got := e.Enrich(textevent.TextEvent{Value: "hello"})
	require.NotNil(t, got.Emotes)
	assert.Empty(t, got.Emotes)
}

func TestEnrichKeepsDeclaredEmotes(t *testing.T) {
	e := NewEnricher(NewTable(map[string]string{"hello": "u"}), 0)
	declared := map[int]string{}
	got := e.Enrich(textevent.TextEvent{Value: "hello", Emotes: declared})
	assert.Empty(t, got.Emotes, "a declared map must not be recomputed")
}

func TestEnrichIdempotent(t *testing.T) {
	e := NewEnricher(NewTable(map[string]string{"PogChamp": "https://cdn/pog.png"}), 0)
	inputs := []textevent.TextEvent{
		{Value: "so PogChamp"},
		{Value: ""},
		{Value: "x", Emotes: map[int]string{0: "y"}},
	}
	for _, in := range inputs {
		once := e.Enrich(in)
		twice := e.Enrich(once)
		assert.Equal(t, once, twice)
	}
}

func TestEnrichCachesScans(t *testing.T) {
	p := &countingProvider{inner: NewTable(map[string]string{"Kappa": "k"})}
	e := NewEnricher(p, 4)

	a := e.Enrich(textevent.TextEvent{Value: "Kappa"})
	b := e.Enrich(textevent.TextEvent{Value: "Kappa"})
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, a.Emotes, b.Emotes)

	// Results are copies; mutating one must not leak into the cache.
	a.Emotes[5] = "mutated"
	c := e.Enrich(textevent.TextEvent{Value: "Kappa"})
	assert.Equal(t, map[int]string{0: "k"}, c.Emotes)

	e.Purge()
	e.Enrich(textevent.TextEvent{Value: "Kappa"})
	assert.Equal(t, 2, p.calls)
}

func TestNilEnricher(t *testing.T) {
	var e *Enricher
	got := e.Enrich(textevent.TextEvent{Value: "x"})
	assert.NotNil(t, got.Emotes)
	e.Purge()
}

// gatedProvider scans against its own table, pausing the first scan until
// release is closed.
type gatedProvider struct {
	table   *Table
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (g *gatedProvider) ScanForEmotes(text string) map[int]string {
	found := g.table.ScanForEmotes(text)
	if !g.once {
		g.once = true
		close(g.entered)
		<-g.release
	}
	return found
}

func TestScanRacingTableSwapIsNotCached(t *testing.T) {
	tbl := NewTable(map[string]string{"Kappa": "old"})
	p := &gatedProvider{table: tbl, entered: make(chan struct{}), release: make(chan struct{})}
	e := NewEnricher(p, 4)

	done := make(chan textevent.TextEvent)
	go func() { done <- e.Enrich(textevent.TextEvent{Value: "Kappa"}) }()

	<-p.entered
	tbl.SetTable(map[string]string{"Kappa": "new"})
	e.Purge()
	close(p.release)

	stale := <-done
	assert.Equal(t, map[int]string{0: "old"}, stale.Emotes)

	fresh := e.Enrich(textevent.TextEvent{Value: "Kappa"})
	assert.Equal(t, map[int]string{0: "new"}, fresh.Emotes)
}
