package router

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captionrelay/internal/emotes"
	"captionrelay/internal/observability/stats"
	"captionrelay/internal/textevent"
	"captionrelay/internal/topicbus"
	logx "captionrelay/pkg/logx"
)

// trace records the order destinations were reached in.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

type recordingSink struct {
	name  string
	trace *trace
	err   error
	panic bool

	mu   sync.Mutex
	envs []textevent.Envelope
}

func (s *recordingSink) Broadcast(env textevent.Envelope) error {
	if s.trace != nil {
		s.trace.add(s.name)
	}
	if s.panic {
		panic("sink exploded")
	}
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

type fakeLink struct {
	connected bool
	trace     *trace
	sent      []textevent.Envelope
}

func (l *fakeLink) Connected() bool { return l.connected }

func (l *fakeLink) Send(env textevent.Envelope) error {
	if l.trace != nil {
		l.trace.add("link")
	}
	if !l.connected {
		return errors.New("not connected")
	}
	l.sent = append(l.sent, env)
	return nil
}

type muteFlag bool

func (m muteFlag) STTMuted() bool { return bool(m) }

type panickingProvider struct{}

func (panickingProvider) ScanForEmotes(string) map[int]string { panic("provider down") }

type fixture struct {
	bus   *topicbus.Bus
	peers *recordingSink
	relay *recordingSink
	link  *fakeLink
	stats *stats.Collector
	r     *Router
}

func newFixture(t *testing.T, cfg Config, muted bool, opts ...Option) *fixture {
	t.Helper()
	tr := &trace{}
	f := &fixture{
		bus:   topicbus.New(logx.Nop()),
		peers: &recordingSink{name: "peers", trace: tr},
		relay: &recordingSink{name: "relay", trace: tr},
		link:  &fakeLink{trace: tr},
		stats: stats.New(),
	}
	table := emotes.NewTable(map[string]string{"Kappa": "https://cdn.example/kappa.png"})
	base := []Option{
		WithPeers(f.peers),
		WithRelay(f.relay),
		WithLink(f.link),
		WithSettings(muteFlag(muted)),
		WithRecorder(f.stats),
	}
	f.r = New(cfg, f.bus, emotes.NewEnricher(table, 0), logx.Nop(), append(base, opts...)...)
	return f
}

func collect(bus *topicbus.Bus, topic string) *[]textevent.TextEvent {
	var got []textevent.TextEvent
	bus.SubscribeText(topic, func(ev textevent.TextEvent, _ string) { got = append(got, ev) }, true)
	return &got
}

func TestPublishTextWithoutLink(t *testing.T) {
	f := newFixture(t, Config{}, false)
	got := collect(f.bus, textevent.TopicTextField)

	err := f.r.PublishText(textevent.TopicTextField, textevent.TextEvent{
		Type:          textevent.Final,
		Value:         "hello",
		TextFieldType: textevent.FieldTextField,
	})
	require.NoError(t, err)

	require.Len(t, *got, 1)
	ev := (*got)[0]
	assert.Equal(t, "hello", ev.Value)
	assert.Equal(t, textevent.FieldTextField, ev.TextFieldType)
	require.NotNil(t, ev.Emotes)
	assert.Empty(t, ev.Emotes)

	assert.Equal(t, 1, f.peers.count())
	assert.Equal(t, 1, f.relay.count())
	assert.Empty(t, f.link.sent)
	assert.Equal(t, uint64(1), f.stats.Snapshot().Skipped[string(DestLink)])
}

func TestPublishTextFanOutOrderAndIdenticalEnvelope(t *testing.T) {
	f := newFixture(t, Config{}, false)
	f.link.connected = true
	f.bus.Subscribe(textevent.TopicSTT, func(string, any) { f.peers.trace.add("bus") })

	require.NoError(t, f.r.PublishText(textevent.TopicSTT, textevent.TextEvent{Value: "nice Kappa"}))

	assert.Equal(t, []string{"bus", "peers", "relay", "link"}, f.peers.trace.steps)
	want := textevent.Envelope{
		Topic: textevent.TopicSTT,
		Data:  textevent.TextEvent{Value: "nice Kappa", Emotes: map[int]string{1: "https://cdn.example/kappa.png"}},
	}
	assert.Equal(t, want, f.peers.envs[0])
	assert.Equal(t, want, f.relay.envs[0])
	assert.Equal(t, want, f.link.sent[0])
}

func TestPublishTextIsolatesDestinationFailures(t *testing.T) {
	f := newFixture(t, Config{}, false)
	f.link.connected = true
	f.peers.err = errors.New("peer offline")
	f.relay.panic = true
	got := collect(f.bus, textevent.TopicAny)
	f.bus.Subscribe(textevent.TopicAny, func(string, any) { panic("bad handler") })

	require.NoError(t, f.r.PublishText(textevent.TopicAny, textevent.TextEvent{Value: "still here"}))

	assert.Len(t, *got, 1)
	assert.Len(t, f.link.sent, 1)
	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Failed[string(DestPeers)])
	assert.Equal(t, uint64(1), snap.Failed[string(DestRelay)])
	assert.Equal(t, uint64(1), snap.Delivered[string(DestLink)])
}

func TestPublishTextKeepsDeclaredEmotes(t *testing.T) {
	f := newFixture(t, Config{}, false)
	got := collect(f.bus, textevent.TopicAny)

	declared := map[int]string{0: "https://cdn.example/custom.png"}
	require.NoError(t, f.r.PublishText(textevent.TopicAny, textevent.TextEvent{Value: "Kappa", Emotes: declared}))
	assert.Equal(t, declared, (*got)[0].Emotes)
}

func TestPublishTextSurvivesProviderPanic(t *testing.T) {
	f := newFixture(t, Config{}, false)
	f.r.enricher = emotes.NewEnricher(panickingProvider{}, 0)
	got := collect(f.bus, textevent.TopicAny)

	require.NoError(t, f.r.PublishText(textevent.TopicAny, textevent.TextEvent{Value: "x"}))
	require.Len(t, *got, 1)
	assert.NotNil(t, (*got)[0].Emotes)
	assert.Empty(t, (*got)[0].Emotes)
}

func TestPublishTextRejections(t *testing.T) {
	f := newFixture(t, Config{Role: RoleClient}, false)
	got := collect(f.bus, textevent.TopicAny)
	assert.ErrorIs(t, f.r.PublishText(textevent.TopicAny, textevent.TextEvent{Value: "x"}), ErrDisplayClient)

	s := newFixture(t, Config{}, false)
	assert.ErrorIs(t, s.r.PublishText(" ", textevent.TextEvent{Value: "x"}), ErrEmptyTopic)

	assert.Empty(t, *got)
	assert.Zero(t, f.peers.count())
	assert.Zero(t, s.peers.count())
}

func TestReceiveNeverReachesRelayOrLink(t *testing.T) {
	for _, origin := range []Origin{MeshPeer, CloudRelay, DirectLink} {
		t.Run(string(origin), func(t *testing.T) {
			f := newFixture(t, Config{}, false)
			f.link.connected = true
			got := collect(f.bus, textevent.TopicTranslation)

			ok := f.r.Receive([]byte(`{"topic":"text.translation","data":{"type":1,"value":"hola Kappa","extra":true}}`), origin)
			require.True(t, ok)

			require.Len(t, *got, 1)
			assert.Equal(t, textevent.Interim, (*got)[0].Type)
			assert.Equal(t, map[int]string{1: "https://cdn.example/kappa.png"}, (*got)[0].Emotes)
			assert.Equal(t, 1, f.peers.count())
			assert.Zero(t, f.relay.count())
			assert.Empty(t, f.link.sent)
			assert.Equal(t, uint64(1), f.stats.Snapshot().Received[string(origin)])
		})
	}
}

func TestReceiveMutedSTT(t *testing.T) {
	f := newFixture(t, Config{}, true)
	got := collect(f.bus, textevent.TopicAny)

	ok := f.r.ReceiveString(`{"topic":"text.stt","data":{"type":0,"value":"hi"}}`, MeshPeer)
	assert.False(t, ok)
	assert.Empty(t, *got)
	assert.Zero(t, f.peers.count())
	assert.Equal(t, uint64(1), f.stats.Snapshot().Dropped[ReasonMuted])

	// Other topics still flow while STT is muted.
	require.True(t, f.r.ReceiveString(`{"topic":"text.translation","data":{"value":"hola"}}`, CloudRelay))
	// Locally produced STT is unaffected.
	require.NoError(t, f.r.PublishText(textevent.TopicSTT, textevent.TextEvent{Value: "local"}))
	assert.Len(t, *got, 2)
}

func TestReceiveDropsInvalidPayloads(t *testing.T) {
	f := newFixture(t, Config{MaxPayloadBytes: 256}, false)
	got := collect(f.bus, textevent.TopicAny)

	for _, raw := range []string{
		``,
		`not json`,
		`[1,2]`,
		`{"data":{"value":"x"}}`,
		`{"topic":"text","data":"just a string"}`,
		`{"topic":"text","data":{"type":7}}`,
		`{"topic":"text","data":{"value":42}}`,
		`{"topic":"text","data":{"value":"` + string(make([]byte, 300)) + `"}}`,
	} {
		assert.NotPanics(t, func() { assert.False(t, f.r.ReceiveString(raw, DirectLink), raw) })
	}
	assert.Empty(t, *got)
	assert.Zero(t, f.peers.count())
}

func TestReceiveThrottlesPerOrigin(t *testing.T) {
	f := newFixture(t, Config{Inbound: LimitConfig{RatePerSec: 0.001, Burst: 1}}, false)
	payload := []byte(`{"topic":"text","data":{"value":"x"}}`)

	assert.True(t, f.r.Receive(payload, MeshPeer))
	assert.False(t, f.r.Receive(payload, MeshPeer))
	assert.True(t, f.r.Receive(payload, CloudRelay))
	assert.Equal(t, uint64(1), f.stats.Snapshot().Dropped[ReasonThrottled])

	f.r.SetInboundLimit(LimitConfig{})
	assert.True(t, f.r.Receive(payload, MeshPeer))
}

func TestReceiveIgnoredByDisplayClient(t *testing.T) {
	f := newFixture(t, Config{Role: RoleClient}, false)
	got := collect(f.bus, textevent.TopicAny)
	assert.False(t, f.r.ReceiveString(`{"topic":"text","data":{"value":"x"}}`, CloudRelay))
	assert.Empty(t, *got)
}

func TestReentrantPublishFromHandler(t *testing.T) {
	f := newFixture(t, Config{}, false)
	translated := collect(f.bus, textevent.TopicTranslation)
	f.bus.SubscribeText(textevent.TopicSTT, func(ev textevent.TextEvent, _ string) {
		_ = f.r.PublishText(textevent.TopicTranslation, textevent.TextEvent{Value: "[es] " + ev.Value})
	}, false)

	require.True(t, f.r.ReceiveString(`{"topic":"text.stt","data":{"value":"hello"}}`, MeshPeer))
	require.Len(t, *translated, 1)
	assert.Equal(t, "[es] hello", (*translated)[0].Value)
	// The translation is local output, so it goes everywhere.
	assert.Equal(t, 1, f.relay.count())
}

func TestConcurrentOriginsNeverOverlapHandlers(t *testing.T) {
	f := newFixture(t, Config{}, false)

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		handled  int
	)
	f.bus.SubscribeText(textevent.TopicSTT, func(textevent.TextEvent, string) {
		mu.Lock()
		inFlight++
		maxSeen = max(maxSeen, inFlight)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		handled++
		mu.Unlock()
	}, false)

	payload := []byte(`{"topic":"text.stt","data":{"value":"hi"}}`)
	var wg sync.WaitGroup
	for _, origin := range []Origin{CloudRelay, DirectLink, MeshPeer} {
		origin := origin
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, f.r.Receive(payload, origin))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, f.r.Pending())
}

func TestConcurrentPublishKeepsPerSourceOrder(t *testing.T) {
	f := newFixture(t, Config{}, false)

	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	f.bus.SubscribeText(textevent.TopicAny, func(ev textevent.TextEvent, _ string) {
		var src string
		var n int
		_, _ = fmt.Sscanf(ev.Value, "%s %d", &src, &n)
		mu.Lock()
		seen[src] = append(seen[src], n)
		mu.Unlock()
	}, true)

	const perSource = 50
	var wg sync.WaitGroup
	for _, src := range []string{"local", "peer"} {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				value := fmt.Sprintf("%s %d", src, i)
				if src == "local" {
					assert.NoError(t, f.r.PublishText(textevent.TopicTextField, textevent.TextEvent{Value: value}))
					continue
				}
				raw := fmt.Sprintf(`{"topic":"text.textfield","data":{"value":%q}}`, value)
				assert.True(t, f.r.ReceiveString(raw, MeshPeer))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["local"]) == perSource && len(seen["peer"]) == perSource
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for src, got := range seen {
		for i, n := range got {
			require.Equal(t, i, n, "%s events out of order", src)
		}
	}
}

func TestDispatcherSurvivesPanickingJob(t *testing.T) {
	d := &dispatcher{log: logx.Nop()}
	ran := false
	assert.True(t, d.run(func() { panic("boom") }))
	assert.True(t, d.run(func() { ran = true }))
	assert.True(t, ran)
}
