// Package router is the entry point for every text event, local or remote.
//
// Local events (PublishText) are enriched and fanned out to the topic bus,
// mesh peers, the cloud relay and the direct link, in that order. Remote
// payloads (Receive) are validated, mute-filtered, enriched and republished
// to the topic bus and mesh peers only; they never go back out to the relay
// or the link.
//
// Fan-out is serialized: concurrent callers never run bus handlers at the
// same time, and each event's fan-out finishes before the next one starts.
// An event published from inside a bus handler is dispatched right after the
// current event, before the outermost call returns.
package router

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"captionrelay/internal/emotes"
	"captionrelay/internal/textevent"
	"captionrelay/internal/topicbus"
	"captionrelay/internal/validate"
	logx "captionrelay/pkg/logx"
)

// Origin is the class of network source a payload arrived from.
type Origin string

const (
	MeshPeer   Origin = "peer"
	CloudRelay Origin = "relay"
	DirectLink Origin = "link"
)

// Destination names one fan-out target in logs and stats.
type Destination string

const (
	DestBus   Destination = "bus"
	DestPeers Destination = "peers"
	DestRelay Destination = "relay"
	DestLink  Destination = "link"
)

type Role string

const (
	// RoleServer produces and relays text.
	RoleServer Role = "server"
	// RoleClient only displays text received over its own transport.
	RoleClient Role = "client"
)

var (
	ErrDisplayClient = errors.New("router: display clients cannot publish")
	ErrEmptyTopic    = errors.New("router: topic is required")
)

// Drop reasons beyond the validator's.
const (
	ReasonMuted     = "muted"
	ReasonThrottled = "throttled"
	ReasonClient    = "client_role"
)

// Sink is a broadcast destination (mesh peers, cloud relay).
type Sink interface {
	Broadcast(env textevent.Envelope) error
}

// LinkSender is the direct link as the router sees it.
type LinkSender interface {
	Connected() bool
	Send(env textevent.Envelope) error
}

// Settings is the read-only view of the settings store the router needs.
type Settings interface {
	STTMuted() bool
}

// Recorder receives traffic counts. stats.Collector implements it.
type Recorder interface {
	Published(topic string)
	Received(origin string)
	Dropped(origin, reason string)
	Delivered(dest string)
	Failed(dest string)
	Skipped(dest string)
}

type nopSink struct{}

func (nopSink) Broadcast(textevent.Envelope) error { return nil }

// NopSink accepts and discards every envelope.
var NopSink Sink = nopSink{}

type nopRecorder struct{}

func (nopRecorder) Published(string)       {}
func (nopRecorder) Received(string)        {}
func (nopRecorder) Dropped(string, string) {}
func (nopRecorder) Delivered(string)       {}
func (nopRecorder) Failed(string)          {}
func (nopRecorder) Skipped(string)         {}

type Config struct {
	Role Role
	// MaxPayloadBytes drops larger inbound payloads; 0 disables the check.
	MaxPayloadBytes int
	Inbound         LimitConfig
}

// LimitConfig is a per-origin token bucket. RatePerSec <= 0 disables it.
type LimitConfig struct {
	RatePerSec float64
	Burst      int
}

type Option func(*Router)

func WithPeers(s Sink) Option          { return func(r *Router) { r.peers = s } }
func WithRelay(s Sink) Option          { return func(r *Router) { r.relay = s } }
func WithLink(l LinkSender) Option     { return func(r *Router) { r.link = l } }
func WithSettings(s Settings) Option   { return func(r *Router) { r.settings = s } }
func WithRecorder(rec Recorder) Option { return func(r *Router) { r.rec = rec } }

type Router struct {
	role      Role
	bus       *topicbus.Bus
	enricher  *emotes.Enricher
	validator validate.Validator
	log       logx.Logger

	peers    Sink
	relay    Sink
	link     LinkSender
	settings Settings
	rec      Recorder
	dropLog  *logx.Limited
	dispatch *dispatcher

	lmu      sync.Mutex
	limit    LimitConfig
	limiters map[Origin]*rate.Limiter
}

func New(cfg Config, bus *topicbus.Bus, enricher *emotes.Enricher, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	role := cfg.Role
	if role == "" {
		role = RoleServer
	}
	r := &Router{
		role:      role,
		bus:       bus,
		enricher:  enricher,
		validator: validate.Validator{MaxBytes: cfg.MaxPayloadBytes},
		log:       log,
		peers:     NopSink,
		relay:     NopSink,
		rec:       nopRecorder{},
		dropLog:   logx.NewLimited(log, 1, 5),
		dispatch:  &dispatcher{log: log},
		limit:     cfg.Inbound,
		limiters:  map[Origin]*rate.Limiter{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Role() Role { return r.role }

// SetInboundLimit replaces the per-origin limit. Existing buckets are reset.
func (r *Router) SetInboundLimit(l LimitConfig) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	if r.limit == l {
		return
	}
	r.limit = l
	r.limiters = map[Origin]*rate.Limiter{}
	r.log.Info("inbound limit updated", logx.Any("rate_per_sec", l.RatePerSec), logx.Int("burst", l.Burst))
}

// PublishText is the local-origin path. Each destination is attempted even
// when an earlier one fails; destination failures are logged, not returned.
func (r *Router) PublishText(topic string, ev textevent.TextEvent) error {
	if r.role == RoleClient {
		return ErrDisplayClient
	}
	if strings.TrimSpace(topic) == "" {
		return ErrEmptyTopic
	}

	env := textevent.Envelope{Topic: topic, Data: r.enrich(ev)}
	r.dispatch.run(func() {
		r.rec.Published(topic)
		r.deliver(DestBus, topic, func() error {
			r.bus.Publish(topic, env.Data)
			return nil
		})
		r.deliver(DestPeers, topic, func() error { return r.peers.Broadcast(env) })
		r.deliver(DestRelay, topic, func() error { return r.relay.Broadcast(env) })

		if r.link == nil || !r.link.Connected() {
			r.rec.Skipped(string(DestLink))
			return
		}
		r.deliver(DestLink, topic, func() error { return r.link.Send(env) })
	})
	return nil
}

// Receive is the remote-origin path. It never fails outward; the return value
// reports whether the payload was accepted for republishing.
func (r *Router) Receive(raw []byte, origin Origin) bool {
	r.rec.Received(string(origin))

	if r.role == RoleClient {
		return r.drop(origin, ReasonClient, "")
	}
	if !r.allow(origin) {
		return r.drop(origin, ReasonThrottled, "")
	}

	res := r.validator.Validate(raw)
	if !res.OK() {
		return r.drop(origin, string(res.Reason), res.Detail)
	}
	topic := res.Envelope.Topic
	if topic == textevent.TopicSTT && r.settings != nil && r.settings.STTMuted() {
		return r.drop(origin, ReasonMuted, topic)
	}

	env := textevent.Envelope{Topic: topic, Data: r.enrich(res.Envelope.Data)}
	r.dispatch.run(func() {
		r.deliver(DestBus, topic, func() error {
			r.bus.Publish(topic, env.Data)
			return nil
		})
		r.deliver(DestPeers, topic, func() error { return r.peers.Broadcast(env) })
	})
	return true
}

// ReceiveString is Receive for text frames.
func (r *Router) ReceiveString(raw string, origin Origin) bool {
	return r.Receive([]byte(raw), origin)
}

func (r *Router) drop(origin Origin, reason, detail string) bool {
	r.rec.Dropped(string(origin), reason)
	fields := []logx.Field{
		logx.String("origin", string(origin)),
		logx.String("reason", reason),
		logx.String("detail", detail),
	}
	switch reason {
	case ReasonMuted, ReasonClient:
		if r.log.Enabled(logx.LevelDebug) {
			r.log.Debug("inbound dropped", fields...)
		}
	default:
		r.dropLog.Warn("inbound dropped", fields...)
	}
	return false
}

func (r *Router) allow(origin Origin) bool {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	if r.limit.RatePerSec <= 0 {
		return true
	}
	lim, ok := r.limiters[origin]
	if !ok {
		burst := r.limit.Burst
		if burst <= 0 {
			burst = int(r.limit.RatePerSec) + 1
		}
		lim = rate.NewLimiter(rate.Limit(r.limit.RatePerSec), burst)
		r.limiters[origin] = lim
	}
	return lim.Allow()
}

// enrich never lets a misbehaving provider stop the pipeline; on panic the
// event goes out with an empty emote map.
func (r *Router) enrich(ev textevent.TextEvent) (out textevent.TextEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("emote enrichment panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			out = ev
			out.Emotes = map[int]string{}
		}
	}()
	out = r.enricher.Enrich(ev)
	if out.Emotes == nil {
		out.Emotes = map[int]string{}
	}
	return out
}

func (r *Router) deliver(dest Destination, topic string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				r.log.Error("destination panicked",
					logx.String("dest", string(dest)),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		return fn()
	}()
	if err != nil {
		r.rec.Failed(string(dest))
		r.log.Warn("delivery failed",
			logx.String("dest", string(dest)),
			logx.String("topic", topic),
			logx.Err(err),
		)
		return
	}
	r.rec.Delivered(string(dest))
}
