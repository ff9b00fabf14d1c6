// Package stats counts relay traffic.
//
// Every counter is kept twice: as a prometheus metric for scraping, and as an
// in-process atomic so the periodic reporter and tests can read a snapshot
// without going through the registry.
package stats

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "captionrelay"

type Snapshot struct {
	Published uint64            `json:"published"`
	Received  map[string]uint64 `json:"received"`
	Dropped   map[string]uint64 `json:"dropped"`
	Delivered map[string]uint64 `json:"delivered"`
	Failed    map[string]uint64 `json:"failed"`
	Skipped   map[string]uint64 `json:"skipped"`
}

// Collector implements the router's recorder and exposes /metrics.
type Collector struct {
	reg *prometheus.Registry

	published prometheus.Counter
	received  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	failed    *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	linkState *prometheus.GaugeVec

	publishedN atomic.Uint64
	receivedN  counterSet
	droppedN   counterSet
	deliveredN counterSet
	failedN    counterSet
	skippedN   counterSet
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_total",
			Help: "Locally produced text events.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "received_total",
			Help: "Inbound payloads by origin.",
		}, []string{"origin"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_total",
			Help: "Inbound payloads dropped, by origin and reason.",
		}, []string{"origin", "reason"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivered_total",
			Help: "Envelopes handed to a destination.",
		}, []string{"dest"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failed_total",
			Help: "Destination errors and panics.",
		}, []string{"dest"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_skipped_total",
			Help: "Destinations skipped because they were unavailable.",
		}, []string{"dest"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "link_state",
			Help: "1 for the current direct link state.",
		}, []string{"state"}),
	}
	c.reg.MustRegister(
		c.published, c.received, c.dropped, c.delivered, c.failed, c.skipped, c.linkState,
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collector) Published(string) {
	c.published.Inc()
	c.publishedN.Add(1)
}

func (c *Collector) Received(origin string) {
	c.received.WithLabelValues(origin).Inc()
	c.receivedN.inc(origin)
}

func (c *Collector) Dropped(origin, reason string) {
	c.dropped.WithLabelValues(origin, reason).Inc()
	c.droppedN.inc(reason)
}

func (c *Collector) Delivered(dest string) {
	c.delivered.WithLabelValues(dest).Inc()
	c.deliveredN.inc(dest)
}

func (c *Collector) Failed(dest string) {
	c.failed.WithLabelValues(dest).Inc()
	c.failedN.inc(dest)
}

func (c *Collector) Skipped(dest string) {
	c.skipped.WithLabelValues(dest).Inc()
	c.skippedN.inc(dest)
}

// LinkState marks state as the current one among all known states.
func (c *Collector) LinkState(state string, known []string) {
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		c.linkState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Published: c.publishedN.Load(),
		Received:  c.receivedN.snapshot(),
		Dropped:   c.droppedN.snapshot(),
		Delivered: c.deliveredN.snapshot(),
		Failed:    c.failedN.snapshot(),
		Skipped:   c.skippedN.snapshot(),
	}
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

type counterSet struct {
	m sync.Map // string -> *atomic.Uint64
}

func (s *counterSet) inc(key string) {
	if v, ok := s.m.Load(key); ok {
		v.(*atomic.Uint64).Add(1)
		return
	}
	v, _ := s.m.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

func (s *counterSet) snapshot() map[string]uint64 {
	out := map[string]uint64{}
	s.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}
