// Package hub is the relay's WebSocket server.
//
// Peers linking to this instance, browser overlays and the cloud relay bridge
// connect to Path. Every envelope handed to Broadcast is fanned out to all
// connected clients; frames clients send are passed to the inbound handler.
// The same listener optionally serves /metrics and the pprof endpoints.
package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"captionrelay/internal/observability/pprof"
	rtsup "captionrelay/internal/runtime/supervisor"
	"captionrelay/internal/textevent"
	logx "captionrelay/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
	Path    string

	// SendBuffer is the per-client outbound queue. A client whose queue is
	// full is disconnected.
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64

	Metrics bool
	Pprof   pprof.Config
}

const (
	DefaultAddr           = "127.0.0.1:3030"
	DefaultPath           = "/pubsub"
	DefaultSendBuffer     = 64
	DefaultWriteTimeout   = 5 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultMaxMessageSize = 1 << 20
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = DefaultPath
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

type Option func(*Hub)

// WithMetrics mounts h at /metrics when the config enables metrics.
func WithMetrics(h http.Handler) Option { return func(s *Hub) { s.metrics = h } }

type Hub struct {
	cfg      Config
	log      logx.Logger
	metrics  http.Handler
	upgrader websocket.Upgrader

	inbound atomic.Pointer[func([]byte)]

	cmu     sync.RWMutex
	clients map[*client]struct{}

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	ln       net.Listener
	srv      *http.Server
	boundURL string
}

func New(cfg Config, log logx.Logger, opts ...Option) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{
		cfg:     cfg.withDefaults(),
		log:     log,
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			// Overlays are loaded from arbitrary local origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleInbound sets the receiver for frames sent by clients.
func (h *Hub) HandleInbound(fn func(payload []byte)) {
	h.inbound.Store(&fn)
}

// Handler returns the HTTP surface of the hub for a listener bound to addr.
func (h *Hub) Handler() http.Handler {
	return h.mux(h.cfg.Addr)
}

func (h *Hub) mux(addr string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.Path, h.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h.cfg.Metrics && h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	if h.cfg.Pprof.Enabled {
		if ok, detail := pprof.Mount(mux, addr, h.cfg.Pprof); ok {
			h.log.Info("pprof mounted", logx.String("prefix", detail), logx.Bool("token_set", h.cfg.Pprof.Token != ""))
		} else {
			h.log.Error("pprof not mounted", logx.String("addr", addr), logx.String("reason", detail))
		}
	}
	return mux
}

// Start serves in the background under a restart loop. It is idempotent.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sup != nil || !h.cfg.Enabled {
		return
	}
	h.sup = rtsup.New(ctx, rtsup.WithLogger(h.log))
	h.sup.GoRestart("hub.serve", h.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and disconnects every client.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	sup, srv := h.sup, h.srv
	h.sup, h.srv, h.ln = nil, nil, nil
	h.mu.Unlock()
	if sup == nil {
		return nil
	}

	// Cancel first so the serve loop treats the shutdown as clean.
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	h.cmu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.cmu.Unlock()

	err := sup.Stop(ctx)
	h.log.Info("hub stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr is the bound listener address once serving, else the configured one.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.cfg.Addr
}

// Ready reports whether the listener is bound.
func (h *Hub) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ln != nil
}

func (h *Hub) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		h.log.Error("hub listen failed", logx.String("addr", h.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           h.mux(ln.Addr().String()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.ln, h.srv = ln, srv
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	h.log.Info("hub listening", logx.String("addr", ln.Addr().String()), logx.String("path", h.cfg.Path))
	err = srv.Serve(ln)

	h.mu.Lock()
	if h.srv == srv {
		h.srv, h.ln = nil, nil
	}
	h.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("hub server exited unexpectedly")
	}
	return err
}

// Broadcast queues env for every connected client. Clients that cannot keep
// up are disconnected rather than slowing the others down.
func (h *Hub) Broadcast(env textevent.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	var slow []*client
	h.cmu.RLock()
	for c := range h.clients {
		if !c.enqueue(b) {
			slow = append(slow, c)
		}
	}
	h.cmu.RUnlock()

	for _, c := range slow {
		h.log.Warn("hub client too slow, disconnecting", logx.String("client", c.id))
		c.close()
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.cmu.RLock()
	defer h.cmu.RUnlock()
	return len(h.clients)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("hub upgrade failed", logx.Err(err))
		return
	}
	c := &client{
		id:   r.URL.Query().Get("id"),
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if c.id == "" {
		c.id = r.RemoteAddr
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	h.cmu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.cmu.Unlock()
	h.log.Info("hub client connected", logx.String("client", c.id), logx.Int("clients", n))

	go h.writePump(c)
	h.readPump(c)

	h.cmu.Lock()
	delete(h.clients, c)
	n = len(h.clients)
	h.cmu.Unlock()
	c.close()
	h.log.Info("hub client disconnected", logx.String("client", c.id), logx.Int("clients", n))
}

func (h *Hub) readPump(c *client) {
	deadline := 2 * h.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("hub client read failed", logx.String("client", c.id), logx.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		if fn := h.inbound.Load(); fn != nil && *fn != nil {
			(*fn)(payload)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			_ = c.conn.Close()
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		}
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

// enqueue reports false when the client's queue is full.
func (c *client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}
