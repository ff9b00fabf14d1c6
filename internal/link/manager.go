// Package link owns the single outbound WebSocket link to another relay.
//
// Transitions:
//
//	disconnected --Connect--> connecting --open--> connected
//	connecting --timeout/error/Disconnect--> disconnected
//	connected  --close/error/Disconnect-->   disconnected
//
// There is no automatic reconnect. Every transition happens under one mutex,
// and callbacks from superseded attempts are ignored via a generation counter.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"captionrelay/internal/eventbus"
	"captionrelay/internal/textevent"
	logx "captionrelay/pkg/logx"
)

// Identity supplies this instance's id and listening address.
type Identity interface {
	SelfID() string
	SelfAddress() string
}

type Config struct {
	// ConnectTimeout force-closes attempts that have not opened in time.
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Path is the peer's WebSocket endpoint.
	Path string
	// MaxMessageSize caps inbound frames; larger frames close the link.
	MaxMessageSize int64
}

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultPath           = "/pubsub"
	DefaultMaxMessageSize = 1 << 20
)

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = DefaultPath
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

type Option func(*Manager)

// WithClock replaces the clock driving the connect timeout.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// WithErrorHandler installs the hook for user-visible rejections
// (bad address, self-connect, busy link).
func WithErrorHandler(fn func(error)) Option { return func(m *Manager) { m.onError = fn } }

type Manager struct {
	cfg     Config
	id      Identity
	log     logx.Logger
	clk     clock.Clock
	onError func(error)

	mu      sync.Mutex
	state   LinkState
	gen     uint64
	att     *attempt
	conn    *websocket.Conn
	inbound func([]byte)

	// gorilla connections allow one concurrent writer.
	writeMu sync.Mutex

	feed *eventbus.Feed[LinkState]
}

func New(cfg Config, id Identity, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:  cfg.withDefaults(),
		id:   id,
		log:  log,
		clk:  clock.New(),
		feed: eventbus.NewFeed[LinkState](),
	}
	for _, o := range opts {
		o(m)
	}
	m.state = LinkState{State: Disconnected, Since: m.clk.Now()}
	return m
}

// HandleInbound sets the receiver for payloads arriving on the link.
func (m *Manager) HandleInbound(fn func(payload []byte)) {
	m.mu.Lock()
	m.inbound = fn
	m.mu.Unlock()
}

func (m *Manager) State() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool { return m.State().State == Connected }

// Subscribe returns state changes published after each transition. A
// subscriber that falls behind loses intermediate states but always receives
// the latest one.
func (m *Manager) Subscribe(buffer int) (<-chan LinkState, func()) {
	return m.feed.Subscribe(buffer)
}

// SelfAddress is the address other instances use to link to this one.
func (m *Manager) SelfAddress() string {
	if m.id == nil {
		return ""
	}
	return m.id.SelfAddress()
}

// Connect starts a link attempt and returns immediately; the outcome is
// observed through State/Subscribe. Preconditions are checked before any I/O.
func (m *Manager) Connect(address string) error {
	address = strings.TrimSpace(address)
	if !ValidAddress(address) {
		return m.reject(ErrInvalidAddress, address)
	}
	if sameAddress(address, m.SelfAddress()) {
		return m.reject(ErrSelfConnect, address)
	}

	m.mu.Lock()
	if m.state.State != Disconnected {
		m.mu.Unlock()
		return m.reject(ErrLinkBusy, address)
	}
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	att := &attempt{gen: m.gen, cancel: cancel}
	m.att = att
	m.setStateLocked(Connecting, address)
	att.timer = m.clk.AfterFunc(m.cfg.ConnectTimeout, func() { m.expire(att, address) })
	target := m.dialURL(address)
	m.mu.Unlock()

	m.log.Info("link connecting", logx.String("addr", address))
	go m.run(ctx, att, address, target)
	return nil
}

// Disconnect closes the link. The state is forced to disconnected even if
// closing the socket fails; the close error is still returned.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state.State == Disconnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	att, conn, addr := m.att, m.conn, m.state.Address
	m.gen++
	m.att, m.conn = nil, nil
	m.setStateLocked(Disconnected, "")
	m.mu.Unlock()

	if att != nil {
		att.timer.Stop()
		att.abort()
	}
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	if err != nil {
		m.log.Warn("link close failed", logx.String("addr", addr), logx.Err(err))
	} else {
		m.log.Info("link disconnected", logx.String("addr", addr))
	}
	return err
}

// Send writes env to the peer. It fails with ErrNotConnected unless the link is open.
func (m *Manager) Send(env textevent.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state.State == Connected && conn != nil
	m.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	b, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("link: encode: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		// The read loop sees the closed socket and drives the state change.
		_ = conn.Close()
		return fmt.Errorf("link: send: %w", err)
	}
	return nil
}

// Close tears down any link. It is meant for shutdown.
func (m *Manager) Close() error {
	if err := m.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (m *Manager) reject(err error, address string) error {
	m.log.Warn("link connect rejected", logx.String("addr", address), logx.Err(err))
	if m.onError != nil {
		m.onError(err)
	}
	return err
}

func (m *Manager) dialURL(address string) string {
	id := ""
	if m.id != nil {
		id = m.id.SelfID()
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     address,
		Path:     m.cfg.Path,
		RawQuery: url.Values{"id": {id + "-" + strconv.FormatInt(m.clk.Now().UnixMilli(), 10)}}.Encode(),
	}
	return u.String()
}

// setStateLocked must be called with mu held.
func (m *Manager) setStateLocked(s State, address string) {
	m.state = LinkState{State: s, Address: address, Since: m.clk.Now()}
	if dropped := m.feed.Publish(m.state); dropped > 0 {
		m.log.Debug("link state observer lagging", logx.Int("dropped", dropped), logx.String("state", string(s)))
	}
}

func (m *Manager) expire(att *attempt, address string) {
	m.mu.Lock()
	pending := m.att == att && m.state.State == Connecting
	m.mu.Unlock()
	if !pending {
		return
	}
	m.log.Warn("link connect timed out", logx.String("addr", address), logx.Duration("timeout", m.cfg.ConnectTimeout))
	att.abort()
}

func (m *Manager) run(ctx context.Context, att *attempt, address, target string) {
	dialer := websocket.Dialer{NetDialContext: att.netDial}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	att.timer.Stop()
	att.cancel()
	if err != nil {
		m.finish(att.gen, address, err)
		return
	}

	m.mu.Lock()
	if att.gen != m.gen || att.isAborted() {
		m.mu.Unlock()
		_ = conn.Close()
		m.finish(att.gen, address, errAborted)
		return
	}
	conn.SetReadLimit(m.cfg.MaxMessageSize)
	m.conn = conn
	m.att = nil
	m.setStateLocked(Connected, address)
	m.mu.Unlock()

	m.log.Info("link connected", logx.String("addr", address))
	m.readLoop(att.gen, address, conn)
}

func (m *Manager) readLoop(gen uint64, address string, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			m.finish(gen, address, err)
			return
		}

		m.mu.Lock()
		fn := m.inbound
		current := gen == m.gen
		m.mu.Unlock()
		if !current {
			return
		}
		if fn != nil {
			m.deliver(fn, payload)
		}
	}
}

func (m *Manager) deliver(fn func([]byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("link inbound handler panicked", logx.Any("panic", r))
		}
	}()
	fn(payload)
}

// finish resolves a close of attempt gen to disconnected.
func (m *Manager) finish(gen uint64, address string, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state.State == Disconnected {
		m.mu.Unlock()
		return
	}
	prev := m.state.State
	m.conn, m.att = nil, nil
	m.setStateLocked(Disconnected, "")
	m.mu.Unlock()

	if prev == Connected && websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.log.Info("link closed by peer", logx.String("addr", address))
		return
	}
	m.log.Warn("link lost", logx.String("addr", address), logx.String("from", string(prev)), logx.Err(cause))
}

// attempt tracks one in-flight connect so a timeout or Disconnect can abort
// it at any point of the dial.
type attempt struct {
	gen    uint64
	cancel context.CancelFunc
	timer  *clock.Timer

	mu      sync.Mutex
	aborted bool
	netConn net.Conn
}

func (a *attempt) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		_ = c.Close()
		return nil, errAborted
	}
	a.netConn = c
	return c, nil
}

func (a *attempt) abort() {
	a.mu.Lock()
	a.aborted = true
	c := a.netConn
	a.mu.Unlock()
	a.cancel()
	if c != nil {
		_ = c.Close()
	}
}

func (a *attempt) isAborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}
