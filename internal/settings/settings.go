// Package settings holds the instance's persisted user settings.
//
// The relay core only reads them (self id, self address, STT mute). Writes come
// from the operator surface and are saved after a short debounce so bursts of
// toggles produce one write.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"captionrelay/internal/eventbus"
	"captionrelay/internal/storage"
	logx "captionrelay/pkg/logx"
)

const (
	DefaultIP           = "127.0.0.1"
	DefaultPort         = 3030
	DefaultSaveDebounce = time.Second
)

type Document struct {
	ID          string  `json:"id"`
	LinkAddress string  `json:"linkAddress"`
	Network     Network `json:"network"`
	STT         STT     `json:"stt"`
}

type Network struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type STT struct {
	Muted bool `json:"muted"`
}

// Address is the ip:port other instances dial to reach this one.
func (n Network) Address() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// normalize fills defaults. It reports whether anything changed.
func (d *Document) normalize() bool {
	changed := false
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
		changed = true
	}
	if strings.TrimSpace(d.Network.IP) == "" {
		d.Network.IP = DefaultIP
		changed = true
	}
	if d.Network.Port <= 0 || d.Network.Port > 65535 {
		d.Network.Port = DefaultPort
		changed = true
	}
	return changed
}

type Config struct {
	SaveDebounce time.Duration
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clk = c } }

type Store struct {
	backend  storage.Store
	log      logx.Logger
	clk      clock.Clock
	debounce time.Duration
	feed     *eventbus.Feed[Document]

	mu    sync.RWMutex
	doc   Document
	dirty bool
	timer *clock.Timer

	// serializes backend writes so an older snapshot never lands last
	saveMu sync.Mutex
}

// Open loads the document from backend, filling defaults. A nil backend keeps
// settings in memory only. A corrupt document is replaced by defaults.
func Open(ctx context.Context, backend storage.Store, cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if backend == nil {
		backend = storage.NewMemory()
	}
	s := &Store{
		backend:  backend,
		log:      log,
		clk:      clock.New(),
		debounce: cfg.SaveDebounce,
		feed:     eventbus.NewFeed[Document](),
	}
	if s.debounce <= 0 {
		s.debounce = DefaultSaveDebounce
	}
	for _, o := range opts {
		o(s)
	}

	raw, ok, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &s.doc); err != nil {
			log.Warn("settings document unreadable, using defaults", logx.Err(err))
			s.doc = Document{}
		}
	}
	if s.doc.normalize() || !ok {
		s.dirty = true
		s.scheduleLocked()
	}
	log.Info("settings loaded",
		logx.String("id", s.doc.ID),
		logx.String("addr", s.doc.Network.Address()),
		logx.Bool("stt_muted", s.doc.STT.Muted),
	)
	return s, nil
}

func (s *Store) Get() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

func (s *Store) SelfID() string { return s.Get().ID }

func (s *Store) SelfAddress() string { return s.Get().Network.Address() }

func (s *Store) STTMuted() bool { return s.Get().STT.Muted }

func (s *Store) LinkAddress() string { return s.Get().LinkAddress }

// Subscribe returns documents published after each effective change.
func (s *Store) Subscribe(buffer int) (<-chan Document, func()) {
	return s.feed.Subscribe(buffer)
}

// Update applies fn to a copy of the document. Defaults are re-applied
// afterwards. It returns the resulting document and whether it changed.
func (s *Store) Update(fn func(d *Document)) (Document, bool) {
	s.mu.Lock()
	next := s.doc
	fn(&next)
	next.normalize()
	if next == s.doc {
		s.mu.Unlock()
		return next, false
	}
	s.doc = next
	s.dirty = true
	s.scheduleLocked()
	s.mu.Unlock()

	s.feed.Publish(next)
	return next, true
}

func (s *Store) SetSTTMuted(muted bool) bool {
	_, changed := s.Update(func(d *Document) { d.STT.Muted = muted })
	return changed
}

func (s *Store) SetLinkAddress(addr string) bool {
	_, changed := s.Update(func(d *Document) { d.LinkAddress = strings.TrimSpace(addr) })
	return changed
}

func (s *Store) scheduleLocked() {
	if s.timer != nil {
		s.timer.Reset(s.debounce)
		return
	}
	s.timer = s.clk.AfterFunc(s.debounce, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.log.Warn("settings save failed", logx.Err(err))
		}
	})
}

// Flush writes pending changes now.
func (s *Store) Flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	doc := s.doc
	s.dirty = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	b, err := json.Marshal(doc)
	if err == nil {
		err = s.backend.Save(ctx, b)
	}
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("settings: save: %w", err)
	}
	s.log.Debug("settings saved")
	return nil
}

// Close flushes pending changes and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return multierr.Append(err, s.backend.Close())
}
