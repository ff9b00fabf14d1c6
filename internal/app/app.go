package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"captionrelay/internal/config"
	"captionrelay/internal/emotes"
	"captionrelay/internal/hub"
	"captionrelay/internal/link"
	"captionrelay/internal/observability/stats"
	"captionrelay/internal/router"
	rtsup "captionrelay/internal/runtime/supervisor"
	"captionrelay/internal/settings"
	"captionrelay/internal/storage"
	"captionrelay/internal/textevent"
	"captionrelay/internal/topicbus"
	logx "captionrelay/pkg/logx"
)

type Option func(*options)

type options struct {
	peers   router.Sink
	onError func(error)
}

// WithPeerSink sets the mesh-peer broadcast destination. The default drops
// everything.
func WithPeerSink(s router.Sink) Option { return func(o *options) { o.peers = s } }

// WithLinkErrorHandler receives link precondition failures (busy, invalid
// address, self connect) for display to the user.
func WithLinkErrorHandler(fn func(error)) Option { return func(o *options) { o.onError = fn } }

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus      *topicbus.Bus
	registry *textevent.Registry
	table    *emotes.Table
	enricher *emotes.Enricher
	settings *settings.Store
	link     *link.Manager
	hub      *hub.Hub
	router   *router.Router
	stats    *stats.Collector
	reporter *stats.Reporter
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{peers: router.NopSink}
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	// Map everything up front: once settings are open nothing below fails.
	linkCfg, err := mapLinkConfig(cfg)
	if err != nil {
		return nil, err
	}
	hubCfg, err := mapHubConfig(cfg)
	if err != nil {
		return nil, err
	}
	rcfg, err := mapRouterConfig(cfg)
	if err != nil {
		return nil, err
	}
	setCfg, err := mapSettingsConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, storageEnabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Settings (storage backend optional; memory otherwise)
	var backend storage.Store
	if storageEnabled {
		b, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		backend = b
		log.Info("settings storage enabled", logx.String("driver", sc.Driver))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := settings.Open(ctx, backend, setCfg, logSvc.Logger().With(logx.String("comp", "settings")))
	cancel()
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}

	collector := stats.New()
	bus := topicbus.New(logSvc.Logger().With(logx.String("comp", "bus")))
	table := emotes.NewTable(cfg.Emotes.Table)
	enricher := emotes.NewEnricher(table, cfg.Emotes.CacheSize)

	linkLog := logSvc.Logger().With(logx.String("comp", "link"))
	onError := o.onError
	if onError == nil {
		onError = func(err error) { linkLog.Warn("link request rejected", logx.Err(err)) }
	}
	lm := link.New(linkCfg, st, linkLog, link.WithErrorHandler(onError))
	h := hub.New(hubCfg, logSvc.Logger().With(logx.String("comp", "hub")), hub.WithMetrics(collector.Handler()))

	var relay router.Sink = router.NopSink
	if hubCfg.Enabled {
		relay = h
	}
	r := router.New(rcfg, bus, enricher, logSvc.Logger().With(logx.String("comp", "router")),
		router.WithPeers(o.peers),
		router.WithRelay(relay),
		router.WithLink(lm),
		router.WithSettings(st),
		router.WithRecorder(collector),
	)
	h.HandleInbound(func(p []byte) { r.Receive(p, router.CloudRelay) })
	lm.HandleInbound(func(p []byte) { r.Receive(p, router.DirectLink) })

	reporter := stats.NewReporter(mapReporterConfig(cfg), collector, logSvc.Logger().With(logx.String("comp", "stats")))

	log.Info("app configured",
		logx.String("role", string(rcfg.Role)),
		logx.String("self", st.SelfAddress()),
		logx.Bool("hub", hubCfg.Enabled),
	)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		registry: textevent.NewRegistry(),
		table:    table,
		enricher: enricher,
		settings: st,
		link:     lm,
		hub:      h,
		router:   r,
		stats:    collector,
		reporter: reporter,
	}, nil
}

// PublishText publishes a locally produced event to every destination.
func (a *App) PublishText(topic string, ev textevent.TextEvent) error {
	return a.router.PublishText(topic, ev)
}

// ReceiveFromPeer feeds a payload from the mesh-peer transport.
func (a *App) ReceiveFromPeer(raw []byte) bool {
	return a.router.Receive(raw, router.MeshPeer)
}

// ConnectLink dials address, or the stored link address when empty. An
// accepted address is remembered in settings.
func (a *App) ConnectLink(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		address = a.settings.LinkAddress()
	}
	if err := a.link.Connect(address); err != nil {
		return err
	}
	a.settings.SetLinkAddress(address)
	return nil
}

func (a *App) Link() *link.Manager           { return a.link }
func (a *App) Bus() *topicbus.Bus            { return a.bus }
func (a *App) Registry() *textevent.Registry { return a.registry }
func (a *App) Settings() *settings.Store     { return a.settings }
func (a *App) Router() *router.Router        { return a.router }
func (a *App) Hub() *hub.Hub                 { return a.hub }
func (a *App) Stats() *stats.Collector       { return a.stats }
func (a *App) Config() *config.ConfigManager { return a.cfgm }
func (a *App) Logger() logx.Logger           { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.hub.Start(a.sup.Context())
	if err := a.reporter.Start(a.sup.Context()); err != nil {
		return err
	}

	states, unsub := a.link.Subscribe(8)
	a.stats.LinkState(string(a.link.State().State), linkStates)
	a.sup.Go("link.state", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case s, ok := <-states:
				if !ok {
					return nil
				}
				a.stats.LinkState(string(s.State), linkStates)
				a.log.Debug("link state", logx.String("state", string(s.State)), logx.String("address", s.Address))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Link.AutoConnect && a.settings.LinkAddress() != "" {
		if err := a.ConnectLink(""); err != nil {
			a.log.Warn("link auto-connect failed", logx.String("address", a.settings.LinkAddress()), logx.Err(err))
		}
	}

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

var linkStates = []string{
	string(link.Disconnected),
	string(link.Connecting),
	string(link.Connected),
	string(link.Error),
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStores(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("link", time.Second, func(context.Context) error { return a.link.Close() })
	step("hub", 2*time.Second, a.hub.Stop)
	step("stats", time.Second, func(c context.Context) error { a.reporter.Stop(c); return nil })
	step("settings", 2*time.Second, a.closeStores)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	errs = multierr.Append(errs, a.logs.Close())
	return errs
}

func (a *App) closeStores(ctx context.Context) error {
	return a.settings.Close(ctx)
}

// boundedContext never extends the caller's deadline.
func boundedContext(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}
