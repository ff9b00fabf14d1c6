package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "captionrelay/pkg/logx"
)

const DefaultSchedule = "@every 1m"

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type ReporterConfig struct {
	Enabled  bool
	Schedule string
}

// Reporter logs a stats snapshot on a cron schedule.
type Reporter struct {
	src *Collector
	log logx.Logger

	mu   sync.Mutex
	cfg  ReporterConfig
	c    *cron.Cron
	last Snapshot
}

func NewReporter(cfg ReporterConfig, src *Collector, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		src: src,
		log: log,
		cfg: cfg,
	}
}

// ValidateSchedule reports whether spec parses; empty means the default.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("stats: schedule %q: %w", spec, err)
	}
	return nil
}

func (r *Reporter) Start(ctx context.Context) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked()
}

func (r *Reporter) startLocked() error {
	if r.c != nil || !r.cfg.Enabled {
		return nil
	}
	spec := strings.TrimSpace(r.cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("stats: schedule %q: %w", spec, err)
	}
	r.c = cron.New(cron.WithParser(specParser))
	r.c.Schedule(sched, cron.FuncJob(r.Report))
	r.c.Start()
	r.log.Info("stats reporter started", logx.String("schedule", spec))
	return nil
}

func (r *Reporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply restarts the schedule when the config changed.
func (r *Reporter) Apply(cfg ReporterConfig) error {
	r.mu.Lock()
	if r.cfg == cfg {
		r.mu.Unlock()
		return nil
	}
	r.cfg = cfg
	c := r.c
	r.c = nil
	r.mu.Unlock()

	if c != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
		cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked()
}

// Report logs the current totals and the change since the previous report.
func (r *Reporter) Report() {
	cur := r.src.Snapshot()
	r.mu.Lock()
	prev := r.last
	r.last = cur
	r.mu.Unlock()

	r.log.Info("relay stats",
		logx.Uint64("published", cur.Published),
		logx.Uint64("published_delta", cur.Published-prev.Published),
		logx.Uint64("received", sum(cur.Received)),
		logx.Uint64("received_delta", sum(cur.Received)-sum(prev.Received)),
		logx.Any("dropped", cur.Dropped),
		logx.Any("delivered", cur.Delivered),
		logx.Any("failed", cur.Failed),
		logx.Any("skipped", cur.Skipped),
	)
}

func sum(m map[string]uint64) uint64 {
	var n uint64
	for _, v := range m {
		n += v
	}
	return n
}
