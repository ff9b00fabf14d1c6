package logx

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limited caps how often a repetitive message is written. Events over the
// limit are counted and the count is attached to the next written event as
// "suppressed".
type Limited struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited allows perSec events per second with the given burst.
func NewLimited(log Logger, perSec float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{log: log, lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (l *Limited) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l *Limited) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l *Limited) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }

// Suppressed returns the number of events dropped since the last written one.
func (l *Limited) Suppressed() uint64 { return l.suppressed.Load() }

func (l *Limited) emit(level zerolog.Level, msg string, fields []Field) {
	if !l.log.Enabled(level) {
		return
	}
	if !l.lim.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	l.log.emit(2, level, msg, fields)
}
