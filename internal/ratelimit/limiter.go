// Package ratelimit throttles bursts per notification source.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	logx "tabnotify/pkg/logx"
)

const (
	DefaultEvents = 20
	DefaultWindow = 10 * time.Second
)

type Config struct {
	// Events admitted per Window; also the burst size.
	Events int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Events <= 0 {
		c.Events = DefaultEvents
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
	dropped  int
	lastDrop string
}

// Limiter holds one token bucket per source. Owned by the event loop.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	log     logx.Logger
	buckets map[string]*bucket
}

func New(cfg Config, now func() time.Time, log logx.Logger) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{cfg: cfg.withDefaults(), now: now, log: log, buckets: map[string]*bucket{}}
}

// Apply swaps the budget. Existing buckets are rebuilt on their next use.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	if cfg == l.cfg {
		return
	}
	l.cfg = cfg
	l.buckets = map[string]*bucket{}
}

// ShouldThrottle consumes one token for source and reports whether the event
// identified by id must be dropped. The first drop of a burst is logged.
func (l *Limiter) ShouldThrottle(source, id string) bool {
	now := l.now()
	b, ok := l.buckets[source]
	if !ok {
		every := l.cfg.Window / time.Duration(l.cfg.Events)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), l.cfg.Events)}
		l.buckets[source] = b
	}
	b.lastSeen = now
	if b.lim.AllowN(now, 1) {
		b.dropped = 0
		return false
	}
	if b.dropped == 0 {
		l.log.Debug("source throttling started", logx.String("source", source), logx.String("id", id))
	}
	b.dropped++
	b.lastDrop = id
	return true
}

// Dropped reports how many events from source were dropped since it last
// admitted one, and the id of the latest dropped event.
func (l *Limiter) Dropped(source string) (int, string) {
	b, ok := l.buckets[source]
	if !ok {
		return 0, ""
	}
	return b.dropped, b.lastDrop
}

// Sweep releases buckets idle for longer than one window. Returns the number released.
func (l *Limiter) Sweep(now time.Time) int {
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.Window {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

func (l *Limiter) Buckets() int { return len(l.buckets) }
