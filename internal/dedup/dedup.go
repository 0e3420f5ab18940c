// Package dedup keeps bounded memories of what the pipeline already accepted.
//
// Neither type is safe for concurrent use; both are owned by the event loop.
package dedup

import (
	"container/list"
	"time"
)

const DefaultMaxEntries = 1000

type Config struct {
	// MaxEntries caps remembered ids; the least recently accepted is evicted first.
	MaxEntries int
	// Window, when > 0, forgets ids not accepted for longer than Window at Sweep.
	Window time.Duration
}

type entry struct {
	id       string
	ts       time.Time
	accepted time.Time
}

// Deduplicator drops a notification id unless it carries a strictly newer
// timestamp than the last accepted one.
type Deduplicator struct {
	cfg   Config
	order *list.List // front = oldest acceptance
	byID  map[string]*list.Element
}

func New(cfg Config) *Deduplicator {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	return &Deduplicator{cfg: cfg, order: list.New(), byID: map[string]*list.Element{}}
}

// ShouldDrop reports whether (id, ts) is a duplicate. Accepted pairs are recorded.
func (d *Deduplicator) ShouldDrop(id string, ts time.Time) bool {
	return d.ShouldDropAt(id, ts, time.Now())
}

// ShouldDropAt is ShouldDrop with an explicit acceptance clock.
func (d *Deduplicator) ShouldDropAt(id string, ts, now time.Time) bool {
	if el, ok := d.byID[id]; ok {
		e := el.Value.(*entry)
		if !ts.After(e.ts) {
			return true
		}
		e.ts = ts
		e.accepted = now
		d.order.MoveToBack(el)
		return false
	}
	d.byID[id] = d.order.PushBack(&entry{id: id, ts: ts, accepted: now})
	for d.order.Len() > d.cfg.MaxEntries {
		d.evict(d.order.Front())
	}
	return false
}

// Forget removes id so the next delivery is accepted regardless of timestamp.
func (d *Deduplicator) Forget(id string) {
	if el, ok := d.byID[id]; ok {
		d.evict(el)
	}
}

// Sweep drops entries older than the window and returns how many were removed.
func (d *Deduplicator) Sweep(now time.Time) int {
	if d.cfg.Window <= 0 {
		return 0
	}
	n := 0
	for el := d.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.accepted) <= d.cfg.Window {
			break
		}
		next := el.Next()
		d.evict(el)
		n++
		el = next
	}
	return n
}

func (d *Deduplicator) Len() int { return d.order.Len() }

func (d *Deduplicator) evict(el *list.Element) {
	e := d.order.Remove(el).(*entry)
	delete(d.byID, e.id)
}
