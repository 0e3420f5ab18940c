// Package queue is the presentation queue: it groups conversation messages,
// orders critical cards first and decides which cards are visible.
//
// The engine is not safe for concurrent use. The pipeline loop owns it and
// hands snapshots (clones) to readers.
package queue

import (
	"time"

	"tabnotify/internal/notification"
)

type item struct {
	n     *notification.Notification
	state State
	rev   uint64

	arrivedAt       time.Time
	lastInteraction time.Time
	visibleSince    time.Time
	dismissedAt     time.Time
	reviveAt        time.Time
}

func (it *item) key() string {
	if it.n.GroupKey != "" {
		return it.n.GroupKey
	}
	return it.n.ID
}

type visKey struct {
	id  string
	rev uint64
}

type Engine struct {
	cfg Config

	items []*item
	byKey map[string]*item

	dismissed Dismissals

	visible     []*notification.Notification
	visibleKeys []visKey
}

func New(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		byKey:     map[string]*item{},
		dismissed: Dismissals{},
	}
}

// Apply updates limits in place; queued entries are kept.
func (e *Engine) Apply(cfg Config) {
	if cfg.Now == nil {
		cfg.Now = e.cfg.Now
	}
	e.cfg = cfg.withDefaults()
}

func (e *Engine) Config() Config { return e.cfg }

// Dismissed exposes the engine's dismissal record for UpdateVisible.
func (e *Engine) Dismissed() Dismissals { return e.dismissed }

func (e *Engine) lookup(key string) *item {
	if it, ok := e.byKey[key]; ok {
		return it
	}
	return nil
}

// Add inserts n, or merges it into an existing slot with the same group key
// (or id for ungrouped notifications).
func (e *Engine) Add(n *notification.Notification) AddResult {
	now := e.cfg.Now()
	n = n.Clone()
	key := n.GroupKey
	if key == "" {
		key = n.ID
	}
	res := AddResult{ID: n.ID}

	it := e.lookup(key)
	if it == nil {
		it = &item{n: n, state: StateQueued, arrivedAt: now, lastInteraction: now}
		e.byKey[key] = it
		e.place(it)
		res.Created = true
		return res
	}

	incoming := n.Conversation()
	current := it.n.Conversation()
	newer := false
	switch {
	case incoming != nil && current != nil:
		newest := incoming.Latest()
		newer = newest.After(current.Latest())
		if newest.Sub(current.Latest()) > e.cfg.GroupWindow {
			it.n = n
			res.Reset = true
		} else {
			added := false
			for _, m := range incoming.Messages {
				if current.Insert(m) {
					added = true
				}
			}
			if !added {
				res.Ignored = true
				return res
			}
			if current.BusinessPhoneID == "" {
				current.BusinessPhoneID = incoming.BusinessPhoneID
			}
			notification.Recompose(it.n)
		}
	default:
		if !n.Timestamp.After(it.n.Timestamp) {
			res.Ignored = true
			return res
		}
		it.n = n
	}
	it.rev++

	if e.dismissed.Has(key) {
		// Late or replayed older messages merge silently; only a newer one revives.
		if newer && it.reviveAt.IsZero() {
			due := it.dismissedAt.Add(e.cfg.ReviveCooldown)
			if due.Before(now) {
				due = now
			}
			it.reviveAt = due
			res.ReviveScheduled = true
		}
		return res
	}

	it.lastInteraction = now
	if res.Reset {
		e.unlink(it)
		it.arrivedAt = now
		if it.state == StateVisible {
			it.state = StateQueued
			it.visibleSince = time.Time{}
		}
		e.place(it)
	}
	return res
}

// place inserts it after the last critical entry when critical, else at the back.
func (e *Engine) place(it *item) {
	if !it.n.IsCritical {
		e.items = append(e.items, it)
		return
	}
	idx := 0
	for i, cur := range e.items {
		if cur.n.IsCritical {
			idx = i + 1
		}
	}
	e.items = append(e.items, nil)
	copy(e.items[idx+1:], e.items[idx:])
	e.items[idx] = it
}

func (e *Engine) unlink(it *item) {
	for i, cur := range e.items {
		if cur == it {
			e.items = append(e.items[:i], e.items[i+1:]...)
			return
		}
	}
}

// UpdateVisible recomputes the displayable subset. Entries whose id or group
// key is in dismissed or muted are skipped. When the result equals the
// previous one the previous slice is returned with changed=false.
func (e *Engine) UpdateVisible(dismissed, muted KeySet) ([]*notification.Notification, bool) {
	now := e.cfg.Now()
	in := func(set KeySet, it *item) bool {
		return set != nil && (set.Has(it.n.ID) || (it.n.GroupKey != "" && set.Has(it.n.GroupKey)))
	}
	excluded := func(it *item) bool { return in(dismissed, it) || in(muted, it) }

	candidates := make([]*item, 0, len(e.items))
	for _, it := range e.items {
		if it.state == StateExpired || excluded(it) {
			continue
		}
		candidates = append(candidates, it)
	}

	limit := e.cfg.MaxVisible
	selected := make(map[*item]bool, limit)
	for i := 0; i < len(candidates) && i < limit; i++ {
		selected[candidates[i]] = true
	}
	// A recently shown non-critical card keeps its slot against non-critical newcomers.
	for _, it := range candidates {
		if selected[it] || !e.protected(it, now) {
			continue
		}
		var victim *item
		for i := len(candidates) - 1; i >= 0; i-- {
			c := candidates[i]
			if selected[c] && !c.n.IsCritical && c.state != StateVisible {
				victim = c
				break
			}
		}
		if victim == nil {
			break
		}
		delete(selected, victim)
		selected[it] = true
	}

	keys := make([]visKey, 0, limit)
	picked := make([]*item, 0, limit)
	for _, it := range candidates {
		if selected[it] {
			picked = append(picked, it)
			keys = append(keys, visKey{id: it.n.ID, rev: it.rev})
		}
	}

	for _, it := range e.items {
		switch {
		case selected[it]:
			if it.state != StateVisible {
				it.state = StateVisible
				it.visibleSince = now
			}
		case it.state == StateVisible:
			it.state = StateQueued
			it.visibleSince = time.Time{}
			if in(muted, it) {
				it.state = StateMuted
			} else if in(dismissed, it) {
				it.state = StateDismissed
			}
		}
	}

	if sameKeys(keys, e.visibleKeys) && e.visible != nil {
		return e.visible, false
	}
	out := make([]*notification.Notification, 0, len(picked))
	for _, it := range picked {
		out = append(out, it.n.Clone())
	}
	e.visible = out
	e.visibleKeys = keys
	return out, true
}

func (e *Engine) protected(it *item, now time.Time) bool {
	return it.state == StateVisible && !it.n.IsCritical &&
		now.Sub(it.visibleSince) < e.cfg.MinVisibleDuration
}

func sameKeys(a, b []visKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Dismiss hides the entry for key (id or group key). Grouped entries stay
// queued so a newer message can revive them.
func (e *Engine) Dismiss(key string) bool {
	it := e.lookup(key)
	if it == nil {
		return false
	}
	now := e.cfg.Now()
	e.dismissed[it.key()] = now
	it.dismissedAt = now
	it.reviveAt = time.Time{}
	it.state = StateDismissed
	it.visibleSince = time.Time{}
	return true
}

// Touch refreshes the last interaction time of key.
func (e *Engine) Touch(key string) bool {
	it := e.lookup(key)
	if it == nil {
		return false
	}
	it.lastInteraction = e.cfg.Now()
	return true
}

// Revive un-dismisses grouped entries whose cooldown has elapsed and returns their ids.
func (e *Engine) Revive(now time.Time) []string {
	var out []string
	for _, it := range e.items {
		if it.reviveAt.IsZero() || now.Before(it.reviveAt) {
			continue
		}
		it.reviveAt = time.Time{}
		it.dismissedAt = time.Time{}
		delete(e.dismissed, it.key())
		it.state = StateQueued
		it.lastInteraction = now
		out = append(out, it.n.ID)
	}
	return out
}

// Expire dismisses visible non-critical entries idle past the inactivity
// timeout and removes system entries past their expiry time.
func (e *Engine) Expire(now time.Time) ExpireResult {
	var res ExpireResult
	kept := e.items[:0]
	for _, it := range e.items {
		if sd := it.n.System(); sd != nil && !sd.ExpiresAt.IsZero() && !now.Before(sd.ExpiresAt) {
			delete(e.byKey, it.key())
			delete(e.dismissed, it.key())
			res.Outdated = append(res.Outdated, it.n.ID)
			continue
		}
		kept = append(kept, it)
		if it.state != StateVisible || it.n.IsCritical {
			continue
		}
		if now.Sub(it.lastInteraction) > e.cfg.InactivityTimeout {
			e.dismissed[it.key()] = now
			it.dismissedAt = now
			it.state = StateExpired
			it.visibleSince = time.Time{}
			res.Idle = append(res.Idle, it.n.ID)
		}
	}
	for i := len(kept); i < len(e.items); i++ {
		e.items[i] = nil
	}
	e.items = kept
	return res
}

// Remove drops the entry for key entirely (mute, clear, archive).
func (e *Engine) Remove(key string) bool {
	it := e.lookup(key)
	if it == nil {
		return false
	}
	e.unlink(it)
	delete(e.byKey, it.key())
	delete(e.dismissed, it.key())
	return true
}

// RemoveWhere drops every entry matching fn and returns the removed ids.
func (e *Engine) RemoveWhere(fn func(*notification.Notification) bool) []string {
	var out []string
	kept := e.items[:0]
	for _, it := range e.items {
		if fn(it.n) {
			delete(e.byKey, it.key())
			delete(e.dismissed, it.key())
			out = append(out, it.n.ID)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(e.items); i++ {
		e.items[i] = nil
	}
	e.items = kept
	return out
}

// Sweep garbage-collects dismissed entries older than DismissedTTL.
func (e *Engine) Sweep(now time.Time) int {
	n := 0
	for key, at := range e.dismissed {
		if now.Sub(at) <= e.cfg.DismissedTTL {
			continue
		}
		it := e.lookup(key)
		if it != nil && !it.reviveAt.IsZero() {
			continue
		}
		if it != nil {
			e.unlink(it)
			delete(e.byKey, key)
		}
		delete(e.dismissed, key)
		n++
	}
	return n
}

// GetNotification returns a copy of the entry for groupKey (or id).
func (e *Engine) GetNotification(groupKey string) (*notification.Notification, bool) {
	it := e.lookup(groupKey)
	if it == nil {
		return nil, false
	}
	return it.n.Clone(), true
}

// GetVisible returns the last computed visible set.
func (e *Engine) GetVisible() []*notification.Notification { return e.visible }

// State reports the lifecycle state of key.
func (e *Engine) State(key string) (State, bool) {
	it := e.lookup(key)
	if it == nil {
		return 0, false
	}
	return it.state, true
}

func (e *Engine) Len() int { return len(e.items) }

// PendingRevives counts dismissed groups waiting for their cooldown.
func (e *Engine) PendingRevives() int {
	n := 0
	for _, it := range e.items {
		if !it.reviveAt.IsZero() {
			n++
		}
	}
	return n
}
