package pipeline

import (
	"context"
	"time"

	"tabnotify/internal/eventbus"
	"tabnotify/internal/notification"
	"tabnotify/internal/queue"
)

// Snapshot is the read view handed to presentation. Visible entries are copies.
type Snapshot struct {
	Version    uint64
	At         time.Time
	Visible    []*notification.Notification
	Total      int
	Pending    int
	Revivable  int
	Muted      []string
	Connected  bool
	Foreground bool
}

// Subscribe returns a channel that always holds the latest snapshot only.
// The current snapshot is delivered immediately.
func (p *Pipeline) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	p.subMu.Lock()
	p.subID++
	id := p.subID
	p.subs[id] = ch
	if p.last.Version > 0 {
		ch <- p.last
	}
	p.subMu.Unlock()
	return ch, func() {
		p.subMu.Lock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
		p.subMu.Unlock()
	}
}

// Snapshot builds a fresh snapshot on the loop.
func (p *Pipeline) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := p.loop.Do(ctx, func() { s = p.snapshot() })
	return s, err
}

func (p *Pipeline) snapshot() Snapshot {
	vis := p.queue.GetVisible()
	out := make([]*notification.Notification, 0, len(vis))
	for _, n := range vis {
		out = append(out, n.Clone())
	}
	return Snapshot{
		Version:    p.version,
		At:         p.now(),
		Visible:    out,
		Total:      p.queue.Len(),
		Pending:    p.batch.Len(),
		Revivable:  p.queue.PendingRevives(),
		Muted:      p.coord.MutedIDs(),
		Connected:  p.connected,
		Foreground: p.foreground,
	}
}

// flush publishes a snapshot when something changed since the last one.
func (p *Pipeline) flush() bool {
	if !p.dirty {
		return false
	}
	p.dirty = false
	p.version++
	s := p.snapshot()

	p.subMu.Lock()
	p.last = s
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
	p.subMu.Unlock()
	return true
}

// refresh recomputes the visible set and marks the snapshot dirty when it changed.
func (p *Pipeline) refresh() {
	vis, changed := p.queue.UpdateVisible(p.queue.Dismissed(), mutedSet{p.coord})
	if !changed {
		return
	}
	p.dirty = true
	next := make(map[string]bool, len(vis))
	for _, n := range vis {
		next[n.ID] = true
		if !p.shown[n.ID] {
			p.notice(eventbus.TypeShown, n, "")
		}
	}
	p.shown = next
}

// stateOf exposes the queue state of key, mainly for tests and diagnostics.
func (p *Pipeline) stateOf(key string) (queue.State, bool) { return p.queue.State(key) }
