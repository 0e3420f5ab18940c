// Package batcher coalesces notifications that arrive within a short window so
// a burst is handed to the queue in one step.
package batcher

import (
	"time"

	"tabnotify/internal/notification"
)

const DefaultWindow = 50 * time.Millisecond

// Batcher is polled by the loop; it owns no timers. Not safe for concurrent use.
type Batcher struct {
	window    time.Duration
	buf       []*notification.Notification
	openedAt  time.Time
	onRelease func([]*notification.Notification)
}

func New(window time.Duration) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Batcher{window: window}
}

func (b *Batcher) OnRelease(fn func([]*notification.Notification)) { b.onRelease = fn }

func (b *Batcher) SetWindow(d time.Duration) {
	if d > 0 {
		b.window = d
	}
}

// Add buffers n. The first Add after a release opens a new window at now.
func (b *Batcher) Add(n *notification.Notification, now time.Time) {
	if len(b.buf) == 0 {
		b.openedAt = now
	}
	b.buf = append(b.buf, n)
}

// Flush releases the buffer when the window has elapsed and reports whether it did.
func (b *Batcher) Flush(now time.Time) bool {
	if len(b.buf) == 0 || now.Sub(b.openedAt) < b.window {
		return false
	}
	return b.release()
}

// Drain releases whatever is buffered regardless of the window.
func (b *Batcher) Drain() bool { return b.release() }

func (b *Batcher) release() bool {
	if len(b.buf) == 0 {
		return false
	}
	out := b.buf
	b.buf = nil
	b.openedAt = time.Time{}
	if b.onRelease != nil {
		b.onRelease(out)
	}
	return true
}

// Pending returns the ids currently buffered.
func (b *Batcher) Pending() []string {
	out := make([]string, 0, len(b.buf))
	for _, n := range b.buf {
		out = append(out, n.ID)
	}
	return out
}

func (b *Batcher) Len() int { return len(b.buf) }
