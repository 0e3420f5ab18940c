// Package eventbus fans out lifecycle signals (accepted, throttled, shown,
// dismissed, effect failures) to diagnostics without putting them on the
// notification correctness path.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline and its helpers.
const (
	TypeReceived   = "notification.received"
	TypeRejected   = "notification.rejected"
	TypeDuplicate  = "notification.duplicate"
	TypeSuppressed = "notification.suppressed"
	TypeThrottled  = "notification.throttled"
	TypeQueued     = "notification.queued"
	TypeMerged     = "notification.merged"
	TypeShown      = "notification.shown"
	TypeDismissed  = "notification.dismissed"
	TypeExpired    = "notification.expired"
	TypeRevived    = "notification.revived"
	TypeRemoved    = "notification.removed"

	TypeTransportConnected    = "transport.connected"
	TypeTransportDisconnected = "transport.disconnected"
	TypeReplayFetched         = "replay.fetched"
	TypeReplayFailed          = "replay.failed"

	TypeEffectDone   = "effect.done"
	TypeEffectFailed = "effect.failed"
	TypeTaskFailed   = "task.failed"
)

// Event is a small in-memory signal. Publish never blocks; a slow subscriber
// loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Counter is implemented by buses that count lost deliveries.
type Counter interface {
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, "")
}

// SubscribePrefix subscribes to event types starting with prefix, e.g. "notification.".
func SubscribePrefix(bus Bus, buffer int, prefix string) (<-chan Event, func()) {
	if mb, ok := bus.(*memBus); ok {
		return mb.subscribe(buffer, prefix)
	}
	return bus.Subscribe(buffer)
}

func (b *memBus) subscribe(buffer int, prefix string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefix: prefix}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Publish is a nil-safe helper.
func Publish(bus Bus, typ string, data any) {
	if bus == nil {
		return
	}
	bus.Publish(Event{Type: typ, Data: data})
}

// Notice is the payload of notification.* events.
type Notice struct {
	ID       string `json:"id"`
	GroupKey string `json:"groupKey,omitempty"`
	Source   string `json:"source,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Connection is the payload of transport.* events.
type Connection struct {
	Reconnect bool   `json:"reconnect"`
	Error     string `json:"error,omitempty"`
}

// Replay is the payload of replay.* events.
type Replay struct {
	Since time.Time `json:"since"`
	Count int       `json:"count"`
	Error string    `json:"error,omitempty"`
}
