package crosstab

import (
	"context"
	"sync"
)

// Hub is an in-process backend shared by several Memory stores (one per tab).
type Hub struct {
	mu   sync.Mutex
	data map[string][]byte
	subs map[*memorySub]struct{}
}

// memorySub coalesces undelivered changes by key, so a slow watcher always
// ends up with the latest value of every key it missed.
type memorySub struct {
	origin string
	out    chan Change
	wake   chan struct{}

	mu      sync.Mutex
	pending map[string]Change
	order   []string
}

func (s *memorySub) push(c Change) {
	s.mu.Lock()
	if _, ok := s.pending[c.Key]; !ok {
		s.order = append(s.order, c.Key)
	}
	s.pending[c.Key] = c
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) pop() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return Change{}, false
	}
	key := s.order[0]
	s.order = s.order[1:]
	c := s.pending[key]
	delete(s.pending, key)
	return c, true
}

func NewHub() *Hub {
	return &Hub{data: map[string][]byte{}, subs: map[*memorySub]struct{}{}}
}

// Memory is a Store backed by a Hub.
type Memory struct {
	hub    *Hub
	origin string
}

// NewMemory attaches a tab to hub. A nil hub creates a private one.
func NewMemory(hub *Hub, origin string) *Memory {
	if hub == nil {
		hub = NewHub()
	}
	return &Memory{hub: hub, origin: origin}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	v, ok := m.hub.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	v := append([]byte(nil), value...)
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.hub.data[key] = v
	for s := range m.hub.subs {
		if s.origin == m.origin {
			continue
		}
		s.push(Change{Key: key, Value: v, Origin: m.origin})
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context) (<-chan Change, error) {
	s := &memorySub{
		origin:  m.origin,
		out:     make(chan Change, 64),
		wake:    make(chan struct{}, 1),
		pending: map[string]Change{},
	}
	m.hub.mu.Lock()
	m.hub.subs[s] = struct{}{}
	m.hub.mu.Unlock()
	go func() {
		defer func() {
			m.hub.mu.Lock()
			delete(m.hub.subs, s)
			m.hub.mu.Unlock()
			close(s.out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			for c, ok := s.pop(); ok; c, ok = s.pop() {
				select {
				case s.out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return s.out, nil
}

func (m *Memory) Close() error { return nil }
