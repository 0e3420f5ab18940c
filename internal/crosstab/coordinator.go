package crosstab

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	logx "tabnotify/pkg/logx"
)

const (
	DefaultMuteTTL      = 8 * time.Hour
	defaultWriteTimeout = 500 * time.Millisecond
)

// Verdict is the outcome of the conversation eligibility gate.
type Verdict int

const (
	Eligible Verdict = iota
	SuppressedArchived
	SuppressedMuted
	SuppressedRead
	SuppressedActive
)

func (v Verdict) String() string {
	switch v {
	case Eligible:
		return "eligible"
	case SuppressedArchived:
		return "archived"
	case SuppressedMuted:
		return "muted"
	case SuppressedRead:
		return "read"
	case SuppressedActive:
		return "active"
	default:
		return "unknown"
	}
}

// ActivePointer names the conversation open in some tab.
type ActivePointer struct {
	ConversationID string    `json:"conversationId"`
	TabID          string    `json:"tabId"`
	Visible        bool      `json:"visible"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Config struct {
	TabID   string
	MuteTTL time.Duration
	Now     func() time.Time
}

// Coordinator caches the shared keys. It is owned by the event loop: Apply,
// Eligible and the mutators must all be called from the same goroutine.
type Coordinator struct {
	store Store
	log   logx.Logger
	tabID string
	ttl   time.Duration
	now   func() time.Time

	muted    map[string]time.Time
	archived map[string]struct{}
	lastRead map[string]time.Time
	active   ActivePointer
}

func NewCoordinator(store Store, cfg Config, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MuteTTL <= 0 {
		cfg.MuteTTL = DefaultMuteTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store:    store,
		log:      log,
		tabID:    cfg.TabID,
		ttl:      cfg.MuteTTL,
		now:      cfg.Now,
		muted:    map[string]time.Time{},
		archived: map[string]struct{}{},
		lastRead: map[string]time.Time{},
	}
}

func (c *Coordinator) SetMuteTTL(d time.Duration) {
	if d > 0 {
		c.ttl = d
	}
}

// Load fills the cache from the store.
func (c *Coordinator) Load(ctx context.Context) error {
	for _, key := range Keys {
		b, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			c.decode(key, b)
		}
	}
	return nil
}

// Apply refreshes the cache from a sibling change and reports whether the key is known.
func (c *Coordinator) Apply(ch Change) bool {
	return c.decode(ch.Key, ch.Value)
}

func (c *Coordinator) decode(key string, b []byte) bool {
	var err error
	switch key {
	case KeyMuted:
		var m map[string]int64
		if err = json.Unmarshal(b, &m); err == nil {
			c.muted = fromMillis(m)
		}
	case KeyArchived:
		var ids []string
		if err = json.Unmarshal(b, &ids); err == nil {
			c.archived = make(map[string]struct{}, len(ids))
			for _, id := range ids {
				c.archived[id] = struct{}{}
			}
		}
	case KeyLastRead:
		var m map[string]int64
		if err = json.Unmarshal(b, &m); err == nil {
			c.lastRead = fromMillis(m)
		}
	case KeyActive:
		var p ActivePointer
		if len(b) == 0 || string(b) == "null" {
			c.active = ActivePointer{}
		} else if err = json.Unmarshal(b, &p); err == nil {
			c.active = p
		}
	default:
		return false
	}
	if err != nil {
		c.log.Warn("crosstab value ignored", logx.String("key", key), logx.Err(err))
		return false
	}
	return true
}

// Eligible runs the conversation gate for a message at ts.
func (c *Coordinator) Eligible(conversationID string, ts time.Time) Verdict {
	if _, ok := c.archived[conversationID]; ok {
		return SuppressedArchived
	}
	if c.IsMuted(conversationID) {
		return SuppressedMuted
	}
	if lr, ok := c.lastRead[conversationID]; ok && !ts.After(lr) {
		return SuppressedRead
	}
	if c.active.ConversationID == conversationID && c.active.Visible && conversationID != "" {
		return SuppressedActive
	}
	return Eligible
}

func (c *Coordinator) IsMuted(conversationID string) bool {
	at, ok := c.muted[conversationID]
	return ok && c.now().Sub(at) < c.ttl
}

func (c *Coordinator) IsArchived(conversationID string) bool {
	_, ok := c.archived[conversationID]
	return ok
}

func (c *Coordinator) LastRead(conversationID string) (time.Time, bool) {
	t, ok := c.lastRead[conversationID]
	return t, ok
}

func (c *Coordinator) Active() ActivePointer { return c.active }

// MutedIDs lists conversations currently muted.
func (c *Coordinator) MutedIDs() []string {
	out := make([]string, 0, len(c.muted))
	for id := range c.muted {
		if c.IsMuted(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) Mute(ctx context.Context, conversationID string) error {
	c.muted[conversationID] = c.now()
	return c.write(ctx, KeyMuted, toMillis(c.muted))
}

func (c *Coordinator) Unmute(ctx context.Context, conversationID string) error {
	if _, ok := c.muted[conversationID]; !ok {
		return nil
	}
	delete(c.muted, conversationID)
	return c.write(ctx, KeyMuted, toMillis(c.muted))
}

// PruneMutes drops mutes older than the TTL and returns how many were removed.
func (c *Coordinator) PruneMutes(ctx context.Context) (int, error) {
	n := 0
	for id := range c.muted {
		if !c.IsMuted(id) {
			delete(c.muted, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, c.write(ctx, KeyMuted, toMillis(c.muted))
}

func (c *Coordinator) Archive(ctx context.Context, ids ...string) error {
	added := false
	for _, id := range ids {
		if _, ok := c.archived[id]; !ok && id != "" {
			c.archived[id] = struct{}{}
			added = true
		}
	}
	if !added {
		return nil
	}
	return c.write(ctx, KeyArchived, c.archivedList())
}

// ReplaceArchived swaps the archived set, e.g. after fetching it from the server.
func (c *Coordinator) ReplaceArchived(ctx context.Context, ids []string) error {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	c.archived = next
	return c.write(ctx, KeyArchived, c.archivedList())
}

// MarkRead advances the last-read time; it never moves backwards.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string, at time.Time) error {
	if cur, ok := c.lastRead[conversationID]; ok && !at.After(cur) {
		return nil
	}
	c.lastRead[conversationID] = at
	return c.write(ctx, KeyLastRead, toMillis(c.lastRead))
}

// SetActive publishes the conversation this tab shows; empty id clears the
// pointer when this tab owns it.
func (c *Coordinator) SetActive(ctx context.Context, conversationID string, visible bool) error {
	if conversationID == "" {
		if c.active.TabID != c.tabID || c.active.ConversationID == "" {
			return nil
		}
		c.active = ActivePointer{}
		return c.write(ctx, KeyActive, nil)
	}
	c.active = ActivePointer{ConversationID: conversationID, TabID: c.tabID, Visible: visible, UpdatedAt: c.now()}
	return c.write(ctx, KeyActive, c.active)
}

// SetVisible updates the visibility flag of the pointer when this tab owns it.
func (c *Coordinator) SetVisible(ctx context.Context, visible bool) error {
	if c.active.TabID != c.tabID || c.active.ConversationID == "" || c.active.Visible == visible {
		return nil
	}
	return c.SetActive(ctx, c.active.ConversationID, visible)
}

func (c *Coordinator) archivedList() []string {
	out := make([]string, 0, len(c.archived))
	for id := range c.archived {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) write(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return c.store.Set(wctx, key, b)
}

func toMillis(m map[string]time.Time) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v.UnixMilli()
	}
	return out
}

func fromMillis(m map[string]int64) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = time.UnixMilli(v)
	}
	return out
}
