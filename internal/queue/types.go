package queue

import "time"

// State is the lifecycle position of a queued notification.
type State int

const (
	StatePending State = iota
	StateQueued
	StateVisible
	StateDismissed
	StateMuted
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateQueued:
		return "queued"
	case StateVisible:
		return "visible"
	case StateDismissed:
		return "dismissed"
	case StateMuted:
		return "muted"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxVisible         = 5
	DefaultMinVisibleDuration = 3 * time.Second
	DefaultGroupWindow        = 2 * time.Minute
	DefaultInactivityTimeout  = 15 * time.Second
	DefaultReviveCooldown     = time.Second
	DefaultDismissedTTL       = 10 * time.Minute
)

type Config struct {
	MaxVisible         int
	MinVisibleDuration time.Duration
	GroupWindow        time.Duration
	InactivityTimeout  time.Duration
	ReviveCooldown     time.Duration
	DismissedTTL       time.Duration

	// Now is the engine clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxVisible <= 0 {
		c.MaxVisible = DefaultMaxVisible
	}
	if c.MinVisibleDuration < 0 {
		c.MinVisibleDuration = 0
	}
	if c.GroupWindow <= 0 {
		c.GroupWindow = DefaultGroupWindow
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.ReviveCooldown < 0 {
		c.ReviveCooldown = 0
	}
	if c.DismissedTTL <= 0 {
		c.DismissedTTL = DefaultDismissedTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// KeySet is the read view UpdateVisible filters with; keys are ids or group keys.
type KeySet interface {
	Has(key string) bool
}

// Set is a plain KeySet.
type Set map[string]struct{}

func (s Set) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s Set) Add(keys ...string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Dismissals records when a key was dismissed.
type Dismissals map[string]time.Time

func (d Dismissals) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// AddResult describes what Add did with a notification.
type AddResult struct {
	ID string
	// Created is true for a new slot, false for a merge into an existing one.
	Created bool
	// Reset is true when a group slot was restarted because the grouping window had passed.
	Reset bool
	// ReviveScheduled is true when this add armed a revive of a dismissed group.
	ReviveScheduled bool
	// Ignored is true when nothing changed (duplicate grouped message).
	Ignored bool
}

// ExpireResult lists ids removed or dismissed by Expire.
type ExpireResult struct {
	Idle     []string
	Outdated []string
}
