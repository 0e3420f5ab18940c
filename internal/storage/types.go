package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const (
	DefaultSeenTTL = 24 * time.Hour
	DefaultMaxSeen = 5000
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	SeenTTL     time.Duration
	MaxSeen     int
}

func (c Config) withDefaults() Config {
	if c.SeenTTL <= 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.MaxSeen <= 0 {
		c.MaxSeen = DefaultMaxSeen
	}
	return c
}

// Store is the persistence API used by the pipeline.
type Store interface {
	// PutSeen records an identity key as seen at the given time.
	PutSeen(ctx context.Context, key string, at time.Time) error
	// LoadSeen returns up to limit most recently seen keys, oldest first.
	LoadSeen(ctx context.Context, limit int) ([]string, error)
	GetWatermark(ctx context.Context) (t time.Time, ok bool, err error)
	PutWatermark(ctx context.Context, t time.Time) error
	Close() error
}
