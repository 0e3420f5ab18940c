// Package crosstab keeps the suppression state every tab of a session must
// agree on: muted, archived, last-read and the active conversation pointer.
//
// A Store is a tiny synchronized key-value space with change notifications.
// Changes written by one tab are delivered to the Watch channel of every other
// tab sharing the same backend. A Coordinator keeps a read-through cache of the
// four keys on top of a Store.
package crosstab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "tabnotify/pkg/logx"
)

const (
	KeyMuted    = "muted"
	KeyArchived = "archived"
	KeyLastRead = "last_read"
	KeyActive   = "active"
)

// Keys lists every shared key.
var Keys = []string{KeyMuted, KeyArchived, KeyLastRead, KeyActive}

var ErrClosed = errors.New("crosstab store closed")

// Change is a write observed from a sibling tab.
type Change struct {
	Key    string
	Value  []byte
	Origin string
}

type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// Watch streams changes made by other tabs until ctx is done.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}

type StoreConfig struct {
	Driver string // memory | file | redis
	Dir    string // file
	Redis  RedisConfig
}

// Open builds the configured backend. origin identifies this tab.
func Open(cfg StoreConfig, origin string, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(nil, origin), nil
	case "file":
		return OpenFile(cfg.Dir, origin, log)
	case "redis":
		return OpenRedis(cfg.Redis, origin, log)
	default:
		return nil, fmt.Errorf("unknown crosstab driver: %s", cfg.Driver)
	}
}
