package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "tabnotify/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Open returns the seen-key and watermark store for cfg.Driver, or (nil, nil)
// when persistence is off. The pipeline then keeps both in memory only.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	var open func(Config, logx.Logger) (Store, error)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "file":
		open = openFile
	case "sqlite", "sqlite3":
		open = openSQLite
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	st, err := open(cfg, log)
	if err != nil {
		return nil, err
	}
	log.Debug("storage opened", logx.String("driver", cfg.Driver), logx.Duration("seen_ttl", cfg.SeenTTL), logx.Int("max_seen", cfg.MaxSeen))
	return st, nil
}
