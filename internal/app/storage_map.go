package app

import (
	"fmt"
	"strings"
	"time"

	"tabnotify/internal/config"
	"tabnotify/internal/storage"
)

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if sc.MaxSeen < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.max_seen must be >= 0")
	}
	seenTTL, err := parseDurationField("storage.seen_ttl", sc.SeenTTL)
	if err != nil {
		return storage.Config{}, false, err
	}
	out := storage.Config{
		Driver:  driver,
		Path:    config.ExpandPath(sc.Path),
		SeenTTL: seenTTL,
		MaxSeen: sc.MaxSeen,
	}

	switch driver {
	case "file":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return out, true, nil
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		out.BusyTimeout, err = parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return out, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
