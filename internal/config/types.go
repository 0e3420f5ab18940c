package config

// Config is the on-disk configuration of one tab process.
//
// All durations are Go duration strings (e.g. "250ms", "15s", "8h"). Omitted
// or zero values fall back to the defaults documented on each section.
type Config struct {
	Session   SessionConfig   `json:"session"`
	Realtime  RealtimeConfig  `json:"realtime"`
	REST      RESTConfig      `json:"rest"`
	Queue     QueueConfig     `json:"queue"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Dedup     DedupConfig     `json:"dedup"`
	CrossTab  CrossTabConfig  `json:"crosstab"`
	Telegram  TelegramConfig  `json:"telegram"`
	Effects   *EffectsConfig  `json:"effects,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// SessionConfig identifies the logged-in user for targeting.
type SessionConfig struct {
	UserID    string   `json:"user_id"`
	Role      string   `json:"role"`
	Locations []string `json:"locations,omitempty"`
	// AdminRole sees every system notification. Default: "Super Admin".
	AdminRole string `json:"admin_role,omitempty"`
}

type RealtimeConfig struct {
	URL          string `json:"url"`
	Token        string `json:"token,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"` // default 25s
	PongWait     string `json:"pong_wait,omitempty"`     // default 2x ping_interval
	ReconnectMin string `json:"reconnect_min,omitempty"` // default 500ms
	ReconnectMax string `json:"reconnect_max,omitempty"` // default 30s
}

type RESTConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default 10s
}

// QueueConfig controls grouping and the visible window. Hot-reloadable.
//
// Defaults: max_visible 5, min_visible "3s", group_window "2m",
// inactivity_timeout "15s", revive_cooldown "1s", dismissed_ttl "10m",
// batch_window "50ms".
type QueueConfig struct {
	MaxVisible        int    `json:"max_visible,omitempty"`
	MinVisible        string `json:"min_visible,omitempty"`
	GroupWindow       string `json:"group_window,omitempty"`
	InactivityTimeout string `json:"inactivity_timeout,omitempty"`
	ReviveCooldown    string `json:"revive_cooldown,omitempty"`
	DismissedTTL      string `json:"dismissed_ttl,omitempty"`
	BatchWindow       string `json:"batch_window,omitempty"`
}

// RateLimitConfig is per source. Defaults: 20 events per "10s". Hot-reloadable.
type RateLimitConfig struct {
	Events int    `json:"events,omitempty"`
	Window string `json:"window,omitempty"`
}

// DedupConfig bounds the in-memory duplicate trackers.
type DedupConfig struct {
	MaxEntries  int    `json:"max_entries,omitempty"`  // default 1000
	Window      string `json:"window,omitempty"`       // default: no window
	RecencySize int    `json:"recency_size,omitempty"` // default 1000
	// ReplayLookback caps how far back a reconnect fetch reaches when no
	// watermark exists. Default "24h".
	ReplayLookback string `json:"replay_lookback,omitempty"`
}

// CrossTabConfig selects the shared store tabs synchronize through.
//
// Example:
//
//	"crosstab": { "driver": "file", "dir": "~/.cache/tabnotify/shared", "mute_ttl": "8h" }
type CrossTabConfig struct {
	Driver  string      `json:"driver"` // memory | file | redis
	Dir     string      `json:"dir,omitempty"`
	MuteTTL string      `json:"mute_ttl,omitempty"`
	Redis   RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addrs     []string `json:"addrs,omitempty"`
	Password  string   `json:"password,omitempty"`
	DB        int      `json:"db,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
}

// TelegramConfig is the OS-level notification channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// EffectsConfig controls the side-effect worker pool.
// If the whole section is omitted the defaults apply.
type EffectsConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// SchedulerConfig sets the periodic task cadence.
type SchedulerConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	Visibility string `json:"visibility,omitempty"` // default "250ms"
	Flush      string `json:"flush,omitempty"`      // default "100ms"
	RateSweep  string `json:"rate_sweep,omitempty"` // default "@every 1m"
	Bookkeep   string `json:"bookkeeping,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tabnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	SeenTTL     string `json:"seen_ttl,omitempty"`
	MaxSeen     int    `json:"max_seen,omitempty"`
}

// PprofConfig controls the optional debug HTTP server (pprof and /metrics).
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
