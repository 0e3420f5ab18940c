package app

import (
	"fmt"
	"strings"
	"time"

	"tabnotify/internal/config"
	"tabnotify/internal/crosstab"
	"tabnotify/internal/dedup"
	"tabnotify/internal/diagnostics"
	"tabnotify/internal/effects"
	"tabnotify/internal/notification"
	"tabnotify/internal/pipeline"
	"tabnotify/internal/queue"
	"tabnotify/internal/ratelimit"
	"tabnotify/internal/scheduler"
	"tabnotify/internal/transport/realtime"
	"tabnotify/internal/transport/rest"
	"tabnotify/internal/transport/telegram"
	logx "tabnotify/pkg/logx"
)

const defaultAdminRole = "Super Admin"

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRecipient(cfg *Config) notification.Recipient {
	admin := strings.TrimSpace(cfg.Session.AdminRole)
	if admin == "" {
		admin = defaultAdminRole
	}
	return notification.Recipient{
		UserID:    strings.TrimSpace(cfg.Session.UserID),
		Role:      strings.TrimSpace(cfg.Session.Role),
		Locations: cfg.Session.Locations,
		AdminRole: admin,
	}
}

func mapQueueConfig(cfg *Config) (queue.Config, error) {
	q := cfg.Queue
	if q.MaxVisible < 0 {
		return queue.Config{}, fmt.Errorf("queue.max_visible must be >= 0")
	}
	out := queue.Config{MaxVisible: q.MaxVisible}
	var err error
	if out.MinVisibleDuration, err = parseDurationOrDefault("queue.min_visible", q.MinVisible, queue.DefaultMinVisibleDuration); err != nil {
		return queue.Config{}, err
	}
	if out.GroupWindow, err = parseDurationField("queue.group_window", q.GroupWindow); err != nil {
		return queue.Config{}, err
	}
	if out.InactivityTimeout, err = parseDurationField("queue.inactivity_timeout", q.InactivityTimeout); err != nil {
		return queue.Config{}, err
	}
	if out.ReviveCooldown, err = parseDurationOrDefault("queue.revive_cooldown", q.ReviveCooldown, queue.DefaultReviveCooldown); err != nil {
		return queue.Config{}, err
	}
	if out.DismissedTTL, err = parseDurationField("queue.dismissed_ttl", q.DismissedTTL); err != nil {
		return queue.Config{}, err
	}
	return out, nil
}

// mapPipelineConfig builds the engine settings; headless comes from the command line.
func mapPipelineConfig(cfg *Config, headless bool) (pipeline.Config, error) {
	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return pipeline.Config{}, err
	}
	out := pipeline.Config{Queue: qc, Headless: headless}

	if cfg.RateLimit.Events < 0 {
		return pipeline.Config{}, fmt.Errorf("rate_limit.events must be >= 0")
	}
	window, err := parseDurationField("rate_limit.window", cfg.RateLimit.Window)
	if err != nil {
		return pipeline.Config{}, err
	}
	out.RateLimit = ratelimit.Config{Events: cfg.RateLimit.Events, Window: window}

	if cfg.Dedup.MaxEntries < 0 || cfg.Dedup.RecencySize < 0 {
		return pipeline.Config{}, fmt.Errorf("dedup.max_entries and dedup.recency_size must be >= 0")
	}
	dw, err := parseDurationField("dedup.window", cfg.Dedup.Window)
	if err != nil {
		return pipeline.Config{}, err
	}
	out.Dedup = dedup.Config{MaxEntries: cfg.Dedup.MaxEntries, Window: dw}
	out.RecencySize = cfg.Dedup.RecencySize
	if out.ReplayLookback, err = parseDurationField("dedup.replay_lookback", cfg.Dedup.ReplayLookback); err != nil {
		return pipeline.Config{}, err
	}
	if out.BatchWindow, err = parseDurationField("queue.batch_window", cfg.Queue.BatchWindow); err != nil {
		return pipeline.Config{}, err
	}
	if out.MuteTTL, err = parseDurationField("crosstab.mute_ttl", cfg.CrossTab.MuteTTL); err != nil {
		return pipeline.Config{}, err
	}
	return out, nil
}

func mapRealtimeConfig(cfg *Config) (realtime.Config, error) {
	rc := cfg.Realtime
	if strings.TrimSpace(rc.URL) == "" {
		return realtime.Config{}, fmt.Errorf("realtime.url is required")
	}
	out := realtime.Config{URL: strings.TrimSpace(rc.URL), Token: rc.Token}
	var err error
	if out.PingInterval, err = parseDurationField("realtime.ping_interval", rc.PingInterval); err != nil {
		return realtime.Config{}, err
	}
	if out.PongWait, err = parseDurationField("realtime.pong_wait", rc.PongWait); err != nil {
		return realtime.Config{}, err
	}
	if out.ReconnectMin, err = parseDurationField("realtime.reconnect_min", rc.ReconnectMin); err != nil {
		return realtime.Config{}, err
	}
	if out.ReconnectMax, err = parseDurationField("realtime.reconnect_max", rc.ReconnectMax); err != nil {
		return realtime.Config{}, err
	}
	return out, nil
}

func mapRESTConfig(cfg *Config) (rest.Config, error) {
	timeout, err := parseDurationField("rest.timeout", cfg.REST.Timeout)
	if err != nil {
		return rest.Config{}, err
	}
	return rest.Config{BaseURL: strings.TrimSpace(cfg.REST.BaseURL), Token: cfg.REST.Token, Timeout: timeout}, nil
}

func mapTelegramConfig(cfg *Config) (telegram.Config, error) {
	tc := cfg.Telegram
	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	if tc.Enabled && (strings.TrimSpace(tc.Token) == "" || tc.ChatID == 0) {
		return telegram.Config{}, fmt.Errorf("telegram.token and telegram.chat_id are required when telegram.enabled=true")
	}
	return telegram.Config{Enabled: tc.Enabled, Token: strings.TrimSpace(tc.Token), ChatID: tc.ChatID, PollTimeout: pollTimeout}, nil
}

func mapEffectsConfig(cfg *Config) (effects.Config, error) {
	if cfg.Effects == nil {
		return effects.Config{}, nil
	}
	e := cfg.Effects
	if e.Workers < 0 || e.QueueSize < 0 || e.RatePerSec < 0 || e.RetryMax < 0 || e.DedupMaxEntries < 0 {
		return effects.Config{}, fmt.Errorf("effects: numeric settings must be >= 0")
	}
	out := effects.Config{
		Workers:         e.Workers,
		QueueSize:       e.QueueSize,
		RatePerSec:      e.RatePerSec,
		RetryMax:        e.RetryMax,
		DedupMaxEntries: e.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = parseDurationField("effects.retry_base", e.RetryBase); err != nil {
		return effects.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationField("effects.retry_max_delay", e.RetryMaxDelay); err != nil {
		return effects.Config{}, err
	}
	if out.Timeout, err = parseDurationField("effects.timeout", e.Timeout); err != nil {
		return effects.Config{}, err
	}
	if out.DedupWindow, err = parseDurationField("effects.dedup_window", e.DedupWindow); err != nil {
		return effects.Config{}, err
	}
	return out, nil
}

func mapCrossTabConfig(cfg *Config) (crosstab.StoreConfig, error) {
	c := cfg.CrossTab
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "memory":
	case "file":
		if strings.TrimSpace(c.Dir) == "" {
			return crosstab.StoreConfig{}, fmt.Errorf("crosstab.dir is required when crosstab.driver=file")
		}
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return crosstab.StoreConfig{}, fmt.Errorf("crosstab.redis.addrs is required when crosstab.driver=redis")
		}
	default:
		return crosstab.StoreConfig{}, fmt.Errorf("unknown crosstab.driver: %s", c.Driver)
	}
	ns := strings.TrimSpace(c.Redis.Namespace)
	if ns == "" {
		ns = strings.TrimSpace(cfg.Session.UserID)
	}
	return crosstab.StoreConfig{
		Driver: driver,
		Dir:    config.ExpandPath(c.Dir),
		Redis: crosstab.RedisConfig{
			Addrs:     c.Redis.Addrs,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			Namespace: ns,
		},
	}, nil
}

func mapSchedules(cfg *Config) (pipeline.Schedules, error) {
	s := cfg.Scheduler
	out := pipeline.Schedules{
		Visibility:  strings.TrimSpace(s.Visibility),
		Flush:       strings.TrimSpace(s.Flush),
		RateSweep:   strings.TrimSpace(s.RateSweep),
		Bookkeeping: strings.TrimSpace(s.Bookkeep),
	}
	for path, raw := range map[string]string{
		"scheduler.visibility":  out.Visibility,
		"scheduler.flush":       out.Flush,
		"scheduler.rate_sweep":  out.RateSweep,
		"scheduler.bookkeeping": out.Bookkeeping,
	} {
		if raw == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return pipeline.Schedules{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return out, nil
}

func mapServerConfig(cfg *Config) (diagnostics.ServerConfig, error) {
	p := cfg.Pprof
	if p.MutexProfileFraction < 0 || p.BlockProfileRate < 0 {
		return diagnostics.ServerConfig{}, fmt.Errorf("pprof: profile rates must be >= 0")
	}
	out := diagnostics.ServerConfig{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Prefix:               strings.TrimSpace(p.Prefix),
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		Metrics:              p.Metrics,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = parseDurationField("pprof.read_timeout", p.ReadTimeout); err != nil {
		return diagnostics.ServerConfig{}, err
	}
	if out.WriteTimeout, err = parseDurationField("pprof.write_timeout", p.WriteTimeout); err != nil {
		return diagnostics.ServerConfig{}, err
	}
	if out.IdleTimeout, err = parseDurationField("pprof.idle_timeout", p.IdleTimeout); err != nil {
		return diagnostics.ServerConfig{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed, at boot or on hot reload.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Session.UserID) == "" {
		return fmt.Errorf("session.user_id is required")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	checks := []func(*Config) error{
		func(c *Config) error { _, err := mapPipelineConfig(c, false); return err },
		func(c *Config) error { _, err := mapRealtimeConfig(c); return err },
		func(c *Config) error { _, err := mapRESTConfig(c); return err },
		func(c *Config) error { _, err := mapTelegramConfig(c); return err },
		func(c *Config) error { _, err := mapEffectsConfig(c); return err },
		func(c *Config) error { _, err := mapCrossTabConfig(c); return err },
		func(c *Config) error { _, err := mapSchedules(c); return err },
		func(c *Config) error { _, err := mapServerConfig(c); return err },
		func(c *Config) error { _, _, err := mapStorageConfig(c); return err },
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}
