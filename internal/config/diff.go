package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tabnotify/pkg/logx"
)

// LiveSections are applied on hot reload; every other section needs a restart.
var LiveSections = map[string]bool{
	"logging":    true,
	"queue":      true,
	"rate_limit": true,
	"effects":    true,
	"pprof":      true,
}

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or passwords),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_visible", newCfg.Queue.MaxVisible),
			logx.String("queue.min_visible", strings.TrimSpace(newCfg.Queue.MinVisible)),
			logx.String("queue.group_window", strings.TrimSpace(newCfg.Queue.GroupWindow)),
			logx.String("queue.inactivity_timeout", strings.TrimSpace(newCfg.Queue.InactivityTimeout)),
			logx.String("queue.batch_window", strings.TrimSpace(newCfg.Queue.BatchWindow)),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.events", newCfg.RateLimit.Events),
			logx.String("rate_limit.window", strings.TrimSpace(newCfg.RateLimit.Window)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.Int("dedup.max_entries", newCfg.Dedup.MaxEntries),
			logx.Int("dedup.recency_size", newCfg.Dedup.RecencySize),
		)
	}

	// Session (role/locations only; user id is not a secret but is noisy)
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.role", newCfg.Session.Role),
			logx.Int("session.location_count", len(newCfg.Session.Locations)),
		)
	}

	// Realtime / REST (never log tokens)
	if !sameRealtime(oldCfg.Realtime, newCfg.Realtime) {
		changed = append(changed, "realtime")
		attrs = append(attrs,
			logx.String("realtime.url", strings.TrimSpace(newCfg.Realtime.URL)),
			logx.Bool("realtime.token_set", strings.TrimSpace(newCfg.Realtime.Token) != ""),
		)
	}
	if strings.TrimSpace(oldCfg.REST.BaseURL) != strings.TrimSpace(newCfg.REST.BaseURL) ||
		strings.TrimSpace(oldCfg.REST.Timeout) != strings.TrimSpace(newCfg.REST.Timeout) ||
		oldCfg.REST.Token != newCfg.REST.Token {
		changed = append(changed, "rest")
		attrs = append(attrs,
			logx.String("rest.base_url", strings.TrimSpace(newCfg.REST.BaseURL)),
			logx.Bool("rest.token_set", strings.TrimSpace(newCfg.REST.Token) != ""),
		)
	}

	// Cross-tab store (never log redis password)
	if !reflect.DeepEqual(oldCfg.CrossTab, newCfg.CrossTab) {
		changed = append(changed, "crosstab")
		attrs = append(attrs,
			logx.String("crosstab.driver", strings.TrimSpace(newCfg.CrossTab.Driver)),
			logx.String("crosstab.mute_ttl", strings.TrimSpace(newCfg.CrossTab.MuteTTL)),
			logx.Int("crosstab.redis_addrs", len(newCfg.CrossTab.Redis.Addrs)),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	// Effects: a nil section means runtime defaults.
	oldE, newE := derefEffects(oldCfg.Effects), derefEffects(newCfg.Effects)
	if oldE != newE {
		changed = append(changed, "effects")
		attrs = append(attrs,
			logx.Int("effects.workers", newE.Workers),
			logx.Int("effects.rate_per_sec", newE.RatePerSec),
			logx.Int("effects.retry_max", newE.RetryMax),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.visibility", strings.TrimSpace(newCfg.Scheduler.Visibility)),
			logx.String("scheduler.flush", strings.TrimSpace(newCfg.Scheduler.Flush)),
		)
	}

	// Storage (nil means disabled)
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Pprof (never log token)
	oP, nP := oldCfg.Pprof, newCfg.Pprof
	oTok, nTok := strings.TrimSpace(oP.Token) != "", strings.TrimSpace(nP.Token) != ""
	oP.Token, nP.Token = "", ""
	if oP != nP || oTok != nTok {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.metrics", nP.Metrics),
			logx.Bool("pprof.token_set", nTok),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !LiveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func sameRealtime(a, b RealtimeConfig) bool {
	return strings.TrimSpace(a.URL) == strings.TrimSpace(b.URL) &&
		a.Token == b.Token &&
		strings.TrimSpace(a.PingInterval) == strings.TrimSpace(b.PingInterval) &&
		strings.TrimSpace(a.PongWait) == strings.TrimSpace(b.PongWait) &&
		strings.TrimSpace(a.ReconnectMin) == strings.TrimSpace(b.ReconnectMin) &&
		strings.TrimSpace(a.ReconnectMax) == strings.TrimSpace(b.ReconnectMax)
}

func derefEffects(e *EffectsConfig) EffectsConfig {
	if e == nil {
		return EffectsConfig{}
	}
	return *e
}
