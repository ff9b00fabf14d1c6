package config

import (
	"maps"
	"sort"
	"strings"

	logx "captionrelay/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !strings.EqualFold(strings.TrimSpace(oldCfg.Role), strings.TrimSpace(newCfg.Role)) {
		changed = append(changed, "role")
		attrs = append(attrs, logx.String("role", newCfg.Role))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Hub (never log the pprof token)
	if oldCfg.Hub != newCfg.Hub {
		changed = append(changed, "hub")
		attrs = append(attrs,
			logx.Bool("hub.enabled", newCfg.Hub.Enabled),
			logx.String("hub.addr", strings.TrimSpace(newCfg.Hub.Addr)),
			logx.Bool("hub.metrics", newCfg.Hub.Metrics),
			logx.Bool("hub.pprof", newCfg.Hub.Pprof.Enabled),
			logx.Bool("hub.pprof_token_set", strings.TrimSpace(newCfg.Hub.Pprof.Token) != ""),
		)
	}

	if oldCfg.Link != newCfg.Link {
		changed = append(changed, "link")
		attrs = append(attrs,
			logx.String("link.connect_timeout", strings.TrimSpace(newCfg.Link.ConnectTimeout)),
			logx.Bool("link.auto_connect", newCfg.Link.AutoConnect),
		)
	}

	if oldCfg.Settings != newCfg.Settings {
		changed = append(changed, "settings")
		attrs = append(attrs,
			logx.String("settings.driver", strings.TrimSpace(newCfg.Settings.Driver)),
			logx.Bool("settings.path_set", strings.TrimSpace(newCfg.Settings.Path) != ""),
		)
	}

	if oldCfg.Emotes.CacheSize != newCfg.Emotes.CacheSize || !maps.Equal(oldCfg.Emotes.Table, newCfg.Emotes.Table) {
		changed = append(changed, "emotes")
		attrs = append(attrs,
			logx.Int("emotes.table_size", len(newCfg.Emotes.Table)),
			logx.Int("emotes.cache_size", newCfg.Emotes.CacheSize),
		)
	}

	if oldCfg.Inbound != newCfg.Inbound {
		changed = append(changed, "inbound")
		attrs = append(attrs,
			logx.Any("inbound.rate_per_sec", newCfg.Inbound.RatePerSec),
			logx.Int("inbound.burst", newCfg.Inbound.Burst),
			logx.Int("inbound.max_payload_bytes", newCfg.Inbound.MaxPayloadBytes),
		)
	}

	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.Bool("stats.enabled", newCfg.Stats.Enabled),
			logx.String("stats.schedule", strings.TrimSpace(newCfg.Stats.Schedule)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart lists changed sections that only take effect on restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "role", "hub", "link", "settings":
			out = append(out, s)
		}
	}
	return out
}
