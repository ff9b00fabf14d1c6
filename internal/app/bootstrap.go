package app

import (
	"fmt"
	"strings"
	"time"

	"captionrelay/internal/config"
	"captionrelay/internal/hub"
	"captionrelay/internal/link"
	"captionrelay/internal/observability/pprof"
	"captionrelay/internal/observability/stats"
	"captionrelay/internal/router"
	"captionrelay/internal/settings"
	"captionrelay/internal/storage"
	logx "captionrelay/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRole(cfg *config.Config) (router.Role, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Role)) {
	case "", string(router.RoleServer):
		return router.RoleServer, nil
	case string(router.RoleClient):
		return router.RoleClient, nil
	default:
		return "", fmt.Errorf("unknown role: %s", cfg.Role)
	}
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	role, err := mapRole(cfg)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Role:            role,
		MaxPayloadBytes: cfg.Inbound.MaxPayloadBytes,
		Inbound:         mapInboundLimit(cfg),
	}, nil
}

func mapInboundLimit(cfg *config.Config) router.LimitConfig {
	return router.LimitConfig{RatePerSec: cfg.Inbound.RatePerSec, Burst: cfg.Inbound.Burst}
}

func mapHubConfig(cfg *config.Config) (hub.Config, error) {
	hc := cfg.Hub
	writeTimeout, err := config.ParseDurationOrDefault("hub.write_timeout", hc.WriteTimeout, hub.DefaultWriteTimeout)
	if err != nil {
		return hub.Config{}, err
	}
	ping, err := config.ParseDurationOrDefault("hub.ping_interval", hc.PingInterval, hub.DefaultPingInterval)
	if err != nil {
		return hub.Config{}, err
	}
	return hub.Config{
		Enabled:        hc.Enabled,
		Addr:           strings.TrimSpace(hc.Addr),
		Path:           strings.TrimSpace(hc.Path),
		SendBuffer:     hc.SendBuffer,
		WriteTimeout:   writeTimeout,
		PingInterval:   ping,
		MaxMessageSize: hc.MaxMessageBytes,
		Metrics:        hc.Metrics,
		Pprof: pprof.Config{
			Enabled:              hc.Pprof.Enabled,
			Prefix:               hc.Pprof.Prefix,
			Token:                hc.Pprof.Token,
			AllowInsecure:        hc.Pprof.AllowInsecure,
			MutexProfileFraction: hc.Pprof.MutexProfileFraction,
			BlockProfileRate:     hc.Pprof.BlockProfileRate,
			MemProfileRate:       hc.Pprof.MemProfileRate,
		},
	}, nil
}

func mapLinkConfig(cfg *config.Config) (link.Config, error) {
	lc := cfg.Link
	connect, err := config.ParseDurationOrDefault("link.connect_timeout", lc.ConnectTimeout, link.DefaultConnectTimeout)
	if err != nil {
		return link.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("link.write_timeout", lc.WriteTimeout, link.DefaultWriteTimeout)
	if err != nil {
		return link.Config{}, err
	}
	return link.Config{
		ConnectTimeout: connect,
		WriteTimeout:   write,
		Path:           strings.TrimSpace(lc.Path),
		MaxMessageSize: lc.MaxMessageBytes,
	}, nil
}

// mapStorageConfig reports enabled=false for in-memory settings.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Settings
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" || driver == "memory" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("settings.path is required when settings.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("settings.path is required when settings.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("settings.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown settings.driver: %s", sc.Driver)
	}
}

func mapSettingsConfig(cfg *config.Config) (settings.Config, error) {
	d, err := config.ParseDurationOrDefault("settings.save_debounce", cfg.Settings.SaveDebounce, settings.DefaultSaveDebounce)
	if err != nil {
		return settings.Config{}, err
	}
	return settings.Config{SaveDebounce: d}, nil
}

func mapReporterConfig(cfg *config.Config) stats.ReporterConfig {
	return stats.ReporterConfig{Enabled: cfg.Stats.Enabled, Schedule: strings.TrimSpace(cfg.Stats.Schedule)}
}

// validateConfig runs before a reloaded config is committed.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := stats.ValidateSchedule(cfg.Stats.Schedule); err != nil {
		return err
	}
	if _, err := mapHubConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLinkConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSettingsConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}
