package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Validate checks values the decoder cannot. It reports every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var err error
	switch strings.ToLower(strings.TrimSpace(cfg.Role)) {
	case "", "server", "client":
	default:
		err = multierr.Append(err, fmt.Errorf("role: must be server or client, got %q", cfg.Role))
	}

	for path, raw := range map[string]string{
		"hub.write_timeout":      cfg.Hub.WriteTimeout,
		"hub.ping_interval":      cfg.Hub.PingInterval,
		"link.connect_timeout":   cfg.Link.ConnectTimeout,
		"link.write_timeout":     cfg.Link.WriteTimeout,
		"settings.busy_timeout":  cfg.Settings.BusyTimeout,
		"settings.save_debounce": cfg.Settings.SaveDebounce,
	} {
		if _, e := ParseDurationField(path, raw); e != nil {
			err = multierr.Append(err, e)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Settings.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Settings.Path) == "" {
			err = multierr.Append(err, fmt.Errorf("settings.path: required for driver %q", cfg.Settings.Driver))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("settings.driver: unknown driver %q", cfg.Settings.Driver))
	}

	if cfg.Inbound.RatePerSec < 0 {
		err = multierr.Append(err, errors.New("inbound.rate_per_sec: must be >= 0"))
	}
	if cfg.Inbound.Burst < 0 || cfg.Inbound.MaxPayloadBytes < 0 {
		err = multierr.Append(err, errors.New("inbound: burst and max_payload_bytes must be >= 0"))
	}
	if cfg.Emotes.CacheSize < 0 {
		err = multierr.Append(err, errors.New("emotes.cache_size: must be >= 0"))
	}
	return err
}

// ParseDurationField parses an optional duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
