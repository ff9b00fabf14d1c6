package config

// Config is the relay's file configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
type Config struct {
	// Role is "server" (produces and relays text) or "client" (display only).
	Role string `json:"role,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	Hub      HubConfig      `json:"hub"`
	Link     LinkConfig     `json:"link"`
	Settings SettingsConfig `json:"settings"`
	Emotes   EmotesConfig   `json:"emotes"`
	Inbound  InboundConfig  `json:"inbound"`
	Stats    StatsConfig    `json:"stats"`
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

// HubConfig controls the WebSocket server peers and overlays connect to.
//
// Example:
//
//	"hub": { "enabled": true, "addr": "0.0.0.0:3030", "metrics": true }
type HubConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"` // default: "127.0.0.1:3030"
	Path            string `json:"path,omitempty"` // default: "/pubsub"
	SendBuffer      int    `json:"send_buffer,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	PingInterval    string `json:"ping_interval,omitempty"`
	MaxMessageBytes int64  `json:"max_message_bytes,omitempty"`

	// Metrics serves prometheus metrics at /metrics.
	Metrics bool        `json:"metrics,omitempty"`
	Pprof   PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts net/http/pprof on the hub listener.
//
// Security note:
//   - Non-loopback hub addresses need a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// LinkConfig controls the outbound direct link.
type LinkConfig struct {
	ConnectTimeout  string `json:"connect_timeout,omitempty"` // default: "5s"
	WriteTimeout    string `json:"write_timeout,omitempty"`
	Path            string `json:"path,omitempty"` // peer endpoint, default: "/pubsub"
	MaxMessageBytes int64  `json:"max_message_bytes,omitempty"`
	// AutoConnect dials the stored link address on start.
	AutoConnect bool `json:"auto_connect,omitempty"`
}

// SettingsConfig selects where user settings are persisted.
//
// Example:
//
//	"settings": { "driver": "sqlite", "path": "./data/settings.db" }
type SettingsConfig struct {
	Driver       string `json:"driver"` // file | sqlite | memory
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite only
	SaveDebounce string `json:"save_debounce,omitempty"`
}

type EmotesConfig struct {
	// Table maps an emote token to its image URL.
	Table     map[string]string `json:"table,omitempty"`
	CacheSize int               `json:"cache_size,omitempty"`
}

// InboundConfig guards the remote-origin path.
type InboundConfig struct {
	// RatePerSec is a per-origin token bucket; 0 disables throttling.
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	MaxPayloadBytes int     `json:"max_payload_bytes,omitempty"`
}

type StatsConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec (seconds optional) or descriptor like "@every 1m".
	Schedule string `json:"schedule,omitempty"`
}
