package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Channel   ChannelConfig   `json:"channel"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the reminder engine.
//
// Timezone is read once at startup; changing it requires a restart.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA name; empty means host zone
}

// DispatchConfig controls how fired reminders are delivered.
//
// Defaults (when fields are omitted/zero):
//   - send_timeout: "15s"
//   - rate_per_sec: 0 (unlimited)
//   - dedup_window: "10m"
//   - dedup_max_entries: 5000
//   - history_size: 300
//   - brand: "MedRemind"
type DispatchConfig struct {
	SendTimeout     string `json:"send_timeout,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	LogDeliveries   bool   `json:"log_deliveries,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	Brand           string `json:"brand,omitempty"`
}

// ChannelConfig selects the delivery channel: "log", "telegram" or "twilio".
type ChannelConfig struct {
	Driver   string          `json:"driver"`
	Telegram TelegramChannel `json:"telegram,omitempty"`
	Twilio   TwilioChannel   `json:"twilio,omitempty"`
}

type TelegramChannel struct {
	Token   string `json:"token,omitempty"` // do not log
	Verify  bool   `json:"verify,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	URL     string `json:"url,omitempty"`
}

type TwilioChannel struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"` // do not log
	From       string `json:"from,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/medremind.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the ops/control HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8086").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8086"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// WriteTimeout defaults to 0 (disabled) so /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
