package config

// Config is the on-disk shape (JSON or YAML). Durations are Go duration
// strings ("500ms", "10s", "5m"). Omitted sections take defaults at Resolve.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Breakers is keyed by breaker type tag (e.g. "chat-notifications").
	// Zero fields inherit the built-in default for that type.
	Breakers map[string]BreakerConfig `json:"breakers,omitempty"`

	DLQ   DLQConfig   `json:"dlq"`
	Alert AlertConfig `json:"alert"`
	Admin AdminConfig `json:"admin"`

	// Channel senders; an omitted section leaves its channel unsupported.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	SMTP     *SMTPConfig     `json:"smtp,omitempty"`
	AMQP     *AMQPConfig     `json:"amqp,omitempty"`
	SMS      *SMSConfig      `json:"sms,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards log lines at or above MinLevel to the telegram ops chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the DLQ store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
	MonitorWindow    string `json:"monitor_window,omitempty"`
}

// DLQConfig defaults:
//   - max_retry_attempts: 5
//   - retry_delay: "5m"
//   - cleanup_after_days: 30
//   - batch_size: 50
//   - processing_interval: "1m"
//   - alert_threshold: 100
//   - claim_lease: "2m"
//   - cleanup_schedule: "@every 6h" ("off" disables)
type DLQConfig struct {
	MaxRetryAttempts   int    `json:"max_retry_attempts,omitempty"`
	RetryDelay         string `json:"retry_delay,omitempty"`
	CleanupAfterDays   int    `json:"cleanup_after_days,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	ProcessingInterval string `json:"processing_interval,omitempty"`
	AlertThreshold     int    `json:"alert_threshold,omitempty"`
	ClaimLease         string `json:"claim_lease,omitempty"`
	CleanupSchedule    string `json:"cleanup_schedule,omitempty"`
	// Disabled stops the background processor; recording still works.
	Disabled bool `json:"disabled,omitempty"`
}

type AlertConfig struct {
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

// AdminConfig controls the admin HTTP API.
//
// Security note: prefer a loopback addr. A non-loopback addr requires a token.
type AdminConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token        string `json:"token,omitempty"` // bearer token (do not log)
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"` // mount /debug/pprof
}

type TelegramConfig struct {
	Token       string `json:"token"`
	OpsChatID   int64  `json:"ops_chat_id"`
	OpsThreadID int    `json:"ops_thread_id,omitempty"`
}

type SMTPConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user,omitempty"`
	Pass    string `json:"pass,omitempty"`
	From    string `json:"from"`
	Timeout string `json:"timeout,omitempty"`
}

type AMQPConfig struct {
	URL             string `json:"url"`
	Exchange        string `json:"exchange,omitempty"`
	PushRoutingKey  string `json:"push_routing_key,omitempty"`
	InAppRoutingKey string `json:"in_app_routing_key,omitempty"`
	ConfirmTimeout  string `json:"confirm_timeout,omitempty"`
}

type SMSConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}
