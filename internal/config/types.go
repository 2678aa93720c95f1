package config

// Config is the whole bot configuration. Files are JSON or YAML; every field
// can be overridden from the environment with the BDAYBOT_ prefix, e.g.
// BDAYBOT_TELEGRAM_TOKEN or BDAYBOT_STORAGE_DRIVER.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	HTTP      HTTPConfig      `json:"http"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long polling timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty" split_words:"true"`
	// CommandPrefix defaults to "/".
	CommandPrefix  string `json:"command_prefix,omitempty" split_words:"true"`
	CommandTimeout string `json:"command_timeout,omitempty" split_words:"true"`
	Workers        int    `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id" split_words:"true"`
	ThreadID   int    `json:"thread_id" split_words:"true"`
	MinLevel   string `json:"min_level" split_words:"true"`
	RatePerSec int    `json:"rate_per_sec" split_words:"true"`
}

// StorageConfig selects the birthday store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./bdaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file (default), sqlite, postgres, redis, memory
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres/redis URL (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty" split_words:"true"`
	KeyPrefix   string `json:"key_prefix,omitempty" split_words:"true"`
	// CompactSchedule is a cron spec ("@hourly", "0 4 * * *") or a daily "HH:MM".
	// "off" disables compaction.
	CompactSchedule string `json:"compact_schedule,omitempty" split_words:"true"`
}

// SchedulerConfig tunes the announcement engine. CatchUpDays bounds how many
// missed days are announced after downtime (default 7); catch-up cannot be
// turned off, so negative values are rejected.
type SchedulerConfig struct {
	Workers     int    `json:"workers,omitempty"`
	CatchUpDays int    `json:"catch_up_days,omitempty" split_words:"true"`
	RetryDelay  string `json:"retry_delay,omitempty" split_words:"true"`
	FireAt      string `json:"fire_at,omitempty" split_words:"true"`
	MaxSleep    string `json:"max_sleep,omitempty" split_words:"true"`

	// Zone of chats that never ran /timezone.
	DefaultOffset int  `json:"default_offset" split_words:"true"`
	DefaultDST    bool `json:"default_dst" split_words:"true"`
}

type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty" split_words:"true"`
	RetryMax        int    `json:"retry_max,omitempty" split_words:"true"`
	RetryBase       string `json:"retry_base,omitempty" split_words:"true"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty" split_words:"true"`
	SendTimeout     string `json:"send_timeout,omitempty" split_words:"true"`
	DedupWindow     string `json:"dedup_window,omitempty" split_words:"true"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty" split_words:"true"`
}

// HTTPConfig controls the optional HTTP API (health and calendar feeds).
//
// Prefer binding to localhost behind a reverse proxy; feeds are not authenticated.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	// PublicURL is the externally reachable base URL shown by /calendar.
	PublicURL       string    `json:"public_url,omitempty" split_words:"true"`
	ReadTimeout     string    `json:"read_timeout,omitempty" split_words:"true"`
	WriteTimeout    string    `json:"write_timeout,omitempty" split_words:"true"`
	ShutdownTimeout string    `json:"shutdown_timeout,omitempty" split_words:"true"`
	Pprof           HTTPPprof `json:"pprof"`
}

// HTTPPprof mounts /debug/pprof on the HTTP API. A non-loopback addr needs a token.
type HTTPPprof struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty" split_words:"true"`
	// Sampling rates; -1 keeps the runtime default.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" split_words:"true"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" split_words:"true"`
}
