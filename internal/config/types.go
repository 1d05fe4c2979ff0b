package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage controls the persistence layer shared by the schedule
	// registry and the geocode cache.
	Storage *StorageConfig `json:"storage,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Tracker   TrackerConfig   `json:"tracker"`
	Geocache  GeocacheConfig  `json:"geocache,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via the BOT_TOKEN environment
	// variable instead.
	Token string `json:"token,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Notify  LoggingNotify `json:"notify"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingNotify mirrors warnings and errors to a chat, rate limited.
type LoggingNotify struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./maptrack_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for slot interpretation, e.g. "Europe/Moscow".
	Timezone string `json:"timezone,omitempty"`
	// JobTimeout is a Go duration string bounding each scheduled check.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// TrackerConfig controls tracking job execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type TrackerConfig struct {
	// Command is the scraper argv; the query is appended as the last
	// argument.
	Command []string `json:"command"`
	// Timeout is the per-job wall-clock budget.
	Timeout string `json:"timeout,omitempty"`
	// MaxInFlight bounds concurrent browser sessions.
	MaxInFlight int `json:"max_in_flight,omitempty"`
	// AcquireWait bounds waiting for a free session slot.
	AcquireWait string `json:"acquire_wait,omitempty"`
	// Destination is the city distances are measured to.
	Destination string `json:"destination,omitempty"`
}

type GeocacheConfig struct {
	// TTL is a Go duration string; default is 720h (30 days).
	TTL string `json:"ttl,omitempty"`
	// SweepEvery is how often expired entries are purged.
	SweepEvery string `json:"sweep_every,omitempty"`
	// Country is appended to geocoding queries.
	Country  string `json:"country,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}
