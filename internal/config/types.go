package config

// Config is the whole daemon configuration.
//
// It is loaded once at startup. The only section that may be re-applied while
// the process runs is Logging (see Manager.Watch); every pipeline tunable
// requires a restart.
//
// All durations are Go duration strings (e.g. "500ms", "45s", "1m").
type Config struct {
	Slack     SlackConfig     `json:"slack"`
	Watch     WatchConfig     `json:"watch"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	API       APIConfig       `json:"api,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Debug     bool            `json:"debug,omitempty"`
}

// SlackConfig configures the Web API session.
type SlackConfig struct {
	Token string `json:"token"`

	// APIBaseURL overrides the Web API endpoint (tests, proxies).
	// Default: "https://slack.com/api".
	APIBaseURL string `json:"api_base_url,omitempty"`

	// RatePerSec caps outbound Web API calls. Default: 5.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// HTTPTimeout is the per-request timeout. Default: "15s".
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// WatchConfig configures what the poller looks at and how often.
type WatchConfig struct {
	// Channels is the list of channel IDs polled each cycle, in order.
	Channels []string `json:"channels"`

	// Keywords are matched as case-insensitive substrings.
	// They are lower-cased during Load; order is preserved and is the order
	// reported in matched_keywords.
	Keywords []string `json:"keywords,omitempty"`

	// Users whose messages are always ingested, regardless of content.
	Users []string `json:"users,omitempty"`

	// SelfUserID is the bot's own user ID. If empty it is filled from
	// auth.test at startup.
	SelfUserID string `json:"self_user_id,omitempty"`

	// LoopbackChannel is the one channel where self-authored messages are
	// NOT filtered out. Used to exercise the pipeline end to end.
	LoopbackChannel string `json:"loopback_channel,omitempty"`

	// Poll interval bounds; each cycle sleeps a uniformly random duration
	// in [min, max]. Defaults: "45s" / "75s".
	PollIntervalMin string `json:"poll_interval_min,omitempty"`
	PollIntervalMax string `json:"poll_interval_max,omitempty"`

	// FetchBatchSize caps messages fetched per channel per cycle.
	// Default 50, clamped to [1, 200].
	FetchBatchSize int `json:"fetch_batch_size,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slackwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// APIConfig controls the admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8710").
//   - If you bind to a non-loopback address, set a pprof token or explicitly
//     allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8710"
	PprofToken    string `json:"pprof_token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// RetentionConfig controls pruning of processed queue entries.
//
// Enabled is a pointer so "omitted" defaults to true while an explicit
// false still turns the job off.
type RetentionConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Spec    string `json:"spec,omitempty"`    // cron spec, default "@hourly"
	MaxAge  string `json:"max_age,omitempty"` // default "336h" (14 days)
}
