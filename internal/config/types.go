package config

// Config is the on-disk configuration (YAML or JSON). Durations are Go
// duration strings ("10s", "2h") unless the field name says otherwise.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Coalesce   CoalesceConfig   `json:"coalesce"`
	Poller     PollerConfig     `json:"poller"`
	Platform   PlatformConfig   `json:"platform"`
	Reasoning  ReasoningConfig  `json:"reasoning"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Retention  RetentionConfig  `json:"retention,omitempty"`
	Artifacts  ArtifactsConfig  `json:"artifacts,omitempty"`
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

// StorageConfig controls the sqlite database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/threadbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CoalesceConfig controls high-traffic thread coalescing.
type CoalesceConfig struct {
	HighTraffic HighTrafficDetection `json:"high_traffic_detection"`

	MaxBatchAttempts     int    `json:"max_batch_attempts,omitempty"`
	SiblingWindow        string `json:"sibling_window,omitempty"`
	SingleRetryBase      string `json:"single_retry_base,omitempty"`
	RequestedDebounce    string `json:"requested_debounce,omitempty"`
	ThreadDepth          int    `json:"thread_depth,omitempty"`
	DebouncedThreadDepth int    `json:"debounced_thread_depth,omitempty"`
	ParentHeight         int    `json:"parent_height,omitempty"`
	ChainParentHeight    int    `json:"chain_parent_height,omitempty"`
}

// HighTrafficDetection mirrors the operator-facing knobs. Enabled is a
// pointer so an omitted key keeps detection on.
type HighTrafficDetection struct {
	Enabled               *bool `json:"enabled,omitempty"`
	NotificationThreshold int   `json:"notification_threshold,omitempty"`
	TimeWindowMinutes     int   `json:"time_window_minutes,omitempty"`
	MentionDebounceMin    int   `json:"mention_debounce_min,omitempty"`
	MentionDebounceMax    int   `json:"mention_debounce_max,omitempty"`
	ReplyDebounceMin      int   `json:"reply_debounce_min,omitempty"`
	ReplyDebounceMax      int   `json:"reply_debounce_max,omitempty"`
}

func (h HighTrafficDetection) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// PollerConfig controls the notification loop.
type PollerConfig struct {
	Interval     string `json:"interval,omitempty"`
	FeedLimit    int    `json:"feed_limit,omitempty"`
	FeedPages    int    `json:"feed_pages,omitempty"`
	PendingLimit int    `json:"pending_limit,omitempty"`
	DueLimit     int    `json:"due_limit,omitempty"`
}

// PlatformConfig holds the social platform account. Password may come
// from THREADBOT_PLATFORM_PASSWORD instead.
type PlatformConfig struct {
	BaseURL    string  `json:"base_url"`
	Handle     string  `json:"handle"`
	Password   string  `json:"password,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

type ReasoningConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// TaskEngineConfig controls the batch worker pool.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - circuit_trip_failures: 5 (negative disables)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

func (t TaskEngineConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// SchedulerConfig controls recurring prompts and maintenance.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// Maintenance is the schedule of retention cleanup ("every:6h" when empty).
	Maintenance string          `json:"maintenance,omitempty"`
	Tasks       []ScheduledTask `json:"tasks,omitempty"`
}

// ScheduledTask is one recurring prompt. Schedule accepts "every:24h",
// "cron:0 9 * * *" or "HH:MM". A non-empty Window makes the next run land
// uniformly inside [now, now+window) after each run instead.
type ScheduledTask struct {
	Name     string `json:"name"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Window   string `json:"window,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Prompt   string `json:"prompt"`
	Timeout  string `json:"timeout,omitempty"`
}

func (t ScheduledTask) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// AlertsConfig forwards warn+ log records to a Telegram chat. Token may
// come from THREADBOT_TELEGRAM_TOKEN instead.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty"`
	ServiceName  string  `json:"service_name,omitempty"`
	Insecure     bool    `json:"insecure,omitempty"`
	SampleRatio  float64 `json:"sample_ratio,omitempty"`
}

type RetentionConfig struct {
	Days int `json:"days,omitempty"`
}

// ArtifactsConfig enables the on-disk copy of queued events. Dir empty
// disables it.
type ArtifactsConfig struct {
	Dir string `json:"dir,omitempty"`
}
