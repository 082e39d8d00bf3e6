package config

// Config is the on-disk configuration: runtime sections plus the catalog
// (targets, templates, schedules, policies, channels).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Transport TransportConfig `json:"transport"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage is disabled when omitted.
	Storage *StorageConfig `json:"storage,omitempty"`
	API     APIConfig      `json:"api"`

	Targets   []TargetConfig   `json:"targets"`
	Templates []TemplateConfig `json:"templates"`
	Schedules []ScheduleConfig `json:"schedules"`
	Policies  []PolicyConfig   `json:"policies"`
	Channels  []ChannelConfig  `json:"channels"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above MinLevel to a notification channel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the schedule loop.
//
// Defaults: tick "30s", misfire_grace "5m".
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	Tick         string `json:"tick,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
	// RefreshFromFile re-reads the config file on every tick instead of
	// relying on the file watcher.
	RefreshFromFile bool `json:"refresh_from_file,omitempty"`
}

// EngineConfig controls the run coordinator.
//
// Enabled is a pointer so we can distinguish "omitted" (enabled) from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - max_parallel: 8
//   - max_concurrent_runs: 16
//   - default_timeout: "0s" (none)
//   - history_size: 200
//   - max_output_bytes: 65536
type EngineConfig struct {
	Enabled           *bool         `json:"enabled,omitempty"`
	MaxParallel       int           `json:"max_parallel,omitempty"`
	MaxConcurrentRuns int           `json:"max_concurrent_runs,omitempty"`
	DefaultTimeout    string        `json:"default_timeout,omitempty"`
	HistorySize       int           `json:"history_size,omitempty"`
	MaxOutputBytes    int           `json:"max_output_bytes,omitempty"`
	Retry             *RetryConfig  `json:"retry,omitempty"`
	Circuit           CircuitConfig `json:"circuit"`
}

// RetryConfig is the per-target retry hook. On lists target statuses
// (connection_error, timed_out, failed); empty means the first two.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts"`
	Base        string   `json:"base,omitempty"`
	MaxDelay    string   `json:"max_delay,omitempty"`
	Jitter      float64  `json:"jitter,omitempty"`
	On          []string `json:"on,omitempty"`
}

// CircuitConfig tunes the per-target circuit breaker. trip_failures < 0 disables it.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type TransportConfig struct {
	Local LocalTransportConfig `json:"local"`
	SSH   SSHTransportConfig   `json:"ssh"`
}

type LocalTransportConfig struct {
	Shell string `json:"shell,omitempty"`
}

// SSHTransportConfig holds defaults for remote targets.
type SSHTransportConfig struct {
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	KnownHosts     string `json:"known_hosts,omitempty"`
	DefaultUser    string `json:"default_user,omitempty"`
	DefaultKeyPath string `json:"default_key_path,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers"`
	QueueSize   int    `json:"queue_size"`
	RatePerSec  int    `json:"rate_per_sec"`
	SendTimeout string `json:"send_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/fleetrun/fleetrun.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; may hold credentials (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxRuns     int    `json:"max_runs,omitempty"`
}

// APIConfig controls the HTTP control API.
//
// Security note: prefer binding to localhost. The API has no authentication.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Pprof   bool   `json:"pprof,omitempty"`
}

// TargetConfig describes one host. Remote targets set Host.
type TargetConfig struct {
	ID          string   `json:"id"`
	Mode        string   `json:"mode,omitempty"` // local | remote; inferred from host when empty
	Tags        []string `json:"tags,omitempty"`
	Host        string   `json:"host,omitempty"`
	Port        int      `json:"port,omitempty"`
	User        string   `json:"user,omitempty"`
	KeyPath     string   `json:"key_path,omitempty"`
	PasswordEnv string   `json:"password_env,omitempty"`
	KnownHosts  string   `json:"known_hosts,omitempty"`
	// InsecureIgnoreHostKey disables host key checking for this target.
	InsecureIgnoreHostKey bool `json:"insecure_ignore_host_key,omitempty"`
}

type SelectorConfig struct {
	Kind    string   `json:"kind"`
	Tags    []string `json:"tags,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

type TemplateConfig struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	JobType  string            `json:"job_type"`
	Selector SelectorConfig    `json:"selector"`
	Params   map[string]string `json:"params,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Retry    *RetryConfig      `json:"retry,omitempty"`
}

// ScheduleConfig binds a cron expression to a template. Enabled defaults to true.
type ScheduleConfig struct {
	ID       string `json:"id"`
	Template string `json:"template"`
	Cron     string `json:"cron"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Overlap  string `json:"overlap,omitempty"` // skip (default) | allow
}

type RateLimitConfig struct {
	Max    int    `json:"max"`
	Window string `json:"window"`
}

type PolicyConfig struct {
	ID          string           `json:"id"`
	JobTypes    []string         `json:"job_types,omitempty"`
	TargetTags  []string         `json:"target_tags,omitempty"`
	MinSeverity string           `json:"min_severity,omitempty"`
	RateLimit   *RateLimitConfig `json:"rate_limit,omitempty"`
	Template    string           `json:"template,omitempty"`
	Channels    []string         `json:"channels"`
}

// ChannelConfig is a notification destination. Settings may hold secrets;
// prefer the <key>_env form (never logged).
type ChannelConfig struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Settings map[string]string `json:"settings,omitempty"`
}
