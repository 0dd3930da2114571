package config

// Config is the full on-disk configuration. YAML and JSON are both accepted;
// YAML is coerced to JSON so one strict decoder covers both.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Triggers   TriggersConfig   `json:"triggers"`

	// Journal is optional; nil means disabled.
	Journal *JournalConfig `json:"journal,omitempty"`

	Diag DiagConfig `json:"diag,omitempty"`
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

// SchedulerConfig controls the task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - capacity: 1000
//   - tick: "10ms"
//   - retry_backoff: "50ms"
//   - retry_backoff_max: "1s"
type SchedulerConfig struct {
	Capacity        int    `json:"capacity,omitempty"`
	Tick            string `json:"tick,omitempty"`
	RetryBackoff    string `json:"retry_backoff,omitempty"`
	RetryBackoffMax string `json:"retry_backoff_max,omitempty"`
}

// SupervisorConfig controls child restart behavior.
//
// Defaults (when fields are omitted/zero):
//   - initial_backoff: "500ms"
//   - max_backoff: "30s"
//   - max_restarts: 10
//   - restart_batch_limit: 5
//   - breaker_threshold: 5
//   - breaker_window: "1m"
//   - breaker_cooldown: "30s"
type SupervisorConfig struct {
	InitialBackoff    string `json:"initial_backoff,omitempty"`
	MaxBackoff        string `json:"max_backoff,omitempty"`
	MaxRestarts       int    `json:"max_restarts,omitempty"`
	RestartBatchLimit int    `json:"restart_batch_limit,omitempty"`
	BreakerThreshold  int    `json:"breaker_threshold,omitempty"`
	BreakerWindow     string `json:"breaker_window,omitempty"`
	BreakerCooldown   string `json:"breaker_cooldown,omitempty"`
}

// TriggersConfig declares recurring task admissions.
type TriggersConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Defs []TriggerDef `json:"defs,omitempty"`
}

// TriggerDef names an action from the registry and a schedule for it.
//
// Schedule accepts standard cron specs (five or six fields), "@every ..."
// descriptors, bare Go durations and "HH:MM" day intervals, optionally
// prefixed "cron:" or "every:".
type TriggerDef struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Action   string `json:"action"`

	Priority int `json:"priority,omitempty"`
	Retries  int `json:"retries,omitempty"`

	MaxExecTime string `json:"max_exec_time,omitempty"`

	// Overlap is "skip" (default) or "allow".
	Overlap string `json:"overlap,omitempty"`
}

// JournalConfig controls run-history persistence.
//
// Example:
//
//	"journal": { "driver": "file", "path": "./warden_journal.jsonl" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	// Retention bounds pruning; default "168h" (7 days).
	Retention string `json:"retention,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// PruneSchedule overrides when the retention sweep runs; default "@daily".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// DiagConfig controls the diagnostic HTTP listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8321").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8321"
	Pprof         bool   `json:"pprof,omitempty"` // expose /debug/pprof
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so pprof
	// profiles (which can take 30s+) work reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
