package config

import (
	"fmt"
	"strings"
)

// Validate checks structure: known enum values, parseable durations, complete
// trigger definitions. Schedule strings are only checked for presence here;
// the app layer dry-parses them against the trigger grammar before applying.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if cfg.Scheduler.Capacity < 0 {
		return fmt.Errorf("scheduler.capacity: must be >= 0")
	}
	for path, raw := range map[string]string{
		"scheduler.tick":              cfg.Scheduler.Tick,
		"scheduler.retry_backoff":     cfg.Scheduler.RetryBackoff,
		"scheduler.retry_backoff_max": cfg.Scheduler.RetryBackoffMax,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if cfg.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts: must be >= 0")
	}
	if cfg.Supervisor.RestartBatchLimit < 0 {
		return fmt.Errorf("supervisor.restart_batch_limit: must be >= 0")
	}
	if cfg.Supervisor.BreakerThreshold < 0 {
		return fmt.Errorf("supervisor.breaker_threshold: must be >= 0")
	}
	for path, raw := range map[string]string{
		"supervisor.initial_backoff":  cfg.Supervisor.InitialBackoff,
		"supervisor.max_backoff":      cfg.Supervisor.MaxBackoff,
		"supervisor.breaker_window":   cfg.Supervisor.BreakerWindow,
		"supervisor.breaker_cooldown": cfg.Supervisor.BreakerCooldown,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	seen := map[string]struct{}{}
	for i, def := range cfg.Triggers.Defs {
		at := fmt.Sprintf("triggers.defs[%d]", i)
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return fmt.Errorf("%s.name: required", at)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s.name: duplicate %q", at, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(def.Schedule) == "" {
			return fmt.Errorf("%s.schedule: required", at)
		}
		if strings.TrimSpace(def.Action) == "" {
			return fmt.Errorf("%s.action: required", at)
		}
		switch strings.ToLower(strings.TrimSpace(def.Overlap)) {
		case "", "skip", "allow":
		default:
			return fmt.Errorf("%s.overlap: must be \"skip\" or \"allow\"", at)
		}
		if _, err := ParseDurationField(at+".max_exec_time", def.MaxExecTime); err != nil {
			return err
		}
		if def.Retries < 0 {
			return fmt.Errorf("%s.retries: must be >= 0", at)
		}
	}

	if j := cfg.Journal; j != nil {
		driver := strings.ToLower(strings.TrimSpace(j.Driver))
		switch driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("journal.driver: unknown driver %q", j.Driver)
		}
		if (driver == "file" || driver == "sqlite" || driver == "sqlite3") &&
			strings.TrimSpace(j.Path) == "" {
			return fmt.Errorf("journal.path: required for driver %q", driver)
		}
		for path, raw := range map[string]string{
			"journal.busy_timeout": j.BusyTimeout,
			"journal.retention":    j.Retention,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		if j.QueueSize < 0 {
			return fmt.Errorf("journal.queue_size: must be >= 0")
		}
	}

	for path, raw := range map[string]string{
		"diag.read_timeout":  cfg.Diag.ReadTimeout,
		"diag.write_timeout": cfg.Diag.WriteTimeout,
		"diag.idle_timeout":  cfg.Diag.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	return nil
}
