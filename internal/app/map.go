package app

import (
	"fmt"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/diag"
	"warden/internal/journal"
	"warden/internal/sched"
	"warden/internal/supervisor"
	"warden/internal/trigger"
	"warden/pkg/logx"
)

// The map* functions translate on-disk config sections into component
// configs. They parse duration strings here so components only ever see
// time.Duration; a zero duration means "use the component default".

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedConfig(cfg *config.Config) (sched.Config, error) {
	var out sched.Config
	if cfg == nil {
		return out, nil
	}
	sc := cfg.Scheduler
	out.Capacity = sc.Capacity

	var err error
	if out.Tick, err = config.ParseDurationOrDefault("scheduler.tick", sc.Tick, 0); err != nil {
		return sched.Config{}, err
	}
	if out.RetryBackoff, err = config.ParseDurationOrDefault("scheduler.retry_backoff", sc.RetryBackoff, 0); err != nil {
		return sched.Config{}, err
	}
	if out.RetryBackoffMax, err = config.ParseDurationOrDefault("scheduler.retry_backoff_max", sc.RetryBackoffMax, 0); err != nil {
		return sched.Config{}, err
	}
	return out, nil
}

func mapSupervisorConfig(cfg *config.Config) (supervisor.Config, error) {
	var out supervisor.Config
	if cfg == nil {
		return out, nil
	}
	sc, err := mapSchedConfig(cfg)
	if err != nil {
		return supervisor.Config{}, err
	}
	out.Sched = sc

	sv := cfg.Supervisor
	out.MaxRestarts = sv.MaxRestarts
	out.RestartBatchLimit = sv.RestartBatchLimit
	out.BreakerThreshold = sv.BreakerThreshold

	if out.InitialBackoff, err = config.ParseDurationOrDefault("supervisor.initial_backoff", sv.InitialBackoff, 0); err != nil {
		return supervisor.Config{}, err
	}
	if out.MaxBackoff, err = config.ParseDurationOrDefault("supervisor.max_backoff", sv.MaxBackoff, 0); err != nil {
		return supervisor.Config{}, err
	}
	if out.BreakerWindow, err = config.ParseDurationOrDefault("supervisor.breaker_window", sv.BreakerWindow, 0); err != nil {
		return supervisor.Config{}, err
	}
	if out.BreakerCooldown, err = config.ParseDurationOrDefault("supervisor.breaker_cooldown", sv.BreakerCooldown, 0); err != nil {
		return supervisor.Config{}, err
	}
	return out, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	if cfg == nil {
		return trigger.Config{}
	}
	return trigger.Config{
		Enabled:  cfg.Triggers.Enabled,
		Timezone: cfg.Triggers.Timezone,
	}
}

// mapTriggerDefs builds trigger definitions from the config, dry-running the
// schedule grammar and (when a registry is supplied) checking that every
// referenced action exists.
func mapTriggerDefs(cfg *config.Config, reg *trigger.Registry) ([]trigger.Def, error) {
	if cfg == nil || len(cfg.Triggers.Defs) == 0 {
		return nil, nil
	}
	defs := make([]trigger.Def, 0, len(cfg.Triggers.Defs))
	for i, td := range cfg.Triggers.Defs {
		name := strings.TrimSpace(td.Name)
		if name == "" {
			return nil, fmt.Errorf("triggers.defs[%d]: name is required", i)
		}
		if _, err := trigger.ParseSchedule(td.Schedule); err != nil {
			return nil, fmt.Errorf("triggers.defs[%d] (%s): %w", i, name, err)
		}
		action := strings.TrimSpace(td.Action)
		if action == "" {
			return nil, fmt.Errorf("triggers.defs[%d] (%s): action is required", i, name)
		}
		if reg != nil {
			if _, ok := reg.Lookup(action); !ok {
				return nil, fmt.Errorf("triggers.defs[%d] (%s): unknown action %q", i, name, action)
			}
		}
		maxExec, err := config.ParseDurationOrDefault(
			fmt.Sprintf("triggers.defs[%d].max_exec_time", i), td.MaxExecTime, 0)
		if err != nil {
			return nil, err
		}

		var overlap trigger.OverlapPolicy
		switch strings.ToLower(strings.TrimSpace(td.Overlap)) {
		case "", "skip":
			overlap = trigger.OverlapSkip
		case "allow":
			overlap = trigger.OverlapAllow
		default:
			return nil, fmt.Errorf("triggers.defs[%d] (%s): overlap must be \"skip\" or \"allow\"", i, name)
		}

		defs = append(defs, trigger.Def{
			Name:        name,
			Schedule:    td.Schedule,
			Action:      action,
			Priority:    td.Priority,
			Retries:     td.Retries,
			MaxExecTime: maxExec,
			Overlap:     overlap,
		})
	}
	return defs, nil
}

// mapJournalConfig returns the journal config and whether the journal is
// enabled at all. A nil section or driver "none" means disabled.
func mapJournalConfig(cfg *config.Config) (journal.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}

	retention, err := config.ParseDurationOrDefault("journal.retention", jc.Retention, 7*24*time.Hour)
	if err != nil {
		return journal.Config{}, false, err
	}

	out := journal.Config{
		Driver:    driver,
		Path:      strings.TrimSpace(jc.Path),
		Retention: retention,
		QueueSize: jc.QueueSize,
	}

	switch driver {
	case "file":
		if out.Path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path: required for driver %q", driver)
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path: required for driver %q", driver)
		}
		out.Driver = "sqlite"
		if out.BusyTimeout, err = config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second); err != nil {
			return journal.Config{}, false, err
		}
	default:
		return journal.Config{}, false, fmt.Errorf("journal.driver: unknown driver %q", jc.Driver)
	}
	return out, true, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	var out diag.Config
	if cfg == nil {
		return out, nil
	}
	dc := cfg.Diag
	out.Enabled = dc.Enabled
	out.Addr = dc.Addr
	out.Pprof = dc.Pprof
	out.Token = dc.Token
	out.AllowInsecure = dc.AllowInsecure

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("diag.read_timeout", dc.ReadTimeout, 0); err != nil {
		return diag.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("diag.write_timeout", dc.WriteTimeout, 0); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("diag.idle_timeout", dc.IdleTimeout, 0); err != nil {
		return diag.Config{}, err
	}
	return out, nil
}
