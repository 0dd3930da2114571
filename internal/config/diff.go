package config

import (
	"reflect"
	"sort"
	"strings"

	logx "warden/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like the diag token).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.capacity", newCfg.Scheduler.Capacity),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.retry_backoff", strings.TrimSpace(newCfg.Scheduler.RetryBackoff)),
		)
	}

	if oldCfg.Supervisor != newCfg.Supervisor {
		changed = append(changed, "supervisor")
		attrs = append(attrs,
			logx.String("supervisor.initial_backoff", strings.TrimSpace(newCfg.Supervisor.InitialBackoff)),
			logx.String("supervisor.max_backoff", strings.TrimSpace(newCfg.Supervisor.MaxBackoff)),
			logx.Int("supervisor.max_restarts", newCfg.Supervisor.MaxRestarts),
			logx.Int("supervisor.breaker_threshold", newCfg.Supervisor.BreakerThreshold),
		)
	}

	if oldCfg.Triggers.Enabled != newCfg.Triggers.Enabled ||
		strings.TrimSpace(oldCfg.Triggers.Timezone) != strings.TrimSpace(newCfg.Triggers.Timezone) ||
		!reflect.DeepEqual(oldCfg.Triggers.Defs, newCfg.Triggers.Defs) {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Bool("triggers.enabled", newCfg.Triggers.Enabled),
			logx.String("triggers.timezone", strings.TrimSpace(newCfg.Triggers.Timezone)),
			logx.Int("triggers.defs", len(newCfg.Triggers.Defs)),
		)
	}

	// Journal: nil means disabled.
	oldJ, newJ := derefJournal(oldCfg.Journal), derefJournal(newCfg.Journal)
	if (oldCfg.Journal != nil) != (newCfg.Journal != nil) || oldJ != newJ {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", strings.TrimSpace(newJ.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(newJ.Path) != ""),
			logx.String("journal.retention", strings.TrimSpace(newJ.Retention)),
		)
	}

	// Diag (never log the token).
	if oldCfg.Diag.Enabled != newCfg.Diag.Enabled ||
		strings.TrimSpace(oldCfg.Diag.Addr) != strings.TrimSpace(newCfg.Diag.Addr) ||
		oldCfg.Diag.Pprof != newCfg.Diag.Pprof ||
		oldCfg.Diag.AllowInsecure != newCfg.Diag.AllowInsecure ||
		strings.TrimSpace(oldCfg.Diag.ReadTimeout) != strings.TrimSpace(newCfg.Diag.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Diag.WriteTimeout) != strings.TrimSpace(newCfg.Diag.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Diag.IdleTimeout) != strings.TrimSpace(newCfg.Diag.IdleTimeout) ||
		strings.TrimSpace(oldCfg.Diag.Token) != strings.TrimSpace(newCfg.Diag.Token) {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.pprof", newCfg.Diag.Pprof),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
			logx.Bool("diag.allow_insecure", newCfg.Diag.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefJournal(j *JournalConfig) JournalConfig {
	if j == nil {
		return JournalConfig{}
	}
	return *j
}
