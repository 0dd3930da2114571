package app

import (
	"context"

	"warden/internal/journal"
	"warden/pkg/logx"
)

// registerActions installs the built-in actions triggers may reference.
// Config-declared triggers are validated against this registry, so it must
// be populated before any definitions are mapped.
func (a *App) registerActions(jc journal.Config) error {
	if err := a.reg.Register("selfcheck", a.selfcheck); err != nil {
		return err
	}
	if a.store != nil {
		prune := journal.PruneAction(a.store, a.log.With(logx.String("comp", "journal")), jc.Retention)
		if err := a.reg.Register("journal.prune", prune); err != nil {
			return err
		}
	}
	return nil
}

// selfcheck logs a one-line health summary. Wire it to a trigger to get a
// periodic heartbeat in the logs and journal.
func (a *App) selfcheck(ctx context.Context) error {
	_ = ctx
	snap := a.sup.Snapshot()
	running := 0
	for _, c := range snap.Children {
		if c.State == "running" {
			running++
		}
	}
	a.log.Info("selfcheck",
		logx.Int("children", len(snap.Children)),
		logx.Int("running", running),
		logx.Int("abandoned", snap.Abandoned),
		logx.Int("tasks_live", snap.Scheduler.Live),
		logx.Uint64("restarts", snap.Restarts),
	)
	return nil
}
