package journal

import (
	"context"
	"time"

	logx "warden/pkg/logx"
)

// PruneAction returns a schedulable action that trims entries older than the
// retention window. With no store it is a no-op, so wiring stays unconditional.
func PruneAction(st Store, log logx.Logger, retention time.Duration) func(context.Context) error {
	if retention <= 0 {
		retention = Config{}.withDefaults().Retention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context) error {
		if st == nil {
			return nil
		}
		cutoff := time.Now().Add(-retention)
		removed, err := st.Prune(ctx, cutoff)
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Info("journal pruned",
				logx.Int("removed", removed),
				logx.Time("cutoff", cutoff),
			)
		}
		return nil
	}
}
