package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"warden/pkg/logx"
)

// systemd readiness/liveness notifications. All of these are no-ops when the
// process is not running under systemd (NOTIFY_SOCKET unset).

func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified: ready")
	}
}

func notifyStopping(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified: stopping")
	}
}

// startWatchdog begins pinging the systemd watchdog when WatchdogSec is set
// on the unit. Pings run at half the configured interval.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog probe failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	period := interval / 2
	a.log.Info("systemd watchdog enabled",
		logx.Duration("interval", interval), logx.Duration("period", period))

	a.grp.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}
