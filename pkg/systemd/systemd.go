// Package systemd reports service state to systemd over sd_notify. Outside
// systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "threadbot/pkg/logx"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return notify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return notify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return notify(false, "STATUS="+fmt.Sprintf(format, args...))
}

// RunWatchdog pings the watchdog at half the configured interval until ctx
// ends. healthy gates each ping; a nil healthy always pings. It returns
// immediately when the unit has no WatchdogSec.
func RunWatchdog(ctx context.Context, healthy func() bool, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	return watchdogLoop(ctx, interval/2, healthy, log)
}

func watchdogLoop(ctx context.Context, every time.Duration, healthy func() bool, log logx.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("watchdog ping withheld; service unhealthy")
				continue
			}
			if _, err := notify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("watchdog notify failed", logx.Err(err))
			}
		}
	}
}
