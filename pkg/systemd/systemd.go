// Package systemd reports service state to systemd over the sd_notify socket.
// Every call is a no-op when the process is not run by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pewsched/pkg/logx"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	enabled bool
	log     logx.Logger

	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

// New returns a notifier. A disabled notifier never talks to systemd.
func New(enabled bool, log logx.Logger) *Notifier {
	return &Notifier{
		enabled:  enabled,
		log:      log,
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready tells systemd that startup finished.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Reloading marks a config reload in progress; call Ready when done.
func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Stopping tells systemd that shutdown began.
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// WatchdogInterval returns the ping interval (half of WATCHDOG_USEC), or 0
// when the watchdog is disabled for this process.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// RunWatchdog pings the watchdog until ctx is done. healthy gates each ping;
// a nil healthy always pings. Returns immediately if the watchdog is off.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping skipped: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
