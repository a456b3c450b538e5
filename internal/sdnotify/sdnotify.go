// Package sdnotify reports daemon readiness, status and liveness to systemd.
// Every call is a no-op when the service does not run under systemd.
package sdnotify

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/gdg-abesec/abeslink/internal/portal"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

// New returns a Notifier bound to $NOTIFY_SOCKET.
func New() *Notifier {
	return &Notifier{
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		watchdog: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		slog.Warn("Failed to notify systemd", "state", state, "error", err)
		return
	}
	if sent {
		slog.Debug("Notified systemd", "state", state)
	}
}

// Ready signals that startup finished.
func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Stopping signals that shutdown began.
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Status publishes a one-line status shown by systemctl status.
func (n *Notifier) Status(msg string) {
	n.send("STATUS=" + msg)
}

// StatusFor formats a connection status for Status.
func StatusFor(s portal.Status, running bool) string {
	if !running {
		return "Stopped"
	}
	return s.Label()
}

// RunWatchdog pings the systemd watchdog at half its interval until ctx
// ends. healthy is consulted before each ping; a false result skips it.
// It returns immediately when the watchdog is not enabled.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) {
	interval, err := n.watchdog()
	if err != nil {
		slog.Warn("Failed to read watchdog settings", "error", err)
		return
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	slog.Info("Systemd watchdog enabled", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if healthy != nil && !healthy() {
				slog.Warn("Skipping watchdog ping, engine unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
