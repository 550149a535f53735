package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"darklook/internal/monitor"
	logx "darklook/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Outside systemd every call is a
// no-op.
type sdNotifier struct {
	log      logx.Logger
	watchdog time.Duration
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{log: log}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog probe failed", logx.Err(err))
	} else if d > 0 {
		n.watchdog = d
		log.Info("systemd watchdog enabled", logx.Duration("interval", d))
	}
	return n
}

func (n *sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Trace("sd_notify sent", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Tick pets the watchdog after every completed monitor pass, so a stuck
// loop gets the unit restarted. WatchdogSec must exceed the poll interval.
func (n *sdNotifier) Tick(monitor.TickReport) {
	if n.watchdog > 0 {
		n.send(daemon.SdNotifyWatchdog)
	}
}
