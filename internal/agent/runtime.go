package agent

import (
	"context"
	"time"

	"irblaster"
)

// The methods below are the mutation surface used by command handling.
// All of them run on the tick goroutine.

// MarkActivity extends the active power window.
func (a *Agent) MarkActivity() {
	a.activeUntil = a.now().Add(activeWindow)
}

func (a *Agent) Learning() bool { return a.learning }

// SetLearning toggles capture mode and keeps the receiver hardware in
// step. Learning holds the agent in active power mode.
func (a *Agent) SetLearning(active bool) {
	a.learning = active
	a.trx.ApplyLearning(active)
}

func (a *Agent) Debug() bool { return a.settings.Debug() }

func (a *Agent) SetDebug(enabled bool) error {
	return a.settings.SetDebug(enabled)
}

func (a *Agent) Pins() (txPin, rxPin int) {
	return a.settings.IrTxPin(), a.settings.IrRxPin()
}

func (a *Agent) SetPins(txPin, rxPin int) error {
	return a.settings.SetPins(txPin, rxPin)
}

func (a *Agent) RebootRequired() bool { return a.settings.RebootRequired() }

func (a *Agent) SetRebootRequired(required bool) error {
	return a.settings.SetRebootRequired(required)
}

// ScheduleReboot arms the delayed restart. The delay gives the response
// publish and the retained state update time to leave the socket.
func (a *Agent) ScheduleReboot() {
	if a.pendingReboot {
		return
	}
	a.pendingReboot = true
	a.rebootAt = a.now().Add(rebootDelay)
	a.record(irblaster.EventReboot, "restart scheduled", nil)
	a.log.Infow("restart scheduled", "delay", rebootDelay)
}

func (a *Agent) record(typ, description string, meta map[string]any) {
	if a.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.journal.Append(ctx, irblaster.AgentEvent{
		Type:        typ,
		Description: description,
		Metadata:    meta,
	}); err != nil {
		a.log.Warnw("journal append failed", "type", typ, "err", err)
	}
}
