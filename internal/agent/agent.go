// Package agent is the runtime core: a single-threaded cooperative tick
// loop that drives transport connectivity with exponential backoff,
// routes inbound messages to pairing and command handling, publishes
// state on a heartbeat and after every mutation, switches power mode on
// activity, and schedules the two designed restart paths.
package agent

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"irblaster"
	"irblaster/internal/command"
	"irblaster/internal/ir"
	"irblaster/internal/logger"
	"irblaster/internal/pairing"
	"irblaster/internal/store"
	"irblaster/internal/transport"
)

const (
	reconnectMin   = 1 * time.Second
	reconnectMax   = 60 * time.Second
	stateHeartbeat = 30 * time.Second
	activeWindow   = 5 * time.Minute
	rebootDelay    = 350 * time.Millisecond

	// Tick granularity: eco mode ticks slower to reduce idle draw.
	tickActive = 5 * time.Millisecond
	tickEco    = 25 * time.Millisecond
)

// PowerMode values published in state.
const (
	PowerActive = "active"
	PowerEco    = "eco"
)

var runtimeCommands = []string{
	"runtime/debug/get",
	"runtime/debug/set",
	"runtime/config/get",
	"runtime/config/set",
	"runtime/reboot",
	"runtime/ota/start",
}

// Conn is the transport session contract.
type Conn interface {
	Connect() error
	IsConnected() bool
	Disconnect()
	Publish(topic string, payload []byte, retain bool) error
	PublishJSON(topic string, v any, retain bool) error
	Messages() <-chan transport.Message
}

// Journal records runtime transitions; may be nil.
type Journal interface {
	Append(ctx context.Context, e irblaster.AgentEvent) error
}

// Config wires an Agent.
type Config struct {
	Log         *logger.Logger
	Settings    *store.Settings
	Conn        Conn
	Journal     Journal
	Transceiver *ir.Transceiver
	OTA         command.OTARunner
	Identity    irblaster.Identity

	// Restart performs the process restart; nil means exit via the
	// supervisorless reboot path (os.Exit replaced in tests).
	Restart func()
}

// Agent owns all mutable runtime state. Every field below is touched
// only from the tick goroutine; the snapshot mutex exists solely so the
// diagnostics API can read a copy.
type Agent struct {
	log      *logger.Logger
	settings *store.Settings
	conn     Conn
	journal  Journal
	trx      *ir.Transceiver
	ident    irblaster.Identity

	pairing    *pairing.Service
	dispatcher *command.Dispatcher

	start   time.Time
	now     func() time.Time
	sleep   func(time.Duration)
	restart func()

	retryDelay    time.Duration
	nextRetryAt   time.Time
	lastStatePub  time.Time
	activeUntil   time.Time
	eco           bool
	learning      bool
	pendingReboot bool
	rebootAt      time.Time

	mu       sync.RWMutex
	snapshot irblaster.AgentState
}

func New(cfg Config) *Agent {
	a := &Agent{
		log:        cfg.Log,
		settings:   cfg.Settings,
		conn:       cfg.Conn,
		journal:    cfg.Journal,
		trx:        cfg.Transceiver,
		ident:      cfg.Identity,
		start:      time.Now(),
		now:        time.Now,
		sleep:      time.Sleep,
		restart:    cfg.Restart,
		retryDelay: reconnectMin,
	}
	a.pairing = pairing.New(
		cfg.Log,
		cfg.Settings,
		cfg.Conn,
		cfg.Journal,
		cfg.Identity,
		a.capabilities,
		a.stamp,
		a.PublishState,
	)
	a.dispatcher = command.New(
		cfg.Log,
		cfg.Identity.AgentUID,
		a.pairing,
		cfg.Conn,
		a,
		cfg.Transceiver,
		cfg.OTA,
		cfg.Journal,
		a.stamp,
		a.serviceConn,
	)
	a.MarkActivity()
	a.snapshot = a.buildState()
	return a
}

func (a *Agent) capabilities() irblaster.Capabilities {
	return irblaster.Capabilities{
		CanSend:  a.trx.CanSend(),
		CanLearn: a.trx.CanLearn(),
	}
}

// stamp renders seconds since boot with millisecond precision, the
// monotonic timestamp carried in offers, acks and responses.
func (a *Agent) stamp() string {
	return strconv.FormatFloat(a.now().Sub(a.start).Seconds(), 'f', 3, 64)
}

// serviceConn is the injected yield used by capture, hold-gap and OTA
// loops. The paho client services keepalive on its own goroutines, so
// yielding the processor is all that is needed to stay responsive.
func (a *Agent) serviceConn() {
	runtime.Gosched()
}

// Run drives the tick loop until ctx is canceled.
func (a *Agent) Run(ctx context.Context) {
	defer a.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.Tick()
		if a.eco {
			a.sleep(tickEco)
		} else {
			a.sleep(tickActive)
		}
	}
}

// Tick is one iteration of the loop: reconnect policy, inbox drain,
// heartbeat, power mode, scheduled reboot.
func (a *Agent) Tick() {
	now := a.now()
	if !a.conn.IsConnected() {
		if !now.Before(a.nextRetryAt) {
			if err := a.connect(); err != nil {
				a.onConnectFailure(now)
			} else {
				a.onConnectSuccess(now)
			}
		}
	} else {
		a.drainInbox()
		if a.now().Sub(a.lastStatePub) > stateHeartbeat {
			a.PublishState()
		}
	}

	a.applyPowerMode()

	if a.pendingReboot && !a.now().Before(a.rebootAt) {
		a.log.Infow("restarting")
		a.sleep(50 * time.Millisecond)
		a.restart()
	}
}

// shutdown announces offline before the clean disconnect. A clean
// disconnect suppresses the last will, so without the explicit publish
// hubs would keep seeing the retained "online".
func (a *Agent) shutdown() {
	if a.conn.IsConnected() {
		topic := transport.TopicStatus(a.ident.AgentUID)
		if err := a.conn.Publish(topic, []byte(transport.StatusOffline), true); err != nil {
			a.log.Warnw("publish offline status failed", "err", err)
		}
	}
	a.conn.Disconnect()
}

func (a *Agent) connect() error {
	if err := a.conn.Connect(); err != nil {
		return err
	}
	a.log.Infow("transport connected")
	a.PublishState()
	a.MarkActivity()
	a.applyPowerMode()
	return nil
}

// onConnectFailure doubles the retry interval up to the ceiling.
func (a *Agent) onConnectFailure(now time.Time) {
	a.retryDelay *= 2
	if a.retryDelay > reconnectMax {
		a.retryDelay = reconnectMax
	}
	a.nextRetryAt = now.Add(a.retryDelay)
	a.log.Debugw("transport connect failed", "retry_in", a.retryDelay)
}

// onConnectSuccess resets backoff to the floor.
func (a *Agent) onConnectSuccess(now time.Time) {
	a.retryDelay = reconnectMin
	a.nextRetryAt = now.Add(a.retryDelay)
}

// drainInbox handles every queued message within this tick. Handling
// is inherently serialized: nothing else consumes the inbox.
func (a *Agent) drainInbox() {
	for {
		select {
		case msg := <-a.conn.Messages():
			a.route(msg)
		default:
			return
		}
	}
}

func (a *Agent) route(msg transport.Message) {
	topic := msg.Topic
	switch {
	case topic == transport.TopicPairingOpen:
		a.pairing.HandleOpen(msg.Payload)
	case hasPrefix(topic, "pairing/accept/"):
		a.pairing.HandleAccept(topic, msg.Payload)
	case hasPrefix(topic, "pairing/unpair/"):
		// Retained clears arrive as empty payloads; ignore them.
		if len(msg.Payload) == 0 {
			return
		}
		a.pairing.HandleUnpair(topic, msg.Payload)
	default:
		if cmd, ok := transport.ParseCommandTopic(topic, a.ident.AgentUID); ok {
			a.dispatcher.Dispatch(cmd, msg.Payload)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (a *Agent) buildState() irblaster.AgentState {
	caps := a.capabilities()
	mode := PowerActive
	if a.eco {
		mode = PowerEco
	}
	return irblaster.AgentState{
		PairingHubID:    a.pairing.Hub(),
		Debug:           a.settings.Debug(),
		AgentType:       a.ident.AgentType,
		ProtocolVersion: a.ident.ProtocolVersion,
		SWVersion:       a.ident.SWVersion,
		CanSend:         caps.CanSend,
		CanLearn:        caps.CanLearn,
		OTASupported:    true,
		RebootRequired:  a.settings.RebootRequired(),
		IrTxPin:         a.settings.IrTxPin(),
		IrRxPin:         a.settings.IrRxPin(),
		PowerMode:       mode,
		RuntimeCommands: runtimeCommands,
		UpdatedAt:       a.stamp(),
	}
}

// PublishState publishes the full retained state snapshot and refreshes
// the copy served to the diagnostics API. Called on the heartbeat and
// synchronously after every state-affecting mutation.
func (a *Agent) PublishState() {
	state := a.buildState()

	a.mu.Lock()
	a.snapshot = state
	a.mu.Unlock()

	if !a.conn.IsConnected() {
		return
	}
	if err := a.conn.PublishJSON(transport.TopicState(a.ident.AgentUID), state, true); err != nil {
		a.log.Warnw("publish state failed", "err", err)
		return
	}
	a.lastStatePub = a.now()
}

// applyPowerMode recomputes eco/active and republishes state only when
// the mode actually flips.
func (a *Agent) applyPowerMode() {
	shouldEco := !a.learning && a.now().After(a.activeUntil)
	if shouldEco == a.eco {
		return
	}
	a.eco = shouldEco
	a.PublishState()
}

// Snapshot returns the latest state copy for the diagnostics API.
func (a *Agent) Snapshot() irblaster.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Connected reports transport liveness for the diagnostics API.
func (a *Agent) Connected() bool {
	return a.conn.IsConnected()
}
