package command

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"irblaster"
	"irblaster/internal/ir"
	"irblaster/internal/logger"
	"irblaster/internal/ota"
	"irblaster/internal/transport"
)

// Runtime is the agent context handlers mutate: activity, learning
// session, persisted flags and pins, state publication and reboot
// scheduling.
type Runtime interface {
	MarkActivity()
	Learning() bool
	SetLearning(active bool)
	Debug() bool
	SetDebug(enabled bool) error
	Pins() (txPin, rxPin int)
	SetPins(txPin, rxPin int) error
	RebootRequired() bool
	SetRebootRequired(required bool) error
	PublishState()
	ScheduleReboot()
}

// Authorizer is the pairing-side hub check.
type Authorizer interface {
	IsAuthorized(hubID string) bool
}

// Publisher is the outbound half of the transport.
type Publisher interface {
	PublishJSON(topic string, v any, retain bool) error
}

// OTARunner runs one firmware update attempt.
type OTARunner interface {
	Run(url, expectedSHA256 string) ota.Result
}

// Journal records dispatched commands; may be nil.
type Journal interface {
	Append(ctx context.Context, e irblaster.AgentEvent) error
}

// Dispatcher validates, executes and answers hub commands. All methods
// run on the agent's tick goroutine.
type Dispatcher struct {
	log     *logger.Logger
	agentID string
	auth    Authorizer
	pub     Publisher
	rt      Runtime
	trx     *ir.Transceiver
	ota     OTARunner
	journal Journal

	stamp   func() string
	now     func() time.Time
	sleep   func(time.Duration)
	service func()
}

// New wires a dispatcher. stamp produces response timestamps; service
// is the injected "keep the connection alive" step used by the
// capture-timeout and hold-gap loops.
func New(
	log *logger.Logger,
	agentID string,
	auth Authorizer,
	pub Publisher,
	rt Runtime,
	trx *ir.Transceiver,
	otaRunner OTARunner,
	journal Journal,
	stamp func() string,
	service func(),
) *Dispatcher {
	return &Dispatcher{
		log:     log,
		agentID: agentID,
		auth:    auth,
		pub:     pub,
		rt:      rt,
		trx:     trx,
		ota:     otaRunner,
		journal: journal,
		stamp:   stamp,
		now:     time.Now,
		sleep:   time.Sleep,
		service: service,
	}
}

type envelope struct {
	RequestID string `json:"request_id"`
	HubID     string `json:"hub_id"`
}

// Dispatch handles one command message. Missing identifiers or an
// unauthorized hub drop the message silently; everything else produces
// exactly one response on the request's response topic, published only
// after the side effect it reports has completed.
func (d *Dispatcher) Dispatch(command string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	if env.RequestID == "" || env.HubID == "" {
		return
	}
	if !d.auth.IsAuthorized(env.HubID) {
		d.log.Debugw("dropping command from unauthorized hub", "hub_id", env.HubID, "command", command)
		return
	}

	result := d.execute(command, payload)

	response := Response{
		RequestID:   env.RequestID,
		OK:          result.OK,
		RespondedAt: d.stamp(),
	}
	if result.OK {
		response.Result = result.Payload
	} else {
		response.Error = result.Err
	}
	topic := transport.TopicResponse(env.HubID, d.agentID, env.RequestID)
	if err := d.pub.PublishJSON(topic, response, false); err != nil {
		d.log.Warnw("publish command response failed", "topic", topic, "err", err)
	}

	d.record(command, env, result)

	if result.OK && result.reboot {
		d.rt.ScheduleReboot()
	}
}

func (d *Dispatcher) execute(command string, payload []byte) Result {
	switch command {
	case "send":
		return d.handleSend(payload)
	case "learn/start":
		return d.handleLearnStart()
	case "learn/stop":
		return d.handleLearnStop()
	case "learn/capture":
		return d.handleLearnCapture(payload)
	case "runtime/debug/get":
		return okResult(map[string]any{"debug": d.rt.Debug()})
	case "runtime/debug/set":
		return d.handleDebugSet(payload)
	case "runtime/config/get":
		return d.configSnapshot()
	case "runtime/config/set":
		return d.handleConfigSet(payload)
	case "runtime/reboot":
		return d.handleReboot()
	case "runtime/ota/start":
		return d.handleOTAStart(payload)
	default:
		return failValidation("Unknown command")
	}
}

func (d *Dispatcher) record(command string, env envelope, result Result) {
	if d.journal == nil {
		return
	}
	meta := map[string]any{
		"command":    command,
		"hub_id":     env.HubID,
		"request_id": env.RequestID,
		"ok":         result.OK,
	}
	if result.Err != nil {
		meta["error_code"] = result.Err.Code
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.journal.Append(ctx, irblaster.AgentEvent{
		OccurredAt:  time.Now().UTC(),
		Type:        irblaster.EventCommand,
		Description: "command " + command,
		Metadata:    meta,
	})
	if err != nil {
		d.log.Warnw("journal append failed", "command", command, "err", err)
	}
}

// decodeStrict decodes a per-command payload, rejecting unknown and
// mistyped fields before any handler side effect runs.
func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pauseUs sleeps for durationUs microseconds in millisecond slices,
// invoking the service step between slices so the transport stays
// responsive during long holds.
func (d *Dispatcher) pauseUs(durationUs int) {
	remaining := time.Duration(durationUs) * time.Microsecond
	for remaining > 0 {
		step := time.Millisecond
		if remaining < step {
			step = remaining
		}
		d.service()
		d.sleep(step)
		remaining -= step
	}
}
