package command

import (
	"time"

	"irblaster/internal/signal"
	"irblaster/internal/store"
)

const (
	defaultCarrierHz = 38000
	capturePollStep  = 2 * time.Millisecond
)

type sendPayload struct {
	RequestID    string `json:"request_id"`
	HubID        string `json:"hub_id"`
	Mode         string `json:"mode"`
	CarrierHz    uint16 `json:"carrier_hz"`
	PressInitial string `json:"press_initial"`
	HoldMs       int    `json:"hold_ms"`
	HoldInitial  string `json:"hold_initial"`
	HoldRepeat   string `json:"hold_repeat"`
	HoldGapUs    int    `json:"hold_gap_us"`
}

type sendResult struct {
	Mode    string `json:"mode"`
	HoldMs  int    `json:"hold_ms,omitempty"`
	GapUs   *int   `json:"gap_us"`
	Repeats uint32 `json:"repeats"`
}

func (d *Dispatcher) handleSend(payload []byte) Result {
	if !d.trx.CanSend() {
		return failRuntime("IR sender is not available")
	}
	var req sendPayload
	if err := decodeStrict(payload, &req); err != nil {
		return failValidation("invalid send payload: " + err.Error())
	}

	mode := req.Mode
	if mode == "" {
		mode = "press"
	}
	carrierHz := req.CarrierHz
	if carrierHz == 0 {
		carrierHz = defaultCarrierHz
	}
	if req.PressInitial == "" {
		return failValidation("press_initial is required")
	}
	pressFrame, err := signal.Parse(req.PressInitial)
	if err != nil {
		return failValidation("Invalid press_initial format")
	}

	d.rt.MarkActivity()

	if mode == "press" {
		if err := d.trx.Send(pressFrame, carrierHz); err != nil {
			return failRuntime("Failed to send press frame")
		}
		return okResult(sendResult{Mode: "press", Repeats: 0})
	}
	if mode != "hold" {
		return failValidation("mode must be press or hold")
	}

	if req.HoldMs <= 0 {
		return failValidation("hold_ms must be > 0")
	}
	if req.HoldInitial == "" || req.HoldRepeat == "" || req.HoldGapUs <= 0 {
		return failValidation("hold_initial, hold_repeat and hold_gap_us are required")
	}
	initialFrame, initialErr := signal.Parse(req.HoldInitial)
	repeatFrame, repeatErr := signal.Parse(req.HoldRepeat)
	if initialErr != nil || repeatErr != nil {
		return failValidation("Invalid hold frame format")
	}

	if err := d.trx.Send(initialFrame, carrierHz); err != nil {
		return failRuntime("Failed to send hold initial frame")
	}

	repeats := signal.RepeatCount(
		req.HoldMs,
		signal.Duration(initialFrame),
		signal.Duration(repeatFrame),
		uint32(req.HoldGapUs),
	)
	for i := uint32(0); i < repeats; i++ {
		d.pauseUs(req.HoldGapUs)
		if err := d.trx.Send(repeatFrame, carrierHz); err != nil {
			return failRuntime("Failed to send hold repeat frame")
		}
	}

	gap := req.HoldGapUs
	return okResult(sendResult{Mode: "hold", HoldMs: req.HoldMs, GapUs: &gap, Repeats: repeats})
}

func (d *Dispatcher) handleLearnStart() Result {
	d.rt.MarkActivity()
	d.rt.SetLearning(true)
	return okResult(map[string]any{"ok": true})
}

func (d *Dispatcher) handleLearnStop() Result {
	d.rt.SetLearning(false)
	return okResult(map[string]any{"ok": true})
}

type capturePayload struct {
	RequestID string `json:"request_id"`
	HubID     string `json:"hub_id"`
	TimeoutMs int    `json:"timeout_ms"`
}

type captureResult struct {
	Raw    string `json:"raw"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// handleLearnCapture polls the receiver until a decode or the caller's
// deadline. The poll loop keeps servicing the transport so the agent
// does not appear offline while it listens.
func (d *Dispatcher) handleLearnCapture(payload []byte) Result {
	if !d.rt.Learning() {
		return failRuntime("Learning session is not running")
	}
	receiver, ok := d.trx.Receiver()
	if !ok {
		return failRuntime("IR receiver is not available")
	}
	var req capturePayload
	if err := decodeStrict(payload, &req); err != nil {
		return failValidation("invalid capture payload: " + err.Error())
	}
	if req.TimeoutMs <= 0 {
		return failValidation("timeout_ms must be > 0")
	}

	d.rt.MarkActivity()
	receiver.Enable()

	deadline := d.now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	for d.now().Before(deadline) {
		if raw, got := receiver.Poll(); got {
			text := signal.EncodeTicks(raw, receiver.TickMicros())
			receiver.Resume()
			return okResult(captureResult{Raw: text})
		}
		d.service()
		d.sleep(capturePollStep)
	}
	return failTimeout("Learn capture timed out")
}

type debugSetPayload struct {
	RequestID string `json:"request_id"`
	HubID     string `json:"hub_id"`
	Debug     *bool  `json:"debug"`
}

func (d *Dispatcher) handleDebugSet(payload []byte) Result {
	var req debugSetPayload
	if err := decodeStrict(payload, &req); err != nil {
		return failValidation("invalid debug payload: " + err.Error())
	}
	if req.Debug == nil {
		return failValidation("debug is required")
	}
	if err := d.rt.SetDebug(*req.Debug); err != nil {
		return failRuntime("Failed to persist debug flag")
	}
	d.rt.PublishState()
	return okResult(map[string]any{"debug": d.rt.Debug()})
}

func (d *Dispatcher) configSnapshot() Result {
	txPin, rxPin := d.rt.Pins()
	return okResult(map[string]any{
		"ir_rx_pin":       rxPin,
		"ir_tx_pin":       txPin,
		"reboot_required": d.rt.RebootRequired(),
	})
}

type configSetPayload struct {
	RequestID string `json:"request_id"`
	HubID     string `json:"hub_id"`
	IrRxPin   *int   `json:"ir_rx_pin"`
	IrTxPin   *int   `json:"ir_tx_pin"`
}

// handleConfigSet validates every requested pin before mutating
// anything: a failed validation persists nothing.
func (d *Dispatcher) handleConfigSet(payload []byte) Result {
	var req configSetPayload
	if err := decodeStrict(payload, &req); err != nil {
		return failValidation("invalid config payload: " + err.Error())
	}
	if req.IrRxPin == nil && req.IrTxPin == nil {
		return failValidation("At least one pin must be provided")
	}

	nextTx, nextRx := d.rt.Pins()
	if req.IrRxPin != nil {
		if !store.IsValidPin(*req.IrRxPin) {
			return failValidation("ir_rx_pin is out of range")
		}
		nextRx = *req.IrRxPin
	}
	if req.IrTxPin != nil {
		if !store.IsValidPin(*req.IrTxPin) {
			return failValidation("ir_tx_pin is out of range")
		}
		nextTx = *req.IrTxPin
	}

	currentTx, currentRx := d.rt.Pins()
	changed := nextTx != currentTx || nextRx != currentRx
	if changed {
		if err := d.rt.SetPins(nextTx, nextRx); err != nil {
			return failRuntime("Failed to persist pin configuration")
		}
		if err := d.rt.SetRebootRequired(true); err != nil {
			return failRuntime("Failed to persist reboot flag")
		}
	}
	d.rt.PublishState()
	return d.configSnapshot()
}

func (d *Dispatcher) handleReboot() Result {
	if err := d.rt.SetRebootRequired(false); err != nil {
		return failRuntime("Failed to persist reboot flag")
	}
	d.rt.PublishState()
	result := okResult(map[string]any{"rebooting": true})
	result.reboot = true
	return result
}

type otaStartPayload struct {
	RequestID string `json:"request_id"`
	HubID     string `json:"hub_id"`
	URL       string `json:"url"`
	Version   string `json:"version"`
	SHA256    string `json:"sha256"`
}

func (d *Dispatcher) handleOTAStart(payload []byte) Result {
	var req otaStartPayload
	if err := decodeStrict(payload, &req); err != nil {
		return failValidation("invalid ota payload: " + err.Error())
	}
	if req.URL == "" || req.Version == "" {
		return failValidation("url and version are required")
	}
	expected := normalizeSHA256(req.SHA256)
	if !isHexSHA256(expected) {
		return failValidation("sha256 must be a 64-char lowercase hex string")
	}

	d.rt.MarkActivity()
	otaResult := d.ota.Run(req.URL, expected)
	if !otaResult.OK {
		return failOTA(otaResult.Code, otaResult.Message)
	}

	if err := d.rt.SetRebootRequired(false); err != nil {
		d.log.Warnw("clear reboot flag after ota failed", "err", err)
	}
	result := okResult(map[string]any{
		"version":         req.Version,
		"expected_sha256": expected,
		"actual_sha256":   otaResult.ActualSHA256,
		"rebooting":       true,
	})
	result.reboot = true
	return result
}
