package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"irblaster"
	"irblaster/internal/ir"
	"irblaster/internal/logger"
	"irblaster/internal/ota"
)

const (
	testAgentID = "ir-0123456789ab"
	testHubID   = "hub-1"
)

type fakeRuntime struct {
	activityMarks    int
	learning         bool
	debug            bool
	debugErr         error
	txPin, rxPin     int
	pinsSet          [][2]int
	setPinsErr       error
	rebootRequired   bool
	rebootFlagSets   []bool
	statePubs        int
	rebootsScheduled int
}

func (f *fakeRuntime) MarkActivity()           { f.activityMarks++ }
func (f *fakeRuntime) Learning() bool          { return f.learning }
func (f *fakeRuntime) SetLearning(active bool) { f.learning = active }
func (f *fakeRuntime) Debug() bool             { return f.debug }
func (f *fakeRuntime) SetDebug(enabled bool) error {
	if f.debugErr != nil {
		return f.debugErr
	}
	f.debug = enabled
	return nil
}
func (f *fakeRuntime) Pins() (int, int) { return f.txPin, f.rxPin }
func (f *fakeRuntime) SetPins(txPin, rxPin int) error {
	if f.setPinsErr != nil {
		return f.setPinsErr
	}
	f.txPin, f.rxPin = txPin, rxPin
	f.pinsSet = append(f.pinsSet, [2]int{txPin, rxPin})
	return nil
}
func (f *fakeRuntime) RebootRequired() bool { return f.rebootRequired }
func (f *fakeRuntime) SetRebootRequired(required bool) error {
	f.rebootRequired = required
	f.rebootFlagSets = append(f.rebootFlagSets, required)
	return nil
}
func (f *fakeRuntime) PublishState()   { f.statePubs++ }
func (f *fakeRuntime) ScheduleReboot() { f.rebootsScheduled++ }

type fakeAuth struct{ hub string }

func (f *fakeAuth) IsAuthorized(hubID string) bool { return f.hub != "" && hubID == f.hub }

type publishedResponse struct {
	topic string
	body  []byte
}

type fakePublisher struct {
	responses []publishedResponse
}

func (f *fakePublisher) PublishJSON(topic string, v any, retain bool) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.responses = append(f.responses, publishedResponse{topic: topic, body: b})
	return nil
}

type fakeOTA struct {
	result  ota.Result
	lastURL string
	lastSHA string
	runs    int
}

func (f *fakeOTA) Run(url, expectedSHA256 string) ota.Result {
	f.runs++
	f.lastURL = url
	f.lastSHA = expectedSHA256
	return f.result
}

type fakeJournal struct {
	events []irblaster.AgentEvent
}

func (f *fakeJournal) Append(_ context.Context, e irblaster.AgentEvent) error {
	f.events = append(f.events, e)
	return nil
}

type fixture struct {
	d       *Dispatcher
	rt      *fakeRuntime
	pub     *fakePublisher
	ota     *fakeOTA
	journal *fakeJournal
	sender  *ir.SimSender
	recv    *ir.SimReceiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		rt:      &fakeRuntime{txPin: 4, rxPin: 34},
		pub:     &fakePublisher{},
		ota:     &fakeOTA{},
		journal: &fakeJournal{},
		sender:  ir.NewSimSender(),
		recv:    ir.NewSimReceiver(2),
	}
	fx.d = New(
		logger.Get(logger.ErrorLevel),
		testAgentID,
		&fakeAuth{hub: testHubID},
		fx.pub,
		fx.rt,
		ir.NewTransceiver(fx.sender, fx.recv),
		fx.ota,
		fx.journal,
		func() string { return "2.000" },
		func() {},
	)
	fx.d.sleep = func(time.Duration) {}
	return fx
}

func payload(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	withIDs := map[string]any{"request_id": "req-1", "hub_id": testHubID}
	for k, v := range fields {
		withIDs[k] = v
	}
	b, err := json.Marshal(withIDs)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func lastResponse(t *testing.T, fx *fixture) Response {
	t.Helper()
	if len(fx.pub.responses) == 0 {
		t.Fatalf("expected a response to be published")
	}
	last := fx.pub.responses[len(fx.pub.responses)-1]
	wantTopic := "hubs/" + testHubID + "/agents/" + testAgentID + "/resp/req-1"
	if last.topic != wantTopic {
		t.Fatalf("response on topic %q, want %q", last.topic, wantTopic)
	}
	var resp Response
	if err := json.Unmarshal(last.body, &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return resp
}

func assertFailure(t *testing.T, fx *fixture, code string, status int) Response {
	t.Helper()
	resp := lastResponse(t, fx)
	if resp.OK {
		t.Fatalf("expected failure, got success: %s", fx.pub.responses[len(fx.pub.responses)-1].body)
	}
	if resp.Error == nil || resp.Error.Code != code || resp.Error.StatusCode != status {
		t.Fatalf("expected %s/%d, got %+v", code, status, resp.Error)
	}
	return resp
}

func TestDispatch_DropsWithoutIdentifiers(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	for _, body := range [][]byte{
		[]byte(`{"hub_id":"hub-1"}`),
		[]byte(`{"request_id":"req-1"}`),
		[]byte(`not json`),
	} {
		fx.d.Dispatch("send", body)
	}
	if len(fx.pub.responses) != 0 {
		t.Fatalf("malformed envelopes must be dropped with no response")
	}
}

func TestDispatch_DropsUnauthorizedHub(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	body, _ := json.Marshal(map[string]any{"request_id": "req-1", "hub_id": "intruder"})
	fx.d.Dispatch("runtime/debug/get", body)
	if len(fx.pub.responses) != 0 {
		t.Fatalf("unauthorized hubs must get no response at all")
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("frobnicate", payload(t, nil))
	assertFailure(t, fx, CodeValidation, StatusValidation)
}

func TestDispatch_ResponseEnvelope(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("runtime/debug/get", payload(t, nil))
	resp := lastResponse(t, fx)
	if !resp.OK || resp.RequestID != "req-1" || resp.RespondedAt != "2.000" {
		t.Fatalf("bad envelope: %+v", resp)
	}
	if resp.Error != nil {
		t.Fatalf("success must not carry an error")
	}
}

func TestDispatch_AppendsJournalEvent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("runtime/debug/get", payload(t, nil))
	if len(fx.journal.events) != 1 {
		t.Fatalf("expected one journal event, got %d", len(fx.journal.events))
	}
	ev := fx.journal.events[0]
	if ev.Type != irblaster.EventCommand {
		t.Fatalf("expected COMMAND event, got %s", ev.Type)
	}
}

func TestSend_PressTransmitsFrame(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("send", payload(t, map[string]any{
		"mode":          "press",
		"press_initial": "+9000 -4500 +560",
	}))

	resp := lastResponse(t, fx)
	if !resp.OK {
		t.Fatalf("expected success: %+v", resp.Error)
	}
	sent := fx.sender.Sent()
	if len(sent) != 1 || len(sent[0]) != 3 || sent[0][0] != 9000 {
		t.Fatalf("unexpected transmitted frames: %v", sent)
	}
	if fx.rt.activityMarks != 1 {
		t.Fatalf("send must mark activity")
	}

	var raw map[string]json.RawMessage
	json.Unmarshal(fx.pub.responses[0].body, &raw)
	var result map[string]json.RawMessage
	json.Unmarshal(raw["result"], &result)
	if string(result["gap_us"]) != "null" {
		t.Fatalf("press result must report gap_us null, got %s", result["gap_us"])
	}
}

func TestSend_ModeDefaultsToPress(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("send", payload(t, map[string]any{"press_initial": "+100"}))
	resp := lastResponse(t, fx)
	if !resp.OK {
		t.Fatalf("expected success: %+v", resp.Error)
	}
	if len(fx.sender.Sent()) != 1 {
		t.Fatalf("expected one transmission")
	}
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing press_initial", map[string]any{"mode": "press"}},
		{"unparsable press_initial", map[string]any{"press_initial": "abc"}},
		{"bad mode", map[string]any{"mode": "tap", "press_initial": "+100"}},
		{"hold without hold_ms", map[string]any{"mode": "hold", "press_initial": "+100"}},
		{"hold missing frames", map[string]any{"mode": "hold", "press_initial": "+100", "hold_ms": 500}},
		{"hold zero gap", map[string]any{
			"mode": "hold", "press_initial": "+100", "hold_ms": 500,
			"hold_initial": "+100", "hold_repeat": "+100", "hold_gap_us": 0,
		}},
		{"hold bad repeat frame", map[string]any{
			"mode": "hold", "press_initial": "+100", "hold_ms": 500,
			"hold_initial": "+100", "hold_repeat": "-100 200", "hold_gap_us": 100,
		}},
		{"unknown field", map[string]any{"press_initial": "+100", "bogus": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.d.Dispatch("send", payload(t, tt.fields))
			assertFailure(t, fx, CodeValidation, StatusValidation)
			if len(fx.sender.Sent()) != 0 {
				t.Fatalf("validation failure must not transmit")
			}
		})
	}
}

func TestSend_NoSenderCapability(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.trx = ir.NewTransceiver(nil, fx.recv)
	fx.d.Dispatch("send", payload(t, map[string]any{"press_initial": "+100"}))
	assertFailure(t, fx, CodeRuntime, StatusRuntime)
}

func TestSend_HoldRepeatArithmetic(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	// initial 5000us, repeat 9000us, gap 1000us, hold 1000ms => 100 repeats.
	fx.d.Dispatch("send", payload(t, map[string]any{
		"mode":          "hold",
		"press_initial": "+5000",
		"hold_ms":       1000,
		"hold_initial":  "+5000",
		"hold_repeat":   "+4000 -5000",
		"hold_gap_us":   1000,
	}))

	resp := lastResponse(t, fx)
	if !resp.OK {
		t.Fatalf("expected success: %+v", resp.Error)
	}
	sent := fx.sender.Sent()
	if len(sent) != 101 {
		t.Fatalf("expected initial + 100 repeats, got %d transmissions", len(sent))
	}

	var raw map[string]json.RawMessage
	json.Unmarshal(fx.pub.responses[0].body, &raw)
	var result sendResult
	json.Unmarshal(raw["result"], &result)
	if result.Repeats != 100 || result.Mode != "hold" || result.GapUs == nil || *result.GapUs != 1000 {
		t.Fatalf("unexpected hold result: %+v", result)
	}
}

func TestLearnStartStop(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("learn/start", payload(t, nil))
	if !fx.rt.learning {
		t.Fatalf("learn/start must activate the session")
	}
	if !lastResponse(t, fx).OK {
		t.Fatalf("learn/start must succeed")
	}

	fx.d.Dispatch("learn/stop", payload(t, nil))
	if fx.rt.learning {
		t.Fatalf("learn/stop must deactivate the session")
	}
}

func TestLearnCapture_DecodesAndReencodes(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.rt.learning = true
	// Raw buffer with hardware artifact at index 0, 2us ticks.
	fx.recv.QueueCapture([]uint16{999, 4500, 2250, 280})

	fx.d.Dispatch("learn/capture", payload(t, map[string]any{"timeout_ms": 500}))
	resp := lastResponse(t, fx)
	if !resp.OK {
		t.Fatalf("expected success: %+v", resp.Error)
	}

	var raw map[string]json.RawMessage
	json.Unmarshal(fx.pub.responses[0].body, &raw)
	var result captureResult
	json.Unmarshal(raw["result"], &result)
	if result.Raw != "+9000 -4500 +560" {
		t.Fatalf("unexpected re-encoded capture %q", result.Raw)
	}
}

func TestLearnCapture_TimesOut(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.rt.learning = true

	clock := time.Unix(0, 0)
	fx.d.now = func() time.Time { return clock }
	fx.d.sleep = func(d time.Duration) { clock = clock.Add(d) }

	fx.d.Dispatch("learn/capture", payload(t, map[string]any{"timeout_ms": 50}))
	assertFailure(t, fx, CodeTimeout, StatusTimeout)
}

func TestLearnCapture_Preconditions(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("learn/capture", payload(t, map[string]any{"timeout_ms": 50}))
	assertFailure(t, fx, CodeRuntime, StatusRuntime)

	fx = newFixture(t)
	fx.rt.learning = true
	fx.d.Dispatch("learn/capture", payload(t, map[string]any{"timeout_ms": 0}))
	assertFailure(t, fx, CodeValidation, StatusValidation)
}

func TestDebugSetAndGet(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("runtime/debug/set", payload(t, map[string]any{"debug": true}))
	if !lastResponse(t, fx).OK || !fx.rt.debug {
		t.Fatalf("debug flag must be set and persisted")
	}
	if fx.rt.statePubs != 1 {
		t.Fatalf("debug change must republish state")
	}

	fx.d.Dispatch("runtime/debug/set", payload(t, nil))
	assertFailure(t, fx, CodeValidation, StatusValidation)
}

func TestConfigSet_OutOfRangePersistsNothing(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("runtime/config/set", payload(t, map[string]any{"ir_rx_pin": 99}))
	assertFailure(t, fx, CodeValidation, StatusValidation)
	if len(fx.rt.pinsSet) != 0 || len(fx.rt.rebootFlagSets) != 0 {
		t.Fatalf("failed validation must persist nothing")
	}
}

func TestConfigSet_ChangeMarksRebootRequired(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("runtime/config/set", payload(t, map[string]any{"ir_rx_pin": 27}))
	resp := lastResponse(t, fx)
	if !resp.OK {
		t.Fatalf("expected success: %+v", resp.Error)
	}
	if fx.rt.rxPin != 27 || fx.rt.txPin != 4 {
		t.Fatalf("unexpected pins %d/%d", fx.rt.txPin, fx.rt.rxPin)
	}
	if !fx.rt.rebootRequired {
		t.Fatalf("pin change must mark reboot required")
	}
	if fx.rt.statePubs != 1 {
		t.Fatalf("config change must republish state")
	}
}

func TestConfigSet_NoChangeSkipsPersist(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.d.Dispatch("runtime/config/set", payload(t, map[string]any{"ir_rx_pin": 34, "ir_tx_pin": 4}))
	resp := lastResponse(t, fx)
	if !resp.OK {
		t.Fatalf("expected success: %+v", resp.Error)
	}
	if len(fx.rt.pinsSet) != 0 || fx.rt.rebootRequired {
		t.Fatalf("unchanged pins must not persist or mark reboot")
	}
	if fx.rt.statePubs != 1 {
		t.Fatalf("config/set always republishes state")
	}
}

func TestReboot_SchedulesAfterResponse(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.rt.rebootRequired = true
	fx.d.Dispatch("runtime/reboot", payload(t, nil))
	if !lastResponse(t, fx).OK {
		t.Fatalf("expected success")
	}
	if fx.rt.rebootRequired {
		t.Fatalf("reboot must clear the reboot-required flag")
	}
	if fx.rt.rebootsScheduled != 1 {
		t.Fatalf("reboot must be scheduled exactly once")
	}
	if fx.rt.statePubs != 1 {
		t.Fatalf("reboot must republish state")
	}
}

func TestOTAStart_Validation(t *testing.T) {
	t.Parallel()

	validSHA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing url", map[string]any{"version": "1.0", "sha256": validSHA}},
		{"missing version", map[string]any{"url": "http://x/fw.bin", "sha256": validSHA}},
		{"short sha", map[string]any{"url": "http://x/fw.bin", "version": "1.0", "sha256": "abc"}},
		{"non-hex sha", map[string]any{"url": "http://x/fw.bin", "version": "1.0", "sha256": validSHA[:63] + "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.d.Dispatch("runtime/ota/start", payload(t, tt.fields))
			assertFailure(t, fx, CodeValidation, StatusValidation)
			if fx.ota.runs != 0 {
				t.Fatalf("validation failure must not start OTA")
			}
		})
	}
}

func TestOTAStart_NormalizesSHAAndReboots(t *testing.T) {
	t.Parallel()

	upperSHA := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	fx := newFixture(t)
	fx.ota.result = ota.Result{OK: true, ActualSHA256: normalizeSHA256(upperSHA)}
	fx.rt.rebootRequired = true

	fx.d.Dispatch("runtime/ota/start", payload(t, map[string]any{
		"url": "http://x/fw.bin", "version": "1.1.0", "sha256": upperSHA,
	}))
	resp := lastResponse(t, fx)
	if !resp.OK {
		t.Fatalf("expected success: %+v", resp.Error)
	}
	if fx.ota.lastSHA != normalizeSHA256(upperSHA) {
		t.Fatalf("sha must be normalized before the pipeline runs, got %q", fx.ota.lastSHA)
	}
	if fx.rt.rebootRequired {
		t.Fatalf("successful OTA clears the reboot-required flag")
	}
	if fx.rt.rebootsScheduled != 1 {
		t.Fatalf("successful OTA schedules a restart")
	}
}

func TestOTAStart_FailureCodePassesThrough(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.ota.result = ota.Result{Code: ota.CodeChecksumMismatch, Message: "firmware checksum mismatch"}
	validSHA := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	fx.d.Dispatch("runtime/ota/start", payload(t, map[string]any{
		"url": "http://x/fw.bin", "version": "1.1.0", "sha256": validSHA,
	}))
	assertFailure(t, fx, ota.CodeChecksumMismatch, StatusRuntime)
	if fx.rt.rebootsScheduled != 0 {
		t.Fatalf("failed OTA must not schedule a restart")
	}
}
