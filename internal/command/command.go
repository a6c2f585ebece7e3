// Package command routes authorized hub requests to handlers and emits
// exactly one response per accepted request. Requests missing their
// identifiers, or from an unauthorized hub, are dropped with no
// response at all so an unauthenticated sender cannot probe the agent.
package command

// Error taxonomy at the protocol boundary.
const (
	CodeValidation = "validation_error"
	CodeRuntime    = "runtime_error"
	CodeTimeout    = "timeout"

	StatusValidation = 400
	StatusTimeout    = 408
	StatusRuntime    = 409
)

// Error is the typed failure serialized into a response envelope.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

// Response is the envelope published to the per-hub per-request topic.
type Response struct {
	RequestID   string `json:"request_id"`
	OK          bool   `json:"ok"`
	Result      any    `json:"result,omitempty"`
	Error       *Error `json:"error,omitempty"`
	RespondedAt string `json:"responded_at"`
}

// Result is a handler outcome before envelope serialization.
type Result struct {
	OK      bool
	Payload any
	Err     *Error

	// reboot requests a scheduled restart after the response is out.
	reboot bool
}

func okResult(payload any) Result {
	return Result{OK: true, Payload: payload}
}

func failValidation(message string) Result {
	return Result{Err: &Error{Code: CodeValidation, Message: message, StatusCode: StatusValidation}}
}

func failRuntime(message string) Result {
	return Result{Err: &Error{Code: CodeRuntime, Message: message, StatusCode: StatusRuntime}}
}

func failTimeout(message string) Result {
	return Result{Err: &Error{Code: CodeTimeout, Message: message, StatusCode: StatusTimeout}}
}

// failOTA maps an OTA sub-code onto the runtime_error status.
func failOTA(code, message string) Result {
	if code == "" {
		code = CodeRuntime
	}
	if message == "" {
		message = "OTA update failed"
	}
	return Result{Err: &Error{Code: code, Message: message, StatusCode: StatusRuntime}}
}
