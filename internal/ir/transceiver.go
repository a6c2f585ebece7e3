// Package ir defines the narrow contracts to the IR hardware driver.
// Register-level pulse generation lives behind these interfaces; the
// agent only decides what to send and when to listen.
package ir

import "errors"

var (
	ErrNoSender   = errors.New("ir sender is not available")
	ErrNoReceiver = errors.New("ir receiver is not available")
)

// Sender transmits one raw frame at the given carrier frequency.
type Sender interface {
	Send(frame []uint16, carrierHz uint16) error
}

// Receiver captures raw pulse trains. Poll is non-blocking: it returns
// the next decoded buffer in native tick units, or false when nothing
// has been captured yet. Resume re-arms the decoder after a capture.
type Receiver interface {
	Enable()
	Disable()
	Poll() ([]uint16, bool)
	Resume()
	TickMicros() uint32
}

// Transceiver bundles the optionally-present hardware halves. A nil
// half means the capability is absent, not broken.
type Transceiver struct {
	sender   Sender
	receiver Receiver
}

func NewTransceiver(sender Sender, receiver Receiver) *Transceiver {
	return &Transceiver{sender: sender, receiver: receiver}
}

func (t *Transceiver) CanSend() bool  { return t != nil && t.sender != nil }
func (t *Transceiver) CanLearn() bool { return t != nil && t.receiver != nil }

func (t *Transceiver) Send(frame []uint16, carrierHz uint16) error {
	if !t.CanSend() {
		return ErrNoSender
	}
	return t.sender.Send(frame, carrierHz)
}

func (t *Transceiver) Receiver() (Receiver, bool) {
	if !t.CanLearn() {
		return nil, false
	}
	return t.receiver, true
}

// ApplyLearning enables or disables the receiver to match the learning
// session state. No-op when the capability is absent.
func (t *Transceiver) ApplyLearning(active bool) {
	if !t.CanLearn() {
		return
	}
	if active {
		t.receiver.Enable()
	} else {
		t.receiver.Disable()
	}
}
