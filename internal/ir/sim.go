package ir

import "sync"

// SimSender is a software stand-in for the transmit driver: it records
// frames instead of driving a GPIO. Used off-device and in tests.
type SimSender struct {
	mu     sync.Mutex
	frames [][]uint16
}

func NewSimSender() *SimSender { return &SimSender{} }

func (s *SimSender) Send(frame []uint16, carrierHz uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]uint16, len(frame))
	copy(buf, frame)
	s.frames = append(s.frames, buf)
	return nil
}

// Sent returns all frames transmitted so far.
func (s *SimSender) Sent() [][]uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]uint16, len(s.frames))
	copy(out, s.frames)
	return out
}

// SimReceiver replays queued captures. Poll pops the next queued buffer
// while enabled; an empty queue behaves like a silent room.
type SimReceiver struct {
	mu      sync.Mutex
	enabled bool
	queue   [][]uint16
	tickUs  uint32
}

func NewSimReceiver(tickUs uint32) *SimReceiver {
	if tickUs == 0 {
		tickUs = 2
	}
	return &SimReceiver{tickUs: tickUs}
}

// QueueCapture arranges for the next Poll to return raw.
func (r *SimReceiver) QueueCapture(raw []uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]uint16, len(raw))
	copy(buf, raw)
	r.queue = append(r.queue, buf)
}

func (r *SimReceiver) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
}

func (r *SimReceiver) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
}

func (r *SimReceiver) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *SimReceiver) Poll() ([]uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled || len(r.queue) == 0 {
		return nil, false
	}
	next := r.queue[0]
	r.queue = r.queue[1:]
	return next, true
}

func (r *SimReceiver) Resume() {}

func (r *SimReceiver) TickMicros() uint32 { return r.tickUs }
