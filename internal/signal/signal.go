// Package signal implements the raw IR frame model: the signed-duration
// text encoding shared by transmit payloads and capture results, plus the
// timing arithmetic used for hold-mode repeats.
package signal

import (
	"errors"
	"strconv"
	"strings"
)

// Frame is an ordered sequence of pulse durations in microseconds.
// The first entry is always a mark (output high); marks and spaces
// alternate from there, so only magnitudes are stored.
type Frame []uint16

// MaxPulseUs is the clamp ceiling for a single pulse. Longer physical
// pulses are clamped, not rejected.
const MaxPulseUs = 65535

var (
	ErrEmptyFrame   = errors.New("frame text is empty")
	ErrBadToken     = errors.New("frame token is not a non-zero integer")
	ErrLeadingSpace = errors.New("frame must start with a mark")
)

// Parse converts signed-duration text into a Frame.
//
// Tokens are separated by spaces; each is a signed decimal integer whose
// sign denotes mark/space and whose magnitude is the duration. A zero or
// unparsable token invalidates the whole frame; a negative first token is
// rejected (frames must start with a mark); magnitudes above MaxPulseUs
// are clamped.
func Parse(text string) (Frame, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyFrame
	}

	var frame Frame
	for _, token := range strings.Fields(trimmed) {
		value, err := strconv.ParseInt(token, 10, 64)
		if err != nil || value == 0 {
			return nil, ErrBadToken
		}
		if len(frame) == 0 && value < 0 {
			return nil, ErrLeadingSpace
		}
		magnitude := value
		if magnitude < 0 {
			magnitude = -magnitude
		}
		if magnitude > MaxPulseUs {
			magnitude = MaxPulseUs
		}
		frame = append(frame, uint16(magnitude))
	}
	return frame, nil
}

// Encode renders a Frame back to canonical signed text: single-space
// separated tokens with alternating +/- prefixes starting with +.
// Encode(Parse(t)) == t for canonical texts whose magnitudes are below
// the clamp ceiling.
func Encode(frame Frame) string {
	var b strings.Builder
	b.Grow(len(frame) * 7)
	for i, d := range frame {
		if i > 0 {
			b.WriteByte(' ')
		}
		if i%2 == 0 {
			b.WriteByte('+')
		} else {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(d), 10))
	}
	return b.String()
}

// EncodeTicks renders a hardware-decoded pulse buffer to signed text.
// Entries are native tick units converted to microseconds; index 0 is a
// hardware artifact and skipped.
func EncodeTicks(raw []uint16, tickUs uint32) string {
	var b strings.Builder
	b.Grow(len(raw) * 8)
	for i := 1; i < len(raw); i++ {
		usec := uint64(raw[i]) * uint64(tickUs)
		if i > 1 {
			b.WriteByte(' ')
		}
		if i%2 == 1 {
			b.WriteByte('+')
		} else {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(usec, 10))
	}
	return b.String()
}

// Duration returns the total frame duration in microseconds.
func Duration(frame Frame) uint32 {
	var total uint32
	for _, d := range frame {
		total += uint32(d)
	}
	return total
}

// RepeatCount computes how many times the repeat frame must be sent so
// the whole hold lasts at least holdMs milliseconds.
//
// The initial frame is sent once up front; each repeat occupies the
// repeat frame duration plus the inter-repeat gap. If the initial frame
// already covers the hold, or the period is zero, the repeat frame is
// still sent exactly once.
func RepeatCount(holdMs int, initialUs, repeatUs, gapUs uint32) uint32 {
	target := uint32(holdMs) * 1000
	period := repeatUs + gapUs
	if target <= initialUs || period == 0 {
		return 1
	}
	remaining := target - initialUs
	count := (remaining + period - 1) / period
	if count == 0 {
		count = 1
	}
	return count
}
