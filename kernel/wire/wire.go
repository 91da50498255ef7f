// Package wire defines the 28-byte mailbox frame.
//
// The last byte is the header: channel in bits 0-3, mode in bits 4-5, bit 6 reserved,
// bit 7 the error flag. Queue frames carry the subchannel in byte 26. Everything in
// front of the header (and subchannel) is opaque payload. The frame carries no length:
// receivers always see the full payload area, zero padded.
package wire

import (
	"errors"
	"fmt"
)

const (
	FrameSize      = 28
	HeaderOffset   = FrameSize - 1
	SubchanOffset  = FrameSize - 2
	MaxPayload     = HeaderOffset
	MaxQueueData   = SubchanOffset
	MaxChannels    = 16
	MaxSubchannels = 256

	channelMask = 0x0f
	modeShift   = 4
	modeMask    = 0x3 << modeShift
	reservedBit = 1 << 6
	errorBit    = 1 << 7
)

// Mode is the protocol discipline a frame belongs to.
type Mode uint8

const (
	ModeCommand Mode = iota
	ModeCommandResponse
	ModeNotification
	ModeQueue
)

var modeNames = map[Mode]string{
	ModeCommand:         "command",
	ModeCommandResponse: "command/response",
	ModeNotification:    "notification",
	ModeQueue:           "queue",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// IsCommand reports whether m is one of the two command modes.
func (m Mode) IsCommand() bool {
	return m == ModeCommand || m == ModeCommandResponse
}

var (
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrBadChannel      = errors.New("wire: channel out of range")
	ErrReservedBit     = errors.New("wire: reserved header bit set")
)

// Header is the decoded final byte of a frame.
type Header struct {
	Channel uint8
	Mode    Mode
	Error   bool
}

// Encode packs h into a header byte.
func (h Header) Encode() byte {
	b := h.Channel&channelMask | byte(h.Mode)<<modeShift&modeMask
	if h.Error {
		b |= errorBit
	}
	return b
}

// DecodeHeader unpacks a header byte. A set reserved bit marks the frame malformed.
func DecodeHeader(b byte) (Header, error) {
	h := Header{
		Channel: b & channelMask,
		Mode:    Mode(b & modeMask >> modeShift),
		Error:   b&errorBit != 0,
	}
	if b&reservedBit != 0 {
		return h, ErrReservedBit
	}
	return h, nil
}

// Frame is one mailbox payload buffer.
type Frame [FrameSize]byte

// Header decodes the frame's header byte.
func (f *Frame) Header() (Header, error) {
	return DecodeHeader(f[HeaderOffset])
}

// SetHeader stamps the header byte.
func (f *Frame) SetHeader(h Header) {
	f[HeaderOffset] = h.Encode()
}

// SetError flips the error flag, leaving the rest of the header alone.
func (f *Frame) SetError(on bool) {
	if on {
		f[HeaderOffset] |= errorBit
	} else {
		f[HeaderOffset] &^= errorBit
	}
}

// Subchannel returns the queue subchannel byte.
func (f *Frame) Subchannel() uint8 {
	return f[SubchanOffset]
}

// Capacity returns how many payload bytes a frame of mode m can carry.
func Capacity(m Mode) int {
	if m == ModeQueue {
		return MaxQueueData
	}
	return MaxPayload
}

// Build composes a frame. sub is ignored outside queue mode.
func Build(h Header, sub uint8, payload []byte) (Frame, error) {
	var f Frame
	if h.Channel >= MaxChannels {
		return f, ErrBadChannel
	}
	if len(payload) > Capacity(h.Mode) {
		return f, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), Capacity(h.Mode))
	}
	copy(f[:], payload)
	if h.Mode == ModeQueue {
		f[SubchanOffset] = sub
	}
	f.SetHeader(h)
	return f, nil
}

// Payload returns a copy of the payload area for mode m.
func (f *Frame) Payload(m Mode) []byte {
	out := make([]byte, Capacity(m))
	copy(out, f[:Capacity(m)])
	return out
}
