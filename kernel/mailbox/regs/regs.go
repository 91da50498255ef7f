// Package regs is the register map of one mailbox interconnect instance.
//
//	0x000  ID        identity magic (R)
//	0x004  VERSION   block revision (R)
//	0x008  CONFIG    slot count [7:0], feature bits [15:8] (R)
//	0x00c  HINT      last released slot + 1, 0 when unset (RW)
//	0x100  line n at LineBase + n*LineStride:
//	       +0x0 STATUS       (DELIVER|ACK) & ENABLE (R)
//	       +0x4 ENABLE       slot enable mask (RW)
//	       +0x8 DELIVER      slots with a delivery pending for the line (R)
//	       +0xc ACK          slots with an acknowledgment pending for the line (R)
//	       +0x10 DELIVER_CLR write-1-to-clear DELIVER (W)
//	       +0x14 ACK_CLR     write-1-to-clear ACK (W)
//	0x400  slot s at SlotBase + s*SlotStride:
//	       +0x00 OWNER    0 free, otherwise claiming line + 1; writes to an owned slot are ignored
//	       +0x04 DEST     target line mask
//	       +0x08 MODE     acknowledgment mode
//	       +0x0c TRIGGER  TriggerSend, or TriggerAck | line<<8
//	       +0x10 ACKPEND  target lines that still owe an acknowledgment (R)
//	       +0x20 DATA     28 payload bytes, little-endian words
package regs

const (
	IDMagic = 0x4d425831 // "MBX1"
	Version = 0x00010002

	RegID      = 0x000
	RegVersion = 0x004
	RegConfig  = 0x008
	RegHint    = 0x00c

	ConfigSlotMask      = 0xff
	FeatureFastAcquire  = 1 << 8
	FeatureAutoAck      = 1 << 9
	ConfigFeatureShift  = 8
	ConfigFeatureMask   = 0xff << ConfigFeatureShift
	DefaultFeatureFlags = FeatureFastAcquire | FeatureAutoAck

	LineBase   = 0x100
	LineStride = 0x20

	LineStatus     = 0x00
	LineEnable     = 0x04
	LineDeliver    = 0x08
	LineAck        = 0x0c
	LineDeliverClr = 0x10
	LineAckClr     = 0x14

	SlotBase   = 0x400
	SlotStride = 0x40

	SlotOwner   = 0x00
	SlotDest    = 0x04
	SlotMode    = 0x08
	SlotTrigger = 0x0c
	SlotAckPend = 0x10
	SlotData    = 0x20

	TriggerSend = 0x1
	TriggerAck  = 0x2

	MaxSlots = 32
	MaxLines = 8

	DataBytes = 28
	DataWords = DataBytes / 4

	// Span is the size of one instance's register window.
	Span = SlotBase + MaxSlots*SlotStride
)

// AckMode selects how the hardware completes a send.
type AckMode uint32

const (
	// AckManual: the single target replies with a payload; the reply raises the ack.
	AckManual AckMode = 0
	// AckAuto: each target acknowledges without payload; the ack is raised once every
	// target line has acknowledged.
	AckAuto AckMode = 1
)

func (m AckMode) String() string {
	switch m {
	case AckManual:
		return "manual"
	case AckAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Line returns the offset of register reg for interrupt line n.
func Line(n uint8, reg uint32) uint32 {
	return LineBase + uint32(n)*LineStride + reg
}

// Slot returns the offset of register reg for slot s.
func Slot(s int, reg uint32) uint32 {
	return SlotBase + uint32(s)*SlotStride + reg
}

// Data returns the offset of payload word w of slot s.
func Data(s int, w int) uint32 {
	return Slot(s, SlotData) + uint32(w)*4
}

// AckTrigger encodes an acknowledgment from target line n.
func AckTrigger(n uint8) uint32 {
	return TriggerAck | uint32(n)<<8
}

// Decode splits a register offset into its block and register.
// kind is 'g' for global registers, 'l' for line registers, 's' for slot registers.
func Decode(offset uint32) (kind byte, index int, reg uint32) {
	switch {
	case offset >= SlotBase:
		rel := offset - SlotBase
		return 's', int(rel / SlotStride), rel % SlotStride
	case offset >= LineBase:
		rel := offset - LineBase
		return 'l', int(rel / LineStride), rel % LineStride
	default:
		return 'g', 0, offset
	}
}
