package pool

import "fmt"

// SourceState is the send side of a mailbox.
type SourceState uint8

const (
	SourceFree SourceState = iota
	SourceSent
	SourceWaitResponse
	SourceWaitNoResponse
	SourceWaitPosted
	SourceWaitNonPosted
	SourceWaitInterrupted
)

var sourceStateNames = map[SourceState]string{
	SourceFree:            "free",
	SourceSent:            "sent",
	SourceWaitResponse:    "wait_response",
	SourceWaitNoResponse:  "wait_no_response",
	SourceWaitPosted:      "wait_posted",
	SourceWaitNonPosted:   "wait_non_posted",
	SourceWaitInterrupted: "wait_interrupted",
}

func (s SourceState) String() string {
	if name, ok := sourceStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// Waiting reports whether a sender may be blocked on the mailbox.
func (s SourceState) Waiting() bool {
	return s == SourceWaitResponse || s == SourceWaitNonPosted
}

// CanTransition reports whether the send side may move from s to next.
func (s SourceState) CanTransition(next SourceState) bool {
	switch s {
	case SourceFree:
		return next == SourceSent || next == SourceWaitPosted || next == SourceWaitNonPosted
	case SourceSent:
		return next == SourceWaitResponse || next == SourceWaitNoResponse || next == SourceFree
	case SourceWaitResponse, SourceWaitNonPosted:
		return next == SourceWaitInterrupted || next == SourceFree
	case SourceWaitNoResponse, SourceWaitPosted:
		return next == SourceFree
	case SourceWaitInterrupted:
		return next == SourceWaitResponse || next == SourceWaitNonPosted || next == SourceFree
	}
	return false
}

// TargetState is the receive side of a mailbox.
type TargetState uint8

const (
	TargetFree TargetState = iota
	TargetPending
	TargetClaimed
	TargetResponded
	TargetAcked
)

var targetStateNames = map[TargetState]string{
	TargetFree:      "free",
	TargetPending:   "pending",
	TargetClaimed:   "claimed",
	TargetResponded: "responded",
	TargetAcked:     "acked",
}

func (s TargetState) String() string {
	if name, ok := targetStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("target(%d)", uint8(s))
}

// CanTransition reports whether the receive side may move from s to next.
func (s TargetState) CanTransition(next TargetState) bool {
	switch s {
	case TargetFree:
		return next == TargetPending
	case TargetPending:
		// Pending -> Free covers discards and inline handling.
		return next == TargetClaimed || next == TargetFree
	case TargetClaimed:
		// Claimed -> Free covers a receiver that exits without answering.
		return next == TargetResponded || next == TargetAcked || next == TargetFree
	case TargetResponded, TargetAcked:
		return next == TargetFree
	}
	return false
}
