// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package inverter

import "github.com/asch/bdus/internal/wire"

// slotState is one of the five states a real slot traverses.
type slotState int

const (
	stateFree slotState = iota
	stateAwaitingGet
	stateBeingGotten
	stateAwaitingCompletion
	stateBeingCompleted
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateAwaitingGet:
		return "AWAITING_GET"
	case stateBeingGotten:
		return "BEING_GOTTEN"
	case stateAwaitingCompletion:
		return "AWAITING_COMPLETION"
	case stateBeingCompleted:
		return "BEING_COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// slot is one entry of the bounded request table. index is 1-based (0 is
// reserved for pseudo-items) and never changes; seqnum is bumped every time
// the slot returns to FREE, which together with index forms the externally
// visible handle.
type slot struct {
	index  uint16
	seqnum uint64
	state  slotState

	typ  wire.ItemType
	req  Request
}

func (s *slot) handle() wire.Handle {
	return wire.Handle{Index: s.index, Seqnum: s.seqnum}
}

// Request is the producer-owned reference to a kernel block request, as
// submitted to an Inverter. Implementations are owned by the caller of
// Submit (typically the device package); besides the accessors below, the
// inverter calls Complete, at most once per submitted request.
type Request interface {
	// Type returns the already-derived item type for this request. The
	// inverter uses it to check support and for the ioctl-vs-non-ioctl
	// status sanitisation policy.
	Type() wire.ItemType

	// Arg64 and Arg32 carry the item's offset/size (or ioctl command)
	// arguments, copied verbatim into the item a consumer observes.
	Arg64() uint64
	Arg32() uint32

	// Complete finalises the request with a sanitised errno (0 for
	// success). When the inverter calls it, the inverter's slot lock is
	// held: implementations must not call back into the same Inverter
	// from within Complete.
	Complete(errno int)
}
