// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package inverter implements the per-device request registry and state
// machine described below: it turns the kernel block layer's "push a
// callback" model into a user-space "pull the next item" queue, while
// guaranteeing at-most-once completion, bounded slots, timeout, and
// cancellation.
//
// Every exported method is safe for concurrent use by any number of
// producers (the block layer, from any context) and is serialised against
// every other method by a single per-device lock.
package inverter

import (
	"context"
	"sync"

	"github.com/asch/bdus/internal/bduserr"
	"github.com/asch/bdus/internal/wire"
)

// Item is the read-only view of a slot's descriptor returned by BeginGet, or
// a pseudo-item carrying no slot at all.
type Item struct {
	Type   wire.ItemType
	Handle wire.Handle
	Arg64  uint64
	Arg32  uint32
}

// TimeoutResult is returned by Timeout, mirroring the blk_eh_timer_return
// values of the original kernel callback.
type TimeoutResult int

const (
	// TimeoutDone means the request has been finally dealt with (either
	// just now, by forcing it to FREE with ETIMEDOUT, or earlier, since its
	// handle no longer matches any live slot generation).
	TimeoutDone TimeoutResult = iota

	// TimeoutResetTimer means the slot is mid-handoff (BEING_GOTTEN or
	// BEING_COMPLETED) and cannot be timed out right now; the caller
	// should simply reset the request's timer and try again later.
	TimeoutResetTimer
)

// Inverter is the per-device request registry. The zero value is not usable;
// construct one with New.
type Inverter struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots []slot

	free  *indexFifo
	ready *indexFifo

	supports map[wire.ItemType]bool

	terminated      bool
	deactivated     bool
	flushArmed      bool
	deviceAvailable bool
}

// Supports describes which item types an Inverter will accept through
// Submit. Unlisted or false types are rejected with ErrNotSupported.
type Supports map[wire.ItemType]bool

// New creates an Inverter with maxOutstanding slots, all initially FREE and
// on the free-list. maxOutstanding must be positive; device.ValidateAndAdjust
// is responsible for enforcing the implementation ceiling before
// this is called.
func New(maxOutstanding int, supports Supports) *Inverter {
	if maxOutstanding <= 0 {
		panic("inverter: maxOutstanding must be positive")
	}

	inv := &Inverter{
		slots:    make([]slot, maxOutstanding+1), // index 0 reserved for pseudo-items
		free:     newIndexFifo(maxOutstanding),
		ready:    newIndexFifo(maxOutstanding),
		supports: make(map[wire.ItemType]bool, len(supports)),
	}
	inv.cond = sync.NewCond(&inv.mu)

	for t, ok := range supports {
		inv.supports[t] = ok
	}

	for i := 1; i <= maxOutstanding; i++ {
		inv.slots[i].index = uint16(i)
		inv.slots[i].state = stateFree
		inv.free.pushBack(uint16(i))
	}

	return inv
}

// Submit is the producer path. It never sleeps and is
// callable from any context.
func (inv *Inverter) Submit(req Request) (wire.Handle, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	typ := req.Type()

	if inv.terminated {
		if typ == wire.ItemIoctl {
			req.Complete(bduserr.ENODEV)
		} else {
			req.Complete(bduserr.EIO)
		}
		return wire.NullHandle, bduserr.ErrNoDev
	}

	if !inv.supports[typ] {
		if typ == wire.ItemIoctl {
			req.Complete(bduserr.ENOTTY)
		} else {
			req.Complete(bduserr.EOPNOTSUPP)
		}
		return wire.NullHandle, bduserr.ErrNotSupported
	}

	idx, ok := inv.free.popBack()
	if !ok {
		// The producer's tag set is sized to maxOutstanding, so the
		// free-list must never be empty here; if it is, something upstream
		// double-submitted a tag. This is a logic bug, not a runtime
		// condition.
		panic("inverter: submit with no free slot")
	}

	s := &inv.slots[idx]
	s.typ = typ
	s.req = req
	s.state = stateAwaitingGet
	inv.ready.pushBack(idx)

	inv.cond.Broadcast()

	return s.handle(), nil
}

// Timeout is the producer path.
func (inv *Inverter) Timeout(h wire.Handle) TimeoutResult {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if h.Index == 0 || int(h.Index) >= len(inv.slots) {
		return TimeoutDone
	}

	s := &inv.slots[h.Index]
	if s.seqnum != h.Seqnum {
		// Already completed (by reply, cancellation, or an earlier
		// timeout); this handle is stale.
		return TimeoutDone
	}

	switch s.state {
	case stateBeingGotten, stateBeingCompleted:
		return TimeoutResetTimer
	case stateAwaitingGet:
		inv.ready.remove(h.Index)
	}

	inv.freeSlotLocked(s, bduserr.ETIMEDOUT)
	return TimeoutDone
}

// SubmitDeviceAvailable arms the one-shot DEVICE_AVAILABLE pseudo-item. It is
// a no-op once the inverter has been terminated.
func (inv *Inverter) SubmitDeviceAvailable() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.terminated {
		return
	}

	inv.deviceAvailable = true
	inv.cond.Broadcast()
}

// Deactivate arms the perpetual pseudo-termination seen while a device is
// INACTIVE, preceded by a single FLUSH_AND_TERMINATE if flush is requested
// and the device supports flush. It is a no-op if the inverter is already
// deactivated, and must not be called after Terminate.
func (inv *Inverter) Deactivate(flush bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.deactivated {
		return
	}

	inv.deactivated = true
	if flush && inv.supports[wire.ItemFlush] {
		inv.flushArmed = true
	}

	inv.cond.Broadcast()
}

// Activate clears deactivation, moves every AWAITING_COMPLETION slot back to
// AWAITING_GET so a new worker re-handles requests already in flight, and
// re-arms DEVICE_AVAILABLE. It is a no-op if the inverter is already active,
// and must not be called after Terminate.
func (inv *Inverter) Activate() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if !inv.deactivated {
		return
	}

	inv.deactivated = false
	inv.flushArmed = false

	for i := range inv.slots {
		if i == 0 {
			continue
		}
		s := &inv.slots[i]
		if s.state == stateAwaitingCompletion {
			s.state = stateAwaitingGet
			inv.ready.pushBack(s.index)
		}
	}

	inv.deviceAvailable = true
	inv.cond.Broadcast()
}

// Terminate is idempotent. It cancels every slot currently AWAITING_GET or
// AWAITING_COMPLETION with EIO and makes every future BeginGet return a
// perpetual TERMINATE.
func (inv *Inverter) Terminate() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.terminated {
		return
	}
	inv.terminated = true

	for {
		idx, ok := inv.ready.popFront()
		if !ok {
			break
		}
		inv.freeSlotLocked(&inv.slots[idx], bduserr.EIO)
	}

	for i := range inv.slots {
		if i == 0 {
			continue
		}
		s := &inv.slots[i]
		if s.state == stateAwaitingCompletion {
			inv.freeSlotLocked(s, bduserr.EIO)
		}
	}

	inv.cond.Broadcast()
}

// BeginGet is the consumer path. It blocks until an item
// is available or ctx is done, in which case it returns ErrInterrupted.
func (inv *Inverter) BeginGet(ctx context.Context) (Item, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			inv.mu.Lock()
			inv.cond.Broadcast()
			inv.mu.Unlock()
		})
		defer stop()
	}

	for {
		if item, ok := inv.tryDequeueLocked(); ok {
			return item, nil
		}

		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return Item{}, bduserr.ErrInterrupted
			}
		}

		inv.cond.Wait()
	}
}

func (inv *Inverter) tryDequeueLocked() (Item, bool) {
	if inv.terminated {
		return Item{Type: wire.ItemTerminate}, true
	}

	if inv.deactivated {
		if inv.flushArmed {
			inv.flushArmed = false
			return Item{Type: wire.ItemFlushAndTerminate}, true
		}
		return Item{Type: wire.ItemTerminate}, true
	}

	if inv.deviceAvailable {
		inv.deviceAvailable = false
		return Item{Type: wire.ItemDeviceAvailable}, true
	}

	if idx, ok := inv.ready.popFront(); ok {
		s := &inv.slots[idx]
		s.state = stateBeingGotten
		return Item{
			Type:   s.typ,
			Handle: s.handle(),
			Arg64:  s.req.Arg64(),
			Arg32:  s.req.Arg32(),
		}, true
	}

	return Item{}, false
}

// CommitGet is the consumer path, called once an item
// has been successfully delivered to user space.
func (inv *Inverter) CommitGet(item Item) {
	if item.Type.IsPseudo() {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.slotForHandle(item.Handle)
	if s == nil || s.state != stateBeingGotten {
		return
	}

	if inv.terminated {
		inv.freeSlotLocked(s, bduserr.EIO)
		return
	}

	s.state = stateAwaitingCompletion
}

// AbortGet is the consumer path, called when the consumer
// failed to transport the item into user space.
func (inv *Inverter) AbortGet(item Item) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	switch item.Type {
	case wire.ItemDeviceAvailable:
		inv.deviceAvailable = true
	case wire.ItemFlushAndTerminate:
		inv.flushArmed = true
	case wire.ItemTerminate:
		// No-op: TERMINATE is perpetual regardless.
	default:
		s := inv.slotForHandle(item.Handle)
		if s == nil || s.state != stateBeingGotten {
			return
		}
		s.state = stateAwaitingGet
		inv.ready.pushBack(s.index)
	}

	inv.cond.Broadcast()
}

// BeginComplete is the consumer path. It returns
// (Item{}, false, nil) if the reply should be silently dropped (stale
// seqnum), (item, true, nil) once the slot is BEING_COMPLETED, and
// ErrInvalid for an out-of-range index or an unexpected state.
func (inv *Inverter) BeginComplete(h wire.Handle) (Item, bool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if h.Index == 0 || int(h.Index) >= len(inv.slots) {
		return Item{}, false, bduserr.ErrInvalid
	}

	s := &inv.slots[h.Index]
	if s.seqnum != h.Seqnum {
		return Item{}, false, nil
	}

	if s.state != stateAwaitingCompletion {
		return Item{}, false, bduserr.ErrInvalid
	}

	s.state = stateBeingCompleted
	return Item{
		Type:   s.typ,
		Handle: s.handle(),
		Arg64:  s.req.Arg64(),
		Arg32:  s.req.Arg32(),
	}, true, nil
}

// CommitComplete is the consumer path: it
// finalises the slot's kernel request with the sanitised status derived
// from errno (0 for success) and frees the slot.
func (inv *Inverter) CommitComplete(item Item, errno int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.slotForHandle(item.Handle)
	if s == nil || s.state != stateBeingCompleted {
		return
	}

	var sanitized int
	if item.Type == wire.ItemIoctl {
		sanitized = bduserr.SanitizeIoctl(errno)
	} else {
		sanitized = bduserr.SanitizeNonIoctl(errno)
	}

	inv.freeSlotLocked(s, sanitized)
}

// AbortComplete is the consumer path.
func (inv *Inverter) AbortComplete(item Item) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.slotForHandle(item.Handle)
	if s == nil || s.state != stateBeingCompleted {
		return
	}
	s.state = stateAwaitingCompletion
}

// Counts returns the number of slots in each state, for tests asserting the
// invariant free+ready+others == maxOutstanding.
func (inv *Inverter) Counts() (free, awaitingGet, beingGotten, awaitingCompletion, beingCompleted int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for i := range inv.slots {
		if i == 0 {
			continue
		}
		switch inv.slots[i].state {
		case stateFree:
			free++
		case stateAwaitingGet:
			awaitingGet++
		case stateBeingGotten:
			beingGotten++
		case stateAwaitingCompletion:
			awaitingCompletion++
		case stateBeingCompleted:
			beingCompleted++
		}
	}
	return
}

// RequestForHandle returns the Request underlying a live item's handle, or
// nil if the handle is stale. Workers use it to recover the payload buffer
// and completion plumbing that travel with the concrete Request
// implementation rather than with the read-only Item view.
func (inv *Inverter) RequestForHandle(h wire.Handle) Request {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.slotForHandle(h)
	if s == nil {
		return nil
	}
	return s.req
}

func (inv *Inverter) slotForHandle(h wire.Handle) *slot {
	if h.Index == 0 || int(h.Index) >= len(inv.slots) {
		return nil
	}
	s := &inv.slots[h.Index]
	if s.seqnum != h.Seqnum {
		return nil
	}
	return s
}

// freeSlotLocked completes s's request with errno, resets it to FREE, bumps
// its seqnum, and returns it to the free-list. Must be called with mu held.
func (inv *Inverter) freeSlotLocked(s *slot, errno int) {
	s.req.Complete(errno)
	s.req = nil
	s.state = stateFree
	s.seqnum++
	inv.free.pushBack(s.index)
}
