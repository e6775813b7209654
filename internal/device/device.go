// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device implements the per-device state machine: it
// owns an inverter, translates block-layer
// operations into item types, and drives the UNAVAILABLE/ACTIVE/INACTIVE/
// TERMINATED lifecycle.
package device

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/asch/bdus/internal/bduserr"
	"github.com/asch/bdus/internal/inverter"
	"github.com/asch/bdus/internal/wire"
)

// State is one of the four device lifecycle states.
type State int32

const (
	StateUnavailable State = iota
	StateActive
	StateInactive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateActive:
		return "ACTIVE"
	case StateInactive:
		return "INACTIVE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// OpKind distinguishes the kernel block-layer operations a request can carry,
// before they are refined into an item type (a write, for
// instance, becomes ItemWrite or ItemFUAWrite depending on the FUA flag, and
// write-zeros becomes one of two item types depending on whether unmapping
// is allowed).
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpWriteSame
	OpWriteZeros
	OpFlush
	OpDiscard
	OpSecureErase
	OpIoctl
)

// DeriveItemType maps a kernel block-layer operation to the item type a
// client observes. fua and mayUnmap
// only affect OpWrite and OpWriteZeros respectively.
func DeriveItemType(op OpKind, fua, mayUnmap bool) wire.ItemType {
	switch op {
	case OpRead:
		return wire.ItemRead
	case OpWrite:
		if fua {
			return wire.ItemFUAWrite
		}
		return wire.ItemWrite
	case OpWriteSame:
		return wire.ItemWriteSame
	case OpWriteZeros:
		if mayUnmap {
			return wire.ItemWriteZerosMayUnmap
		}
		return wire.ItemWriteZerosNoUnmap
	case OpFlush:
		return wire.ItemFlush
	case OpDiscard:
		return wire.ItemDiscard
	case OpSecureErase:
		return wire.ItemSecureErase
	case OpIoctl:
		return wire.ItemIoctl
	default:
		return wire.ItemIoctl
	}
}

// BuildSupports derives the inverter.Supports map from a device Config.
func BuildSupports(cfg *Config) inverter.Supports {
	return inverter.Supports{
		wire.ItemRead:              cfg.SupportsRead,
		wire.ItemWrite:             cfg.SupportsWrite,
		wire.ItemWriteSame:         cfg.SupportsWriteSame,
		wire.ItemWriteZerosNoUnmap: cfg.SupportsWriteZeros,
		wire.ItemWriteZerosMayUnmap: cfg.SupportsWriteZeros,
		wire.ItemFUAWrite:          cfg.SupportsFUAWrite,
		wire.ItemFlush:             cfg.SupportsFlush,
		wire.ItemDiscard:           cfg.SupportsDiscard,
		wire.ItemSecureErase:       cfg.SupportsSecureErase,
		wire.ItemIoctl:             cfg.SupportsIoctl,
	}
}

// Device is the per-device state machine, constructed by New. It holds no
// block-disk handle of its own; I/O is serviced by whatever consumer drains
// its Inverter.
type Device struct {
	id    uint64
	cfg   Config
	state atomic.Int32

	inv *inverter.Inverter
}

// New constructs a Device in state UNAVAILABLE, owning a freshly created
// Inverter sized and permissioned from cfg. cfg must have already passed
// ValidateAndAdjust.
func New(cfg Config) *Device {
	d := &Device{
		id:  cfg.ID,
		cfg: cfg,
		inv: inverter.New(int(cfg.MaxOutstandingReqs), BuildSupports(&cfg)),
	}
	d.state.Store(int32(StateUnavailable))
	return d
}

// ID returns the device's monotonic identifier.
func (d *Device) ID() uint64 { return d.id }

// Config returns a copy of the device's (adjusted) configuration.
func (d *Device) Config() Config { return d.cfg }

// State returns the device's current lifecycle state.
func (d *Device) State() State { return State(d.state.Load()) }

// Inverter returns the device's owned Inverter.
func (d *Device) Inverter() *inverter.Inverter { return d.inv }

// IsReadOnly reports whether the device exposes itself as read-only at the
// disk level.
func (d *Device) IsReadOnly() bool { return d.cfg.IsReadOnly() }

// MarkAvailable performs the UNAVAILABLE -> ACTIVE transition once the
// asynchronous disk registration completes, submitting a single
// DEVICE_AVAILABLE pseudo-event.
func (d *Device) MarkAvailable() {
	if d.state.CompareAndSwap(int32(StateUnavailable), int32(StateActive)) {
		d.inv.SubmitDeviceAvailable()
		log.Debug().Uint64("device", d.id).Msg("device became available")
	}
}

// Terminate performs UNAVAILABLE|ACTIVE|INACTIVE -> TERMINATED. It is
// idempotent: the transition only has an observable effect the first time.
func (d *Device) Terminate() {
	for {
		cur := State(d.state.Load())
		if cur == StateTerminated {
			return
		}
		if d.state.CompareAndSwap(int32(cur), int32(StateTerminated)) {
			d.inv.Terminate()
			log.Debug().Uint64("device", d.id).Msg("device terminated")
			return
		}
	}
}

// Deactivate performs ACTIVE -> INACTIVE. flush requests a
// FLUSH_AND_TERMINATE pseudo-item be produced before perpetual TERMINATE, if
// the device supports flush. Does nothing outside state ACTIVE.
func (d *Device) Deactivate(flush bool) {
	if d.state.CompareAndSwap(int32(StateActive), int32(StateInactive)) {
		d.inv.Deactivate(flush)
		log.Debug().Uint64("device", d.id).Bool("flush", flush).Msg("device deactivated")
	}
}

// Activate performs INACTIVE -> ACTIVE, moving every AWAITING_COMPLETION
// slot back to AWAITING_GET so a newly attached client re-handles requests
// already in flight. Does nothing outside state INACTIVE.
func (d *Device) Activate() {
	if d.state.CompareAndSwap(int32(StateInactive), int32(StateActive)) {
		d.inv.Activate()
		log.Debug().Uint64("device", d.id).Msg("device activated")
	}
}

// Submit derives req's item type from op and forwards it to the inverter.
// In state INACTIVE the request still succeeds onto the inverter's
// AWAITING_GET list (no consumer observes it until the next Activate); in
// state TERMINATED it fails immediately with the same statuses as the
// inverter's own check: req is completed with EIO (ENODEV for an ioctl) and
// ErrNoDev is returned.
func (d *Device) Submit(req inverter.Request) (wire.Handle, error) {
	if d.State() == StateTerminated {
		if req.Type() == wire.ItemIoctl {
			req.Complete(bduserr.ENODEV)
		} else {
			req.Complete(bduserr.EIO)
		}
		return wire.NullHandle, bduserr.ErrNoDev
	}
	return d.inv.Submit(req)
}

// Timeout delegates to the owned inverter, integrating with the block
// layer's per-request timeout callback.
func (d *Device) Timeout(h wire.Handle) inverter.TimeoutResult {
	return d.inv.Timeout(h)
}
