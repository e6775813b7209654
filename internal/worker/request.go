// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package worker

import (
	"github.com/asch/bdus/internal/wire"
)

// PayloadRequest is the inverter.Request shape a Pool expects: besides the
// type/argument accessors every Request has, it carries the payload buffer
// and write-time flags a worker needs to drive a disk.Backend. A real kernel
// client would instead locate this buffer by slot index in a preallocated
// shared-memory region; an in-process reimplementation simply attaches it to
// the request object itself.
type PayloadRequest interface {
	Type() wire.ItemType
	Arg64() uint64
	Arg32() uint32
	Complete(errno int)

	// Buf is the request's payload: filled by the caller before Submit for
	// a write-family item, filled by the worker before Complete for a
	// read.
	Buf() []byte

	// FUA reports whether a WRITE must reach persistent storage before
	// completion (i.e. it was submitted as FUA_WRITE).
	FUA() bool

	// MayUnmap reports whether a WRITE_ZEROS item permits the backend to
	// unmap the range instead of writing zeros.
	MayUnmap() bool
}

// BlockRequest is the concrete PayloadRequest a producer constructs and
// passes to device.Device.Submit.
type BlockRequest struct {
	ItemType   wire.ItemType
	Offset     uint64
	Size       uint32
	Command    uint32
	Payload    []byte
	IsFUA      bool
	AllowUnmap bool
	OnComplete func(errno int)
}

func (r *BlockRequest) Type() wire.ItemType {
	return r.ItemType
}

func (r *BlockRequest) Arg64() uint64 {
	return r.Offset
}

func (r *BlockRequest) Arg32() uint32 {
	if r.ItemType == wire.ItemIoctl {
		return r.Command
	}
	return r.Size
}

func (r *BlockRequest) Buf() []byte { return r.Payload }

func (r *BlockRequest) FUA() bool { return r.IsFUA }

func (r *BlockRequest) MayUnmap() bool { return r.AllowUnmap }

func (r *BlockRequest) Complete(errno int) {
	if r.OnComplete != nil {
		r.OnComplete(errno)
	}
}
