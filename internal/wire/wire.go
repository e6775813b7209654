// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package wire defines the client/kernel shared-memory contract: a region of
// fixed-size cells, each a tagged union of an "item" (core to client) and a
// "reply" (client to core) sharing a common header.
//
// Nothing in this package ever sleeps or allocates on the hot path; it only
// encodes and decodes the bit-stable layout so that callers on either side of
// the control device agree on byte offsets.
package wire

import "encoding/binary"

// CellSize is the fixed size, in bytes, of every cell in the shared-memory
// region. It is part of the external contract and must never change without
// bumping the ABI version returned by GET_VERSION.
const CellSize = 64

// ItemType identifies the kind of request (or pseudo-event) carried by a
// cell.
type ItemType uint16

const (
	// ItemDeviceAvailable is a pseudo-item: the first item a client sees
	// after its device transitions into ACTIVE.
	ItemDeviceAvailable ItemType = iota

	// ItemTerminate is a perpetual pseudo-item: once produced, every
	// subsequent begin-get on the same client returns it again.
	ItemTerminate

	// ItemFlushAndTerminate is produced at most once, before any
	// ItemTerminate, when a device supporting flush is deactivated with
	// flush requested.
	ItemFlushAndTerminate

	// ItemRead requests size bytes starting at offset Arg64 be placed in
	// the item's payload buffer.
	ItemRead

	// ItemWrite carries size bytes of payload to be written at offset
	// Arg64.
	ItemWrite

	// ItemWriteSame carries one logical block of payload to be repeated
	// across size bytes starting at offset Arg64.
	ItemWriteSame

	// ItemWriteZerosNoUnmap zeros size bytes starting at offset Arg64
	// without permission to unmap the range.
	ItemWriteZerosNoUnmap

	// ItemWriteZerosMayUnmap zeros size bytes starting at offset Arg64,
	// permitting the backend to unmap the range.
	ItemWriteZerosMayUnmap

	// ItemFUAWrite is like ItemWrite but must reach persistent storage
	// before the reply is sent.
	ItemFUAWrite

	// ItemFlush requests that all previously acknowledged writes reach
	// persistent storage.
	ItemFlush

	// ItemDiscard hints that size bytes starting at offset Arg64 are no
	// longer in use.
	ItemDiscard

	// ItemSecureErase requests that size bytes starting at offset Arg64 be
	// erased such that they are unrecoverable.
	ItemSecureErase

	// ItemIoctl carries a device-specific command in Arg32, with a payload
	// whose direction and size depend on that command.
	ItemIoctl
)

// String names an ItemType for logging.
func (t ItemType) String() string {
	switch t {
	case ItemDeviceAvailable:
		return "DEVICE_AVAILABLE"
	case ItemTerminate:
		return "TERMINATE"
	case ItemFlushAndTerminate:
		return "FLUSH_AND_TERMINATE"
	case ItemRead:
		return "READ"
	case ItemWrite:
		return "WRITE"
	case ItemWriteSame:
		return "WRITE_SAME"
	case ItemWriteZerosNoUnmap:
		return "WRITE_ZEROS_NO_UNMAP"
	case ItemWriteZerosMayUnmap:
		return "WRITE_ZEROS_MAY_UNMAP"
	case ItemFUAWrite:
		return "FUA_WRITE"
	case ItemFlush:
		return "FLUSH"
	case ItemDiscard:
		return "DISCARD"
	case ItemSecureErase:
		return "SECURE_ERASE"
	case ItemIoctl:
		return "IOCTL"
	default:
		return "UNKNOWN"
	}
}

// IsPseudo reports whether t is a pseudo-item (never a reply target).
func (t ItemType) IsPseudo() bool {
	return t == ItemDeviceAvailable || t == ItemTerminate || t == ItemFlushAndTerminate
}

// Handle identifies a request uniquely across its lifetime: the pair
// (Index, Seqnum) is safe against ABA slot reuse, since Seqnum is bumped
// every time the slot returns to FREE.
type Handle struct {
	Index  uint16
	Seqnum uint64
}

// NullHandle is returned by submission paths that fail before a slot is
// assigned (e.g. termination or an unsupported type).
var NullHandle = Handle{}

// Cell is the decoded form of one 64-byte shared-memory cell: a tagged union
// of an item (core-to-client) and a reply (client-to-core), plus the common
// header.
type Cell struct {
	Handle Handle

	// UsePreallocatedBuffer indicates that the payload for this cell lives
	// in one of the fd's preallocated, page-aligned buffers rather than in
	// caller-supplied memory.
	UsePreallocatedBuffer bool

	// Type is set on items. Encode and Decode carry it for replies too,
	// but a reply's type is implied by the item it answers.
	Type ItemType

	// Arg64 is the offset argument for sized request types.
	Arg64 uint64

	// Arg32 is the size argument for sized request types, or the ioctl
	// command for ItemIoctl.
	Arg32 uint32

	// Errno is populated on replies: 0 for success, a positive errno
	// value otherwise.
	Errno int32
}

// Encode writes c into a CellSize-byte cell starting at buf[0]. It panics if
// buf is shorter than CellSize, matching the fixed-layout external contract:
// a short buffer here is a caller bug, not a runtime condition to recover
// from.
func (c Cell) Encode(buf []byte) {
	if len(buf) < CellSize {
		panic("wire: cell buffer shorter than CellSize")
	}

	binary.LittleEndian.PutUint16(buf[0:2], c.Handle.Index)
	binary.LittleEndian.PutUint64(buf[2:10], c.Handle.Seqnum)

	var flags uint8
	if c.UsePreallocatedBuffer {
		flags |= 1
	}
	buf[10] = flags

	binary.LittleEndian.PutUint16(buf[11:13], uint16(c.Type))
	binary.LittleEndian.PutUint64(buf[16:24], c.Arg64)
	binary.LittleEndian.PutUint32(buf[24:28], c.Arg32)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(c.Errno))

	for i := 32; i < CellSize; i++ {
		buf[i] = 0
	}
}

// Decode reads a Cell out of a CellSize-byte cell starting at buf[0].
func Decode(buf []byte) Cell {
	if len(buf) < CellSize {
		panic("wire: cell buffer shorter than CellSize")
	}

	flags := buf[10]

	return Cell{
		Handle: Handle{
			Index:  binary.LittleEndian.Uint16(buf[0:2]),
			Seqnum: binary.LittleEndian.Uint64(buf[2:10]),
		},
		UsePreallocatedBuffer: flags&1 != 0,
		Type:                  ItemType(binary.LittleEndian.Uint16(buf[11:13])),
		Arg64:                 binary.LittleEndian.Uint64(buf[16:24]),
		Arg32:                 binary.LittleEndian.Uint32(buf[24:28]),
		Errno:                 int32(binary.LittleEndian.Uint32(buf[28:32])),
	}
}
