// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package disk defines the plugin surface a device backend implements, one
// method per kind of request a device can carry. Backend generalises a
// read/write-only interface to the full set of operations a device can
// support.
package disk

import "context"

// Backend is implemented by whatever ultimately services a device's I/O:
// a RAM disk, an NBD export, a file, or a real block device. Every method
// may be called concurrently from any number of worker goroutines and must
// return a sanitisable errno-shaped error (see internal/bduserr); a nil
// error means success.
type Backend interface {
	// ReadAt fills buf (len(buf) bytes) starting at byte offset off.
	ReadAt(ctx context.Context, buf []byte, off uint64) error

	// WriteAt writes buf starting at byte offset off. fua requests the
	// write reach persistent storage before returning.
	WriteAt(ctx context.Context, buf []byte, off uint64, fua bool) error

	// WriteSame repeats block (one logical block) across size bytes
	// starting at offset off.
	WriteSame(ctx context.Context, block []byte, off, size uint64) error

	// WriteZeros zeros size bytes starting at offset off. mayUnmap
	// permits (but does not require) the backend to unmap the range
	// instead of writing zeros.
	WriteZeros(ctx context.Context, off, size uint64, mayUnmap bool) error

	// Flush requests that all previously acknowledged writes reach
	// persistent storage.
	Flush(ctx context.Context) error

	// Discard hints that size bytes starting at offset off are no longer
	// in use.
	Discard(ctx context.Context, off, size uint64) error

	// SecureErase erases size bytes starting at offset off such that they
	// are unrecoverable.
	SecureErase(ctx context.Context, off, size uint64) error

	// Ioctl services a device-specific command. arg is the command's
	// payload buffer, already sized by the caller according to the
	// command's direction.
	Ioctl(ctx context.Context, command uint32, arg []byte) error

	// Close releases any resources held by the backend. Called once, when
	// the owning device is destroyed.
	Close() error
}
