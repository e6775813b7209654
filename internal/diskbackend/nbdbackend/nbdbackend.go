// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package nbdbackend is a disk.Backend that forwards every operation to a
// remote NBD export over libnbd: one libnbd call per operation (except a FUA
// write, which is a write followed by a flush, and a write-same, which is one
// write per block), matching the one-item-at-a-time shape a worker in
// internal/worker drives it with.
package nbdbackend

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"libguestfs.org/libnbd"

	"github.com/asch/bdus/internal/bduserr"
)

// NBDBackend is a disk.Backend connected to a single NBD export.
type NBDBackend struct {
	mu     sync.Mutex
	handle *libnbd.Libnbd
}

// DialUnix connects to an NBD server listening on a Unix domain socket,
// exporting export (empty for the server's default export).
func DialUnix(socketPath, export string) (*NBDBackend, error) {
	h, err := libnbd.Create()
	if err != nil {
		return nil, err
	}

	if export != "" {
		if err := h.SetExportName(export); err != nil {
			h.Close()
			return nil, err
		}
	}

	if err := h.ConnectUnix(socketPath); err != nil {
		h.Close()
		return nil, err
	}

	log.Info().Str("socket", socketPath).Str("export", export).Msg("connected to nbd export")

	return &NBDBackend{handle: h}, nil
}

func (n *NBDBackend) ReadAt(_ context.Context, buf []byte, off uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle.Pread(buf, off, nil)
}

func (n *NBDBackend) WriteAt(_ context.Context, buf []byte, off uint64, fua bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.handle.Pwrite(buf, off, nil); err != nil {
		return err
	}
	if fua {
		return n.handle.Flush(nil)
	}
	return nil
}

func (n *NBDBackend) WriteSame(ctx context.Context, block []byte, off, size uint64) error {
	for written := uint64(0); written < size; written += uint64(len(block)) {
		if err := n.WriteAt(ctx, block, off+written, false); err != nil {
			return err
		}
	}
	return nil
}

func (n *NBDBackend) WriteZeros(_ context.Context, off, size uint64, mayUnmap bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle.Zero(size, off, nil)
}

func (n *NBDBackend) Flush(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle.Flush(nil)
}

func (n *NBDBackend) Discard(_ context.Context, off, size uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle.Trim(size, off, nil)
}

func (n *NBDBackend) SecureErase(ctx context.Context, off, size uint64) error {
	// The NBD protocol has no dedicated secure-erase command; the safest
	// available approximation is an explicit zero write rather than a
	// best-effort trim.
	return n.WriteZeros(ctx, off, size, false)
}

func (n *NBDBackend) Ioctl(_ context.Context, _ uint32, _ []byte) error {
	return bduserr.ErrNotSupported
}

func (n *NBDBackend) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle.Close()
}
