// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package rambackend is a disk.Backend kept entirely in process memory.
// Useful for measuring the core's own overhead and for tests; otherwise a
// template for a new backend.
package rambackend

import (
	"context"
	"sync"

	"github.com/asch/bdus/internal/bduserr"
)

// RAMBackend is a disk.Backend backed by a single in-memory byte slice.
type RAMBackend struct {
	mu   sync.RWMutex
	data []byte
}

// New creates a RAMBackend of the given size, zero-filled.
func New(size uint64) *RAMBackend {
	return &RAMBackend{data: make([]byte, size)}
}

func (r *RAMBackend) bounds(off uint64, n int) (int64, int64, error) {
	start := int64(off)
	end := start + int64(n)
	if start < 0 || end < start || end > int64(len(r.data)) {
		return 0, 0, bduserr.ErrInvalid
	}
	return start, end, nil
}

func (r *RAMBackend) ReadAt(_ context.Context, buf []byte, off uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start, end, err := r.bounds(off, len(buf))
	if err != nil {
		return err
	}
	copy(buf, r.data[start:end])
	return nil
}

func (r *RAMBackend) WriteAt(_ context.Context, buf []byte, off uint64, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start, end, err := r.bounds(off, len(buf))
	if err != nil {
		return err
	}
	copy(r.data[start:end], buf)
	return nil
}

func (r *RAMBackend) WriteSame(_ context.Context, block []byte, off, size uint64) error {
	if len(block) == 0 || size%uint64(len(block)) != 0 {
		return bduserr.ErrInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start, end, err := r.bounds(off, int(size))
	if err != nil {
		return err
	}
	dst := r.data[start:end]
	for i := 0; i < len(dst); i += len(block) {
		copy(dst[i:i+len(block)], block)
	}
	return nil
}

func (r *RAMBackend) WriteZeros(_ context.Context, off, size uint64, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start, end, err := r.bounds(off, int(size))
	if err != nil {
		return err
	}
	clear(r.data[start:end])
	return nil
}

func (r *RAMBackend) Flush(_ context.Context) error { return nil }

func (r *RAMBackend) Discard(_ context.Context, off, size uint64) error {
	return r.WriteZeros(nil, off, size, true)
}

func (r *RAMBackend) SecureErase(_ context.Context, off, size uint64) error {
	return r.WriteZeros(nil, off, size, false)
}

func (r *RAMBackend) Ioctl(_ context.Context, _ uint32, _ []byte) error {
	return bduserr.ErrNotSupported
}

func (r *RAMBackend) Close() error { return nil }
