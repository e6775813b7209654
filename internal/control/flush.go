// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"github.com/asch/bdus/internal/bduserr"
	"github.com/asch/bdus/internal/device"
	"github.com/asch/bdus/internal/wire"
)

// syncFlushRequest is a control-side inverter.Request used to drive
// flush_device: it submits exactly like any real client request and blocks
// the calling goroutine on its own completion, rather than a kernel
// page-cache writeback plus block-layer flush, since this reimplementation
// has no separate kernel block object to flush.
type syncFlushRequest struct {
	done chan int
}

func newSyncFlushRequest() *syncFlushRequest {
	return &syncFlushRequest{done: make(chan int, 1)}
}

func (r *syncFlushRequest) Type() wire.ItemType { return wire.ItemFlush }
func (r *syncFlushRequest) Arg64() uint64       { return 0 }
func (r *syncFlushRequest) Arg32() uint32       { return 0 }

func (r *syncFlushRequest) Complete(errno int) {
	r.done <- errno
}

// FlushDevice implements flush_device: skipped for a read-only device or one
// that is not ACTIVE, otherwise submits a FLUSH item through the device's own inverter and waits
// for a worker to complete it, ignoring EOPNOTSUPP.
func (c *Coordinator) FlushDevice(id uint64) error {
	c.mu.Lock()
	e, ok := c.devices[id]
	c.mu.Unlock()
	if !ok {
		return bduserr.ErrNoDev
	}

	if e.dev.IsReadOnly() {
		return nil
	}

	// A clientless (INACTIVE or TERMINATED) device has no worker pool
	// draining its inverter, so a FLUSH item submitted to it would sit
	// forever on the AWAITING_GET list. There is nothing dirty to flush in
	// that case either.
	if e.dev.State() != device.StateActive {
		return nil
	}

	req := newSyncFlushRequest()
	_, err := e.dev.Submit(req)
	if err != nil {
		if err == bduserr.ErrNotSupported {
			return nil
		}
		return err
	}

	errno := <-req.done
	if errno != 0 && errno != bduserr.EOPNOTSUPP {
		return bduserr.ErrIO
	}
	return nil
}
