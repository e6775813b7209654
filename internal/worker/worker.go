// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package worker is a reference consumer driving a disk.Backend from a
// device's inverter: each worker loops begin_get -> dispatch -> commit,
// following the same channel-free, pull-based pattern the control coordinator
// expects of every consumer, spawned N-wide like an upload/download worker
// pool.
package worker

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/asch/bdus/internal/bduserr"
	"github.com/asch/bdus/internal/device"
	"github.com/asch/bdus/internal/disk"
	"github.com/asch/bdus/internal/inverter"
	"github.com/asch/bdus/internal/wire"
)

// Pool drives one device's requests against one disk.Backend using a fixed
// number of worker goroutines.
type Pool struct {
	dev     *device.Device
	backend disk.Backend

	cancel context.CancelFunc
}

// Start launches n workers pulling items from dev and dispatching them to
// backend, until the returned Pool is stopped or dev terminates. n is
// typically small: the hot path is I/O-bound, not CPU-bound.
func Start(dev *device.Device, backend disk.Backend, n int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{dev: dev, backend: backend, cancel: cancel}

	for i := 0; i < n; i++ {
		go p.run(ctx)
	}

	return p
}

// Stop signals every worker to exit once its current item, if any, has been
// dispatched. It does not wait for them to actually exit.
func (p *Pool) Stop() {
	p.cancel()
}

func (p *Pool) run(ctx context.Context) {
	inv := p.dev.Inverter()

	for {
		item, err := inv.BeginGet(ctx)
		if err != nil {
			return
		}

		switch item.Type {
		case wire.ItemTerminate:
			inv.CommitGet(item)
			return

		case wire.ItemFlushAndTerminate:
			inv.CommitGet(item)
			if err := p.backend.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("flush before termination failed")
			}
			return

		case wire.ItemDeviceAvailable:
			inv.CommitGet(item)
			continue

		default:
			inv.CommitGet(item)
			p.dispatch(ctx, item)
		}
	}
}

// dispatch services a real item against the backend and drives it through
// begin_complete/commit_complete. Reply transport failures (the shared-
// memory analogue of a copy-to-user fault) have no equivalent in this
// in-process reimplementation, so AbortComplete is never reached here.
func (p *Pool) dispatch(ctx context.Context, item inverter.Item) {
	inv := p.dev.Inverter()

	req, ok := inv.RequestForHandle(item.Handle).(PayloadRequest)
	if !ok || req == nil {
		return
	}

	errno := bduserr.ESuccess
	if err := p.perform(ctx, item, req); err != nil {
		errno = errnoFor(err)
	}

	completed, ok, err := inv.BeginComplete(item.Handle)
	if err != nil || !ok {
		return
	}

	inv.CommitComplete(completed, errno)
}

func (p *Pool) perform(ctx context.Context, item inverter.Item, req PayloadRequest) error {
	switch item.Type {
	case wire.ItemRead:
		return p.backend.ReadAt(ctx, req.Buf(), item.Arg64)
	case wire.ItemWrite:
		return p.backend.WriteAt(ctx, req.Buf(), item.Arg64, false)
	case wire.ItemFUAWrite:
		return p.backend.WriteAt(ctx, req.Buf(), item.Arg64, true)
	case wire.ItemWriteSame:
		return p.backend.WriteSame(ctx, req.Buf(), item.Arg64, uint64(item.Arg32))
	case wire.ItemWriteZerosNoUnmap:
		return p.backend.WriteZeros(ctx, item.Arg64, uint64(item.Arg32), false)
	case wire.ItemWriteZerosMayUnmap:
		return p.backend.WriteZeros(ctx, item.Arg64, uint64(item.Arg32), true)
	case wire.ItemFlush:
		return p.backend.Flush(ctx)
	case wire.ItemDiscard:
		return p.backend.Discard(ctx, item.Arg64, uint64(item.Arg32))
	case wire.ItemSecureErase:
		return p.backend.SecureErase(ctx, item.Arg64, uint64(item.Arg32))
	case wire.ItemIoctl:
		return p.backend.Ioctl(ctx, item.Arg32, req.Buf())
	default:
		return bduserr.ErrNotSupported
	}
}

func errnoFor(err error) int {
	switch err {
	case bduserr.ErrNotSupported:
		return bduserr.EOPNOTSUPP
	case bduserr.ErrInvalid:
		return bduserr.EINVAL
	case bduserr.ErrNoSpace:
		return bduserr.ENOSPC
	case bduserr.ErrTimedOut:
		return bduserr.ETIMEDOUT
	default:
		return bduserr.EIO
	}
}
