// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package control implements the process-wide coordinator: the
// sole serialisation point for device creation, client attachment, handover,
// and destruction. Exactly one Coordinator is expected to exist per
// process, mirroring the kernel module's single control character device.
package control

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/bdus/internal/bduserr"
	"github.com/asch/bdus/internal/device"
)

// Client is the session token returned by CreateDevice and Attach. It
// carries no exported fields; callers hold it opaquely and pass it back to
// Release, Terminate, and MarkSuccessful.
type Client struct {
	markedSuccessful bool
}

// entry is one live row of the device table.
type entry struct {
	id    uint64
	index int
	dev   *device.Device

	recoverable bool

	client             *Client
	handoverInProgress bool
	handoverCond       *sync.Cond

	registerDone chan struct{}
}

// Coordinator is the process-wide control coordinator. The zero value is
// not usable; construct one with New.
type Coordinator struct {
	mu sync.Mutex

	prefix  string
	devices map[uint64]*entry
	indices *indexAllocator
	nextID  uint64

	destroyCond *sync.Cond
}

// New creates a Coordinator whose device table holds at most maxDevices
// live devices at once, and whose devices appear as /dev/<prefix>-<id>.
func New(prefix string, maxDevices int) *Coordinator {
	c := &Coordinator{
		prefix:  prefix,
		devices: make(map[uint64]*entry),
		indices: newIndexAllocator(maxDevices),
	}
	c.destroyCond = sync.NewCond(&c.mu)
	return c
}

// CreateDevice implements create_device: allocates an index
// cyclically, validates and adjusts cfg, assigns the next id, creates the
// device's inverter, and attaches the caller as its sole client. The
// returned Config is cfg after adjustment.
func (c *Coordinator) CreateDevice(cfg device.Config) (*Client, uint64, device.Config, error) {
	if err := device.ValidateAndAdjust(&cfg); err != nil {
		return nil, 0, device.Config{}, err
	}

	c.mu.Lock()

	idx, ok := c.indices.allocate()
	if !ok {
		c.mu.Unlock()
		return nil, 0, device.Config{}, bduserr.ErrNoSpace
	}

	c.nextID++
	id := c.nextID
	cfg.ID = id

	dev := device.New(cfg)
	client := &Client{}

	e := &entry{
		id:           id,
		index:        idx,
		dev:          dev,
		recoverable:  cfg.Recoverable,
		client:       client,
		registerDone: make(chan struct{}),
	}
	e.handoverCond = sync.NewCond(&c.mu)
	c.devices[id] = e

	c.mu.Unlock()

	log.Info().Uint64("device", id).Int("index", idx).Msg("device created")

	// The real module adds the gendisk asynchronously; we mirror that with
	// a goroutine so destroy can still join it (see destroyLocked).
	go func() {
		dev.MarkAvailable()
		close(e.registerDone)
	}()

	return client, id, cfg, nil
}

// DeviceHandle returns the live *device.Device for id, for callers (such as
// a worker pool) that need direct access rather than a coordinator-mediated
// operation.
func (c *Coordinator) DeviceHandle(id uint64) *device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.devices[id]
	if !ok {
		return nil
	}
	return e.dev
}

// Attach implements attach: blocks interruptibly on a previously
// attached client detaching, if any, then activates the device for the
// caller. The "caller must not already be attached to some other device" is
// the responsibility of the session layer above this package, which owns
// client identity across connections; the coordinator only tracks at most
// one Client per device.
func (c *Coordinator) Attach(ctx context.Context, id uint64) (*Client, device.Config, error) {
	c.mu.Lock()

	e, ok := c.devices[id]
	if !ok {
		c.mu.Unlock()
		return nil, device.Config{}, bduserr.ErrNoDev
	}

	if e.dev.State() == device.StateUnavailable {
		c.mu.Unlock()
		return nil, device.Config{}, bduserr.ErrBusy
	}
	if e.handoverInProgress {
		c.mu.Unlock()
		return nil, device.Config{}, bduserr.ErrInProgress
	}

	if e.client != nil {
		e.handoverInProgress = true
		e.dev.Deactivate(supportsFlush(e.dev))

		if ctx != nil {
			stop := context.AfterFunc(ctx, func() {
				c.mu.Lock()
				e.handoverCond.Broadcast()
				c.mu.Unlock()
			})
			defer stop()
		}

		for e.client != nil {
			if ctx != nil {
				if err := ctx.Err(); err != nil {
					e.handoverInProgress = false
					c.mu.Unlock()
					return nil, device.Config{}, bduserr.ErrInterrupted
				}
			}
			e.handoverCond.Wait()
		}
		e.handoverInProgress = false
	}

	if e.dev.State() == device.StateTerminated {
		c.destroyLocked(e)
		c.mu.Unlock()
		return nil, device.Config{}, bduserr.ErrNoDev
	}

	e.dev.Activate()
	client := &Client{}
	e.client = client
	cfg := e.dev.Config()

	c.mu.Unlock()

	log.Info().Uint64("device", id).Msg("client attached")

	return client, cfg, nil
}

func supportsFlush(d *device.Device) bool {
	return d.Config().SupportsFlush
}

// Release implements release, applied when the owning process
// closes its client handle. client must be the token returned by
// CreateDevice or Attach for this id.
func (c *Coordinator) Release(id uint64, client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.devices[id]
	if !ok || e.client != client {
		return
	}

	waiting := e.handoverInProgress
	state := e.dev.State()

	switch state {
	case device.StateUnavailable:
		e.client = nil
		c.destroyLocked(e)
		return

	case device.StateActive:
		switch {
		case !e.recoverable && !client.markedSuccessful:
			e.dev.Terminate()
			e.client = nil
			if waiting {
				e.handoverCond.Broadcast()
			} else {
				c.destroyLocked(e)
			}
		case e.recoverable:
			e.dev.Deactivate(false)
			e.client = nil
			if waiting {
				e.handoverCond.Broadcast()
			}
		default: // !recoverable && markedSuccessful
			e.dev.Deactivate(false)
			e.client = nil
			if waiting {
				e.handoverCond.Broadcast()
			}
		}

	case device.StateInactive:
		switch {
		case !e.recoverable && !client.markedSuccessful:
			e.dev.Terminate()
			e.client = nil
			if !waiting {
				c.destroyLocked(e)
			} else {
				e.handoverCond.Broadcast()
			}
		case !e.recoverable: // markedSuccessful: no error, but still clientless and non-recoverable
			e.client = nil
			if !waiting {
				c.destroyLocked(e)
			} else {
				e.handoverCond.Broadcast()
			}
		default: // recoverable
			e.client = nil
			if waiting {
				e.handoverCond.Broadcast()
			}
		}

	case device.StateTerminated:
		e.client = nil
		if waiting {
			e.handoverCond.Broadcast()
		} else {
			c.destroyLocked(e)
		}
	}

	log.Info().Uint64("device", id).Msg("client released")
}

// Terminate implements terminate(client): arms perpetual
// TERMINATE delivery on the device's inverter, transitioning the device to
// INACTIVE if it is recoverable and ACTIVE, or to TERMINATED otherwise.
func (c *Coordinator) Terminate(id uint64, client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.devices[id]
	if !ok || e.client != client {
		return
	}

	if e.recoverable && e.dev.State() == device.StateActive {
		e.dev.Deactivate(false)
	} else {
		e.dev.Terminate()
	}
}

// MarkSuccessful implements mark_successful: latches a per-client
// flag consulted by Release.
func (c *Coordinator) MarkSuccessful(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client.markedSuccessful = true
}

// GetDeviceConfig returns id's live configuration.
func (c *Coordinator) GetDeviceConfig(id uint64) (device.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.devices[id]
	if !ok {
		return device.Config{}, bduserr.ErrNoDev
	}
	return e.dev.Config(), nil
}

// TriggerDestruction implements trigger_destruction: if the
// device has a client, its inverter is terminated so the client observes
// perpetual TERMINATE and is expected to close its handle; otherwise the
// device is destroyed immediately.
func (c *Coordinator) TriggerDestruction(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.devices[id]
	if !ok {
		return bduserr.ErrNoDev
	}

	if e.client != nil {
		e.dev.Terminate()
		return nil
	}

	c.destroyLocked(e)
	return nil
}

// WaitUntilDestroyed implements wait_until_destroyed: returns
// immediately if id was never allocated or no longer lives, otherwise
// sleeps interruptibly until it leaves the table.
func (c *Coordinator) WaitUntilDestroyed(ctx context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == 0 || id > c.nextID {
		return bduserr.ErrInvalid
	}

	if _, ok := c.devices[id]; !ok {
		return nil
	}

	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.destroyCond.Broadcast()
			c.mu.Unlock()
		})
		defer stop()
	}

	for {
		if _, ok := c.devices[id]; !ok {
			return nil
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return bduserr.ErrInterrupted
			}
		}
		c.destroyCond.Wait()
	}
}

// destroyLocked removes e from the table, releases its index for reuse,
// and wakes every WaitUntilDestroyed waiter. Must be called with c.mu held.
// It blocks (with c.mu released around the join) until e's asynchronous
// registration goroutine has finished, mirroring destroy_device's documented
// wait on the disk-add task.
func (c *Coordinator) destroyLocked(e *entry) {
	delete(c.devices, e.id)
	c.indices.release(e.index)

	c.mu.Unlock()
	<-e.registerDone
	c.mu.Lock()

	c.destroyCond.Broadcast()

	log.Info().Uint64("device", e.id).Msg("device destroyed")
}
