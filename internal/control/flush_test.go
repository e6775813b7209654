// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"testing"
	"time"
)

func TestFlushDeviceSkipsReadOnlyDevice(t *testing.T) {
	c := New("bdus", 16)

	cfg := testConfig(true)
	cfg.SupportsWrite = false
	cfg.SupportsFlush = false

	client, id, _, err := c.CreateDevice(cfg)
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	waitActive(t, c, id)
	defer c.Release(id, client)

	if err := c.FlushDevice(id); err != nil {
		t.Fatalf("FlushDevice on read-only device: %v", err)
	}
}

func TestFlushDeviceOnInactiveDeviceReturnsWithoutHanging(t *testing.T) {
	c := New("bdus", 16)

	client, id := newUnavailableEntry(t, c, testConfig(true))
	e := c.devices[id]
	e.dev.MarkAvailable()
	e.dev.Deactivate(false)

	done := make(chan error, 1)
	go func() { done <- c.FlushDevice(id) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FlushDevice on inactive device: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("FlushDevice hung on an inactive device with no consumer")
	}

	c.Release(id, client)
}
