// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"strconv"
	"strings"

	"github.com/asch/bdus/internal/bduserr"
)

// parseDevicePath extracts the whole-device id out of a path of the shape
// "/dev/<prefix>-<id>" or "/dev/<prefix>-<id>p<partition>". It never
// consults the device table: callers combine the returned id and
// isPartition flag with their own knowledge of which ids are live.
func parseDevicePath(path, prefix string) (id uint64, isPartition bool, err error) {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}

	want := prefix + "-"
	if !strings.HasPrefix(base, want) {
		return 0, false, bduserr.ErrInvalid
	}
	rest := base[len(want):]

	digits := rest
	if p := strings.IndexByte(rest, 'p'); p > 0 {
		digits = rest[:p]
		isPartition = true
	}

	n, convErr := strconv.ParseUint(digits, 10, 64)
	if convErr != nil {
		return 0, false, bduserr.ErrInvalid
	}

	return n, isPartition, nil
}

// PathToID resolves path to a device id.
// Returns ErrIsPartition if the path addresses a partition rather than the
// whole device, ErrNoDev if the id is syntactically valid but no live
// device occupies it, ErrInvalid if the path does not match this
// coordinator's device-path prefix at all.
func (c *Coordinator) PathToID(path string) (uint64, error) {
	id, isPartition, err := parseDevicePath(path, c.prefix)
	if err != nil {
		return 0, err
	}
	if isPartition {
		return 0, bduserr.ErrIsPartition
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[id]; !ok {
		return 0, bduserr.ErrNoDev
	}
	return id, nil
}
