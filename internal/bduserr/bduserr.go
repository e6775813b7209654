// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package bduserr collects the errno-shaped sentinel errors shared by the
// inverter, device, and control packages. The core never panics on bad user
// input or on request-level failures; every fallible operation returns one
// of these values (or wraps it) instead.
package bduserr

import "errors"

var (
	// ErrIO is returned when a request fails for a reason that must not be
	// surfaced in more detail to the kernel (sanitised status).
	ErrIO = errors.New("input/output error")

	// ErrNoDev is returned when an operation targets a device that no
	// longer exists, or a terminated inverter.
	ErrNoDev = errors.New("no such device")

	// ErrNotSupported is returned when submit() is given a request type the
	// device was not configured to support.
	ErrNotSupported = errors.New("operation not supported")

	// ErrTimedOut is returned for a request whose kernel-side timeout fired.
	ErrTimedOut = errors.New("connection timed out")

	// ErrBusy is returned by attach() when the target device is still
	// UNAVAILABLE.
	ErrBusy = errors.New("device or resource busy")

	// ErrInProgress is returned by attach() when a handover is already under
	// way for the target device.
	ErrInProgress = errors.New("operation already in progress")

	// ErrInterrupted is returned when an interruptible wait is cancelled
	// before its condition is satisfied.
	ErrInterrupted = errors.New("interrupted system call")

	// ErrInvalid is returned for malformed arguments, bad handles, and
	// invalid configuration field combinations.
	ErrInvalid = errors.New("invalid argument")

	// ErrNoSpace is returned when the device table is full.
	ErrNoSpace = errors.New("no space left on device")

	// ErrNotBlockDevice is returned by path resolution when the path does
	// not name a block special file.
	ErrNotBlockDevice = errors.New("not a block device")

	// ErrIsPartition is returned by path resolution when the minor number
	// addresses a partition rather than a whole device.
	ErrIsPartition = errors.New("no child processes")
)
