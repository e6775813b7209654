// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"github.com/asch/bdus/internal/bduserr"
)

// Implementation ceilings, mirrored from kbdus's config.h.
const (
	HardMaxDevices          = 4096
	DefaultMaxReadWriteSize = 256 * 1024
	HardMaxReadWriteSize    = 1024 * 1024
	HardMaxOutstandingReqs  = 256
)

// PageSize is the system page size assumed for configuration rounding. Real
// kbdus reads PAGE_SIZE from the kernel; a userspace reimplementation fixes
// it at the common value used by every architecture this module targets.
const PageSize = 4096

// Config is the device configuration record, with the field constraints
// enforced by ValidateAndAdjust.
type Config struct {
	ID uint64

	Size              uint64
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32

	MaxReadWriteSize    uint32
	MaxWriteSameSize    uint32
	MaxWriteZerosSize   uint32
	MaxDiscardEraseSize uint32

	MaxOutstandingReqs uint32

	SupportsRead        bool
	SupportsWrite       bool
	SupportsWriteSame   bool
	SupportsWriteZeros  bool
	SupportsFUAWrite    bool
	SupportsFlush       bool
	SupportsDiscard     bool
	SupportsSecureErase bool
	SupportsIoctl       bool

	Rotational              bool
	MergeRequests           bool
	EnablePartitionScanning bool
	Recoverable             bool
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

func roundDown(v, multiple uint32) uint32 {
	if multiple == 0 {
		return v
	}
	return v - v%multiple
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// maxU32 stands in for "no limit requested" when rounding a zero-means-
// default size down to a block boundary.
const maxU32 = 1<<32 - 1

// minNotZeroU32 returns b when a is zero (the zero-means-default sentinel),
// else the smaller of a and b.
func minNotZeroU32(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	return minU32(a, b)
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate checks every field constraint without mutating cfg.
func Validate(cfg *Config) error {
	if cfg.SupportsFUAWrite && !cfg.SupportsFlush {
		return bduserr.ErrInvalid
	}

	if !isPowerOfTwo(cfg.LogicalBlockSize) || cfg.LogicalBlockSize < 512 || cfg.LogicalBlockSize > PageSize {
		return bduserr.ErrInvalid
	}

	if cfg.PhysicalBlockSize != 0 {
		if !isPowerOfTwo(cfg.PhysicalBlockSize) ||
			cfg.PhysicalBlockSize < cfg.LogicalBlockSize ||
			cfg.PhysicalBlockSize > PageSize {
			return bduserr.ErrInvalid
		}
	}

	blockUnit := cfg.PhysicalBlockSize
	if blockUnit == 0 {
		blockUnit = cfg.LogicalBlockSize
	}
	if cfg.Size == 0 || cfg.Size%uint64(blockUnit) != 0 {
		return bduserr.ErrInvalid
	}

	if cfg.MaxReadWriteSize != 0 && cfg.MaxReadWriteSize < PageSize {
		return bduserr.ErrInvalid
	}
	if cfg.MaxWriteSameSize != 0 && cfg.MaxWriteSameSize < cfg.LogicalBlockSize {
		return bduserr.ErrInvalid
	}
	if cfg.MaxWriteZerosSize != 0 && cfg.MaxWriteZerosSize < cfg.LogicalBlockSize {
		return bduserr.ErrInvalid
	}
	if cfg.MaxDiscardEraseSize != 0 && cfg.MaxDiscardEraseSize < cfg.LogicalBlockSize {
		return bduserr.ErrInvalid
	}

	if cfg.MaxOutstandingReqs == 0 {
		return bduserr.ErrInvalid
	}

	return nil
}

// Adjust mutates a previously Validate'd cfg in place, applying the
// zero-means-default and clamp-to-ceiling rules.
func Adjust(cfg *Config) {
	if cfg.PhysicalBlockSize == 0 {
		cfg.PhysicalBlockSize = cfg.LogicalBlockSize
	}

	switch {
	case !cfg.SupportsRead && !cfg.SupportsWrite && !cfg.SupportsFUAWrite:
		cfg.MaxReadWriteSize = 0
	case cfg.MaxReadWriteSize == 0:
		cfg.MaxReadWriteSize = clampU32(DefaultMaxReadWriteSize, PageSize, roundDown(HardMaxReadWriteSize, cfg.LogicalBlockSize))
	default:
		cfg.MaxReadWriteSize = roundDown(minU32(cfg.MaxReadWriteSize, HardMaxReadWriteSize), cfg.LogicalBlockSize)
	}

	if !cfg.SupportsWriteSame {
		cfg.MaxWriteSameSize = 0
	} else {
		cfg.MaxWriteSameSize = roundDown(minNotZeroU32(cfg.MaxWriteSameSize, maxU32), cfg.LogicalBlockSize)
	}

	if !cfg.SupportsWriteZeros {
		cfg.MaxWriteZerosSize = 0
	} else {
		cfg.MaxWriteZerosSize = roundDown(minNotZeroU32(cfg.MaxWriteZerosSize, maxU32), cfg.LogicalBlockSize)
	}

	if !cfg.SupportsDiscard && !cfg.SupportsSecureErase {
		cfg.MaxDiscardEraseSize = 0
	} else {
		cfg.MaxDiscardEraseSize = roundDown(minNotZeroU32(cfg.MaxDiscardEraseSize, maxU32), cfg.LogicalBlockSize)
	}

	noOps := !cfg.SupportsRead && !cfg.SupportsWrite && !cfg.SupportsWriteSame &&
		!cfg.SupportsWriteZeros && !cfg.SupportsFUAWrite && !cfg.SupportsFlush &&
		!cfg.SupportsDiscard && !cfg.SupportsSecureErase && !cfg.SupportsIoctl

	if noOps {
		cfg.MaxOutstandingReqs = 1
	} else {
		cfg.MaxOutstandingReqs = minU32(cfg.MaxOutstandingReqs, HardMaxOutstandingReqs)
	}
}

// ValidateAndAdjust validates cfg and, if valid, adjusts it in place.
func ValidateAndAdjust(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	Adjust(cfg)
	return nil
}

// IsReadOnly reports whether no write-family operation is supported.
func (c *Config) IsReadOnly() bool {
	return !c.SupportsWrite && !c.SupportsWriteSame && !c.SupportsWriteZeros &&
		!c.SupportsFUAWrite && !c.SupportsDiscard && !c.SupportsSecureErase
}
