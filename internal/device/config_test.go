// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import "testing"

func validConfig() Config {
	return Config{
		Size:             1024 * 1024,
		LogicalBlockSize: 512,

		SupportsRead:       true,
		SupportsWrite:      true,
		SupportsFlush:      true,
		MaxOutstandingReqs: 16,
	}
}

func TestValidateRejectsFUAWriteWithoutFlush(t *testing.T) {
	cfg := validConfig()
	cfg.SupportsFUAWrite = true
	cfg.SupportsFlush = false

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for FUA write without flush support")
	}
}

func TestValidateRejectsNonPowerOfTwoLogicalBlockSize(t *testing.T) {
	cfg := validConfig()
	cfg.LogicalBlockSize = 513

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for non power-of-two logical block size")
	}
}

func TestValidateRejectsSizeNotMultipleOfBlockSize(t *testing.T) {
	cfg := validConfig()
	cfg.Size = 1000

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for size not a multiple of the block size")
	}
}

func TestValidateRejectsZeroOutstandingReqs(t *testing.T) {
	cfg := validConfig()
	cfg.MaxOutstandingReqs = 0

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for zero max outstanding requests")
	}
}

func TestAdjustDefaultsPhysicalBlockSizeToLogical(t *testing.T) {
	cfg := validConfig()
	Adjust(&cfg)

	if cfg.PhysicalBlockSize != cfg.LogicalBlockSize {
		t.Fatalf("got physical block size %d, want %d", cfg.PhysicalBlockSize, cfg.LogicalBlockSize)
	}
}

func TestAdjustZeroesReadWriteSizeWhenUnsupported(t *testing.T) {
	cfg := validConfig()
	cfg.SupportsRead = false
	cfg.SupportsWrite = false
	cfg.SupportsFUAWrite = false
	Adjust(&cfg)

	if cfg.MaxReadWriteSize != 0 {
		t.Fatalf("got %d, want 0", cfg.MaxReadWriteSize)
	}
}

func TestAdjustAppliesDefaultReadWriteSize(t *testing.T) {
	cfg := validConfig()
	Adjust(&cfg)

	if cfg.MaxReadWriteSize != DefaultMaxReadWriteSize {
		t.Fatalf("got %d, want %d", cfg.MaxReadWriteSize, DefaultMaxReadWriteSize)
	}
}

func TestAdjustClampsOutstandingReqsToHardCeiling(t *testing.T) {
	cfg := validConfig()
	cfg.MaxOutstandingReqs = HardMaxOutstandingReqs * 4
	Adjust(&cfg)

	if cfg.MaxOutstandingReqs != HardMaxOutstandingReqs {
		t.Fatalf("got %d, want %d", cfg.MaxOutstandingReqs, HardMaxOutstandingReqs)
	}
}

func TestAdjustDefaultsSupportedButZeroSpecialSizes(t *testing.T) {
	cfg := validConfig()
	cfg.SupportsWriteSame = true
	cfg.SupportsWriteZeros = true
	cfg.SupportsDiscard = true
	cfg.MaxWriteSameSize = 0
	cfg.MaxWriteZerosSize = 0
	cfg.MaxDiscardEraseSize = 0
	Adjust(&cfg)

	if cfg.MaxWriteSameSize == 0 {
		t.Fatalf("supported WriteSame with size 0 should get a non-zero default")
	}
	if cfg.MaxWriteZerosSize == 0 {
		t.Fatalf("supported WriteZeros with size 0 should get a non-zero default")
	}
	if cfg.MaxDiscardEraseSize == 0 {
		t.Fatalf("supported Discard/SecureErase with size 0 should get a non-zero default")
	}
}

func TestAdjustForcesSingleSlotWhenDeviceSupportsNoOperations(t *testing.T) {
	cfg := validConfig()
	cfg.SupportsRead = false
	cfg.SupportsWrite = false
	cfg.SupportsFlush = false
	cfg.MaxOutstandingReqs = 64
	Adjust(&cfg)

	if cfg.MaxOutstandingReqs != 1 {
		t.Fatalf("got %d, want 1", cfg.MaxOutstandingReqs)
	}
}

func TestIsReadOnly(t *testing.T) {
	cfg := validConfig()
	if cfg.IsReadOnly() {
		t.Fatal("expected writable config to report not read-only")
	}

	cfg.SupportsWrite = false
	if !cfg.IsReadOnly() {
		t.Fatal("expected config with no write-family support to be read-only")
	}
}

func TestValidateAndAdjustRoundTrip(t *testing.T) {
	cfg := validConfig()
	if err := ValidateAndAdjust(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PhysicalBlockSize == 0 {
		t.Fatal("expected physical block size to be adjusted")
	}
}
