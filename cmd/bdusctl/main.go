// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bdusctl is a thin command-line front-end over device lifecycle commands.
// It is not a client of a running bdusd over any wire protocol (the real
// control device is a kernel character special file; this reimplementation
// keeps its control coordinator in-process) — it exists to exercise
// create_device, path_to_id, and the destruction commands directly against a
// freshly constructed coordinator, the way a unit test would, but reachable
// from a shell for manual poking during development.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdus/internal/config"
	"github.com/asch/bdus/internal/control"
	"github.com/asch/bdus/internal/device"
	"github.com/asch/bdus/internal/disk/rambackend"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.Configure(); err != nil {
		log.Fatal().Err(err).Msg("configuration failed")
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	coord := control.New("bdus", device.HardMaxDevices)

	switch os.Args[1] {
	case "create-device":
		cmdCreateDevice(coord, os.Args[2:])
	case "path-to-id":
		cmdPathToID(coord, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bdusctl create-device [-size GB] [-block-size N] | path-to-id PATH")
}

func cmdCreateDevice(coord *control.Coordinator, args []string) {
	fs := flag.NewFlagSet("create-device", flag.ExitOnError)
	sizeGB := fs.Int64("size", config.Cfg.Device.Size/(1024*1024*1024), "device size in GB")
	blockSize := fs.Uint("block-size", uint(config.Cfg.Device.LogicalBlockSize), "logical block size in bytes")
	fs.Parse(args)

	cfg := device.Config{
		Size:                uint64(*sizeGB) * 1024 * 1024 * 1024,
		LogicalBlockSize:    uint32(*blockSize),
		MaxOutstandingReqs:  device.HardMaxOutstandingReqs,
		SupportsRead:        true,
		SupportsWrite:       true,
		SupportsFlush:       true,
		SupportsFUAWrite:    true,
		SupportsWriteZeros:  true,
		SupportsWriteSame:   true,
		SupportsDiscard:     true,
		SupportsSecureErase: true,
		Recoverable:         true,
	}

	client, id, adjusted, err := coord.CreateDevice(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create-device failed")
	}

	// This demo coordinator has no worker pool, so nothing services the
	// device's requests: a RAM backend of the adjusted size is allocated and
	// discarded without being attached, and the device is then destroyed.
	backendSize := adjusted.Size
	_ = rambackend.New(backendSize)

	fmt.Printf("created device %d (logical_block_size=%d, size=%d)\n", id, adjusted.LogicalBlockSize, adjusted.Size)

	coord.MarkSuccessful(client)
	coord.Release(id, client)
	if err := coord.TriggerDestruction(id); err != nil {
		log.Fatal().Err(err).Msg("trigger-destruction failed")
	}
	if err := coord.WaitUntilDestroyed(nil, id); err != nil {
		log.Fatal().Err(err).Msg("wait-until-destroyed failed")
	}

	fmt.Printf("device %d destroyed\n", id)
}

func cmdPathToID(coord *control.Coordinator, args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}

	id, err := coord.PathToID(args[0])
	if err != nil {
		log.Fatal().Err(err).Str("path", args[0]).Msg("path-to-id failed")
	}

	fmt.Println(id)
}
