// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bdusd is a userspace daemon mediating block-device requests between a
// kernel-facing control coordinator and a pluggable disk backend (RAM or
// NBD). It is designed for easy extension of the backend: a new one only
// needs to implement disk.Backend.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/inverter, internal/device, internal/control implement the core
// request-mediation engine: per-device slot table, per-device lifecycle, and
// the process-wide coordinator, respectively.
//
// - internal/disk and internal/diskbackend/nbdbackend implement the backend
// plugin surface; internal/worker drives a backend from a device.
//
// - internal/config contains configuration shared across this daemon.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdus/internal/config"
	"github.com/asch/bdus/internal/control"
	"github.com/asch/bdus/internal/device"
	"github.com/asch/bdus/internal/disk"
	"github.com/asch/bdus/internal/diskbackend/nbdbackend"
	"github.com/asch/bdus/internal/disk/rambackend"
	"github.com/asch/bdus/internal/worker"
)

// Parse configuration from file and environment variables, start the
// control coordinator, create the configured device, and drive it with a
// worker pool until signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	coord := control.New(config.Cfg.PathPrefix, config.Cfg.MaxDevices)

	backend, err := getBackend(config.Cfg.Backend.Kind, uint64(config.Cfg.Device.Size))
	if err != nil {
		log.Panic().Err(err).Send()
	}

	cfg := device.Config{
		Size:             uint64(config.Cfg.Device.Size),
		LogicalBlockSize: uint32(config.Cfg.Device.LogicalBlockSize),

		MaxOutstandingReqs: device.HardMaxOutstandingReqs,

		SupportsRead:        true,
		SupportsWrite:       true,
		SupportsFlush:       true,
		SupportsFUAWrite:    true,
		SupportsWriteZeros:  true,
		SupportsWriteSame:   true,
		SupportsDiscard:     true,
		SupportsSecureErase: true,

		Recoverable: true,
	}

	client, id, adjusted, err := coord.CreateDevice(cfg)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Uint64("device", id).Msg("device registered")

	pool := worker.Start(coord.DeviceHandle(id), backend, config.Cfg.Workers)

	registerSigHandlers(coord, id, client, pool)

	waitForDestruction(coord, id)

	if err := backend.Close(); err != nil {
		log.Warn().Err(err).Msg("closing disk backend failed")
	}

	log.Info().Uint64("device", id).Uint32("logical_block_size", adjusted.LogicalBlockSize).
		Msg("device destroyed, bdusd exiting")
}

func getBackend(kind string, size uint64) (disk.Backend, error) {
	switch kind {
	case "nbd":
		return nbdbackend.DialUnix(config.Cfg.Backend.NBDSocket, config.Cfg.Backend.NBDExport)
	default:
		return rambackend.New(size), nil
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(coord *control.Coordinator, id uint64, client *control.Client, pool *worker.Pool) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Uint64("device", id).Msg("received interrupt, stopping device")
		coord.MarkSuccessful(client)
		coord.Release(id, client)
		coord.TriggerDestruction(id)
		pool.Stop()
	}()
}

func waitForDestruction(coord *control.Coordinator, id uint64) {
	if err := coord.WaitUntilDestroyed(nil, id); err != nil {
		log.Warn().Err(err).Msg("wait for device destruction failed")
	}
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
