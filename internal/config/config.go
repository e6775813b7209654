// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/bdus/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	PathPrefix string `toml:"path_prefix" env:"BDUS_PATH_PREFIX" env-default:"bdus" env-description:"Prefix used for /dev/<prefix>-<id> device paths."`
	MaxDevices int    `toml:"max_devices" env:"BDUS_MAX_DEVICES" env-default:"4096" env-description:"Upper bound on simultaneously live devices."`
	Workers    int    `toml:"workers" env:"BDUS_WORKERS" env-default:"4" env-description:"Worker goroutines spawned per active device."`

	Backend struct {
		Kind      string `toml:"kind" env:"BDUS_BACKEND_KIND" env-default:"ram" env-description:"Disk backend: \"ram\" or \"nbd\"."`
		NBDSocket string `toml:"nbd_socket" env:"BDUS_BACKEND_NBD_SOCKET" env-default:"/tmp/nbd.sock" env-description:"Unix socket of the NBD server, when Backend.Kind is \"nbd\"."`
		NBDExport string `toml:"nbd_export" env:"BDUS_BACKEND_NBD_EXPORT" env-default:"" env-description:"NBD export name, when Backend.Kind is \"nbd\"."`
	} `toml:"backend"`

	Device struct {
		Size             int64 `toml:"size" env:"BDUS_DEVICE_SIZE" env-default:"8" env-description:"Default device size in GB, used by commands that do not specify one explicitly."`
		LogicalBlockSize int   `toml:"logical_block_size" env:"BDUS_DEVICE_LOGICAL_BLOCK_SIZE" env-default:"512" env-description:"Default logical block size in bytes."`
	} `toml:"device"`

	Log struct {
		Level  int  `toml:"level" env:"BDUS_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"BDUS_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"BDUS_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"BDUS_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Device.Size *= 1024 * 1024 * 1024

	if Cfg.Device.LogicalBlockSize != 512 {
		Cfg.Device.LogicalBlockSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("bdusd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
