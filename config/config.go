// Package config holds the default tunable parameters named in spec.md §6
// and loads overrides from the environment for the demo harness
// (cmd/sshmuxdemo), using the kept env package the way the teacher's own
// services load configuration.
package config

import (
	"strconv"
	"time"

	"github.com/ezex-io/sshmux/env"
)

const (
	// DefaultInitialWindowSize is the SSH connection-layer default
	// initial window size: 2^24 bytes.
	DefaultInitialWindowSize uint32 = 1 << 24

	// DefaultMaximumPacketSize is the SSH connection-layer default
	// maximum packet size: 2^24 bytes.
	DefaultMaximumPacketSize uint32 = 1 << 24

	// DefaultGracePeriod bounds how long a torn-down channel ID is held
	// in the grace set before late inbound traffic for it is treated as
	// a protocol violation again (spec.md §4.4, Open Question #1).
	DefaultGracePeriod = 30 * time.Second

	// DefaultGraceSweepInterval is how often the grace set is swept for
	// expired entries.
	DefaultGraceSweepInterval = 5 * time.Second
)

// Config is the set of tunables a Mux is constructed with.
type Config struct {
	InitialWindowSize  uint32
	MaximumPacketSize  uint32
	GracePeriod        time.Duration
	GraceSweepInterval time.Duration
}

// Default returns the spec-mandated defaults.
func Default() Config {
	return Config{
		InitialWindowSize:  DefaultInitialWindowSize,
		MaximumPacketSize:  DefaultMaximumPacketSize,
		GracePeriod:        DefaultGracePeriod,
		GraceSweepInterval: DefaultGraceSweepInterval,
	}
}

// FromEnv loads overrides from the environment, falling back to Default
// for any variable that isn't set.
func FromEnv() Config {
	cfg := Default()

	cfg.InitialWindowSize = uint32(env.GetEnv[int]("SSHMUX_INITIAL_WINDOW_SIZE",
		env.WithDefault(strconv.Itoa(int(cfg.InitialWindowSize)))))
	cfg.MaximumPacketSize = uint32(env.GetEnv[int]("SSHMUX_MAX_PACKET_SIZE",
		env.WithDefault(strconv.Itoa(int(cfg.MaximumPacketSize)))))
	cfg.GracePeriod = env.GetEnv[time.Duration]("SSHMUX_GRACE_PERIOD",
		env.WithDefault(cfg.GracePeriod.String()))
	cfg.GraceSweepInterval = env.GetEnv[time.Duration]("SSHMUX_GRACE_SWEEP_INTERVAL",
		env.WithDefault(cfg.GraceSweepInterval.String()))

	return cfg
}
