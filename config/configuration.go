// Package config provides a two-tier configuration style: a
// viper-backed Configuration for the engine's own tunables, and a
// narrower YAML document loader (config.go) reused by rowschema for
// declarative schema documents.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/bolner/fatcatdb/packet"
)

// Configuration is the engine's top-level tunable set, loaded from a
// file plus environment overrides.
type Configuration struct {
	TransactionParallelism int    `mapstructure:"transaction_parallelism"`
	QueryParallelism       int    `mapstructure:"query_parallelism"`
	DatabasePath           string `mapstructure:"database_path"`
	Durability             string `mapstructure:"durability"`
	LockStripes            int    `mapstructure:"lock_stripes"`
}

// PacketDurability translates the configured "on"/"off" string into
// packet.Durability, defaulting to off for any unrecognized value.
func (c *Configuration) PacketDurability() packet.Durability {
	if c.Durability == string(packet.DurabilityOn) {
		return packet.DurabilityOn
	}
	return packet.DurabilityOff
}

// LoadConfiguration reads file (any format viper supports — YAML, JSON,
// TOML, ...) and overlays environment variables. Returns an error
// instead of panicking: this package is a library dependency, not a
// process entry point.
func LoadConfiguration(file string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.AutomaticEnv()

	v.SetDefault("transaction_parallelism", 4)
	v.SetDefault("query_parallelism", 4)
	v.SetDefault("database_path", "./data")
	v.SetDefault("durability", string(packet.DurabilityOn))
	v.SetDefault("lock_stripes", 4096)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load configuration %s: %w", file, err)
	}

	cfg := &Configuration{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse configuration %s: %w", file, err)
	}
	return cfg, nil
}
