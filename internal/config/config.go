// Package config loads draftsync settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment surface shared by the CLI and embedders that
// prefer env-driven wiring over building Options by hand.
type Config struct {
	StoreDSN          string        `env:"DRAFTSYNC_STORE_DSN" envDefault:"file://.draftsync"`
	Namespace         string        `env:"DRAFTSYNC_NAMESPACE" envDefault:"draftsync"`
	DocumentCategory  string        `env:"DRAFTSYNC_DOCUMENT_CATEGORY" envDefault:"formDrafts"`
	LeaseDuration     time.Duration `env:"DRAFTSYNC_LEASE_DURATION" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"DRAFTSYNC_HEARTBEAT_INTERVAL"`
	CleanupInterval   time.Duration `env:"DRAFTSYNC_CLEANUP_INTERVAL" envDefault:"1h"`
	InstanceTimeout   time.Duration `env:"DRAFTSYNC_INSTANCE_TIMEOUT"`
	MaxStoreBytes     int64         `env:"DRAFTSYNC_MAX_STORE_BYTES"`
	PolicyFile        string        `env:"DRAFTSYNC_POLICY_FILE"`
	ConflictStrategy  string        `env:"DRAFTSYNC_CONFLICT_STRATEGY" envDefault:"timestamp"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
