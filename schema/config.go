package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig defines defaults and limits for the core service.
type ServiceConfig struct {
	StateDir string
	// ResyncInterval is the player's self-resync period.
	ResyncInterval time.Duration
	// MaxPlaybacksPerUser bounds concurrently open playbacks per user.
	MaxPlaybacksPerUser int
	// InputEchoLimit bounds the echoed input kept per playback, in bytes.
	InputEchoLimit int
}

// Defaults for ServiceConfig.
const (
	DefaultResyncInterval      = 100 * time.Millisecond
	DefaultMaxPlaybacksPerUser = 8
	DefaultInputEchoLimit      = 4096
)

// ErrTooManyPlaybacks is returned when a user exceeds MaxPlaybacksPerUser.
var ErrTooManyPlaybacks = errors.New("too many open playbacks")

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".tlogplay", "state")
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.ResyncInterval < 0 {
		return ServiceConfig{}, errors.New("resync interval must not be negative")
	}
	if cfg.MaxPlaybacksPerUser <= 0 {
		cfg.MaxPlaybacksPerUser = DefaultMaxPlaybacksPerUser
	}
	if cfg.InputEchoLimit <= 0 {
		cfg.InputEchoLimit = DefaultInputEchoLimit
	}
	return cfg, nil
}
