package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/tlogplay/internal/tlogconf"
	"pkt.systems/tlogplay/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	TlogConfig    string        `mapstructure:"tlog_config" yaml:"tlog_config"`
	Journal       JournalConfig `mapstructure:"journal" yaml:"journal"`
	Player        PlayerConfig  `mapstructure:"player" yaml:"player"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Archive       ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Journal backends.
const (
	BackendJournalctl = "journalctl"
	BackendFile       = "file"
	BackendArchive    = "archive"
)

// JournalConfig selects where recordings are read from.
type JournalConfig struct {
	Backend        string `mapstructure:"backend" yaml:"backend"`
	JournalctlPath string `mapstructure:"journalctl_path" yaml:"journalctl_path"`
	File           string `mapstructure:"file" yaml:"file"`
	// TlogUser is the account tlog-rec-session logs as; empty disables the _UID match.
	TlogUser string `mapstructure:"tlog_user" yaml:"tlog_user"`
}

// PlayerConfig controls playback sessions.
type PlayerConfig struct {
	ResyncIntervalMS    int `mapstructure:"resync_interval_ms" yaml:"resync_interval_ms"`
	MaxPlaybacksPerUser int `mapstructure:"max_playbacks_per_user" yaml:"max_playbacks_per_user"`
	InputEchoLimit      int `mapstructure:"input_echo_limit" yaml:"input_echo_limit"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr             string `mapstructure:"addr" yaml:"addr"`
	SessionCookie    string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours  int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	SessionStorePath string `mapstructure:"session_store_path" yaml:"session_store_path"`
	BaseURL          string `mapstructure:"base_url" yaml:"base_url"`
	BasePath         string `mapstructure:"base_path" yaml:"base_path"`
	HistoryEvents    int    `mapstructure:"history_events" yaml:"history_events"`
}

// SSHConfig configures the SSH viewer.
type SSHConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath string `mapstructure:"host_key_path" yaml:"host_key_path"`
	// IdleTimeoutMinutes closes sessions without traffic; 0 disables it.
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`
}

// AuthConfig configures auth storage and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// SeedUser seeds a user record in the auth store.
type SeedUser struct {
	Username     string   `mapstructure:"username" yaml:"username"`
	PasswordHash string   `mapstructure:"password_hash" yaml:"password_hash"`
	TOTPSecret   string   `mapstructure:"totp_secret" yaml:"totp_secret"`
	Allowed      []string `mapstructure:"allowed" yaml:"allowed,omitempty"`
}

// ArchiveConfig configures exported recording archives.
type ArchiveConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir"`
	KeyStorePath string `mapstructure:"key_store_path" yaml:"key_store_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	root := filepath.Join(home, ".tlogplay")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(root, "state"),
		TlogConfig:    tlogconf.DefaultPath,
		Journal: JournalConfig{
			Backend:        BackendJournalctl,
			JournalctlPath: "journalctl",
			TlogUser:       "tlog",
		},
		Player: PlayerConfig{
			ResyncIntervalMS:    int(schema.DefaultResyncInterval.Milliseconds()),
			MaxPlaybacksPerUser: schema.DefaultMaxPlaybacksPerUser,
			InputEchoLimit:      schema.DefaultInputEchoLimit,
		},
		HTTP: HTTPConfig{
			Addr:             ":27490",
			SessionCookie:    "tlogplay_session",
			SessionTTLHours:  720,
			SessionStorePath: filepath.Join(root, "state", "sessions.json"),
			HistoryEvents:    4096,
		},
		SSH: SSHConfig{
			Addr:               ":2222",
			HostKeyPath:        filepath.Join(root, "ssh_host_key"),
			IdleTimeoutMinutes: 60,
		},
		Auth: AuthConfig{
			UserFile: filepath.Join(root, "users.json"),
			SeedUsers: []SeedUser{
				{
					Username:     "admin",
					PasswordHash: "$2a$12$PyjGUD8qnJie1MULQVHJdu9zuS/juh5W5RtDUVHv5HFb.62gNnY/q",
					TOTPSecret:   "JBSWY3DPEHPK3PXP",
					Allowed:      []string{"*"},
				},
			},
		},
		Archive: ArchiveConfig{
			Dir:          filepath.Join(root, "archive"),
			KeyStorePath: filepath.Join(root, "state", "archive.bundle"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tlogplay", "config.yaml"), nil
}

// ServiceConfig converts the player settings into the core service config.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:            c.StateDir,
		ResyncInterval:      time.Duration(c.Player.ResyncIntervalMS) * time.Millisecond,
		MaxPlaybacksPerUser: c.Player.MaxPlaybacksPerUser,
		InputEchoLimit:      c.Player.InputEchoLimit,
	}
}
