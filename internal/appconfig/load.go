package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvPrefix prefixes environment overrides: journal.backend is read from
// TLOGPLAY_JOURNAL_BACKEND.
const EnvPrefix = "TLOGPLAY"

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal even when the file omits it.
func setDefaults(v *viper.Viper, cfg Config) {
	for key, value := range map[string]any{
		"config_version":                cfg.ConfigVersion,
		"state_dir":                     cfg.StateDir,
		"tlog_config":                   cfg.TlogConfig,
		"journal.backend":               cfg.Journal.Backend,
		"journal.journalctl_path":       cfg.Journal.JournalctlPath,
		"journal.file":                  cfg.Journal.File,
		"journal.tlog_user":             cfg.Journal.TlogUser,
		"player.resync_interval_ms":     cfg.Player.ResyncIntervalMS,
		"player.max_playbacks_per_user": cfg.Player.MaxPlaybacksPerUser,
		"player.input_echo_limit":       cfg.Player.InputEchoLimit,
		"http.addr":                     cfg.HTTP.Addr,
		"http.session_cookie":           cfg.HTTP.SessionCookie,
		"http.session_ttl_hours":        cfg.HTTP.SessionTTLHours,
		"http.session_store_path":       cfg.HTTP.SessionStorePath,
		"http.base_url":                 cfg.HTTP.BaseURL,
		"http.base_path":                cfg.HTTP.BasePath,
		"http.history_events":           cfg.HTTP.HistoryEvents,
		"ssh.addr":                      cfg.SSH.Addr,
		"ssh.host_key_path":             cfg.SSH.HostKeyPath,
		"ssh.idle_timeout_minutes":      cfg.SSH.IdleTimeoutMinutes,
		"auth.user_file":                cfg.Auth.UserFile,
		"auth.seed_users":               cfg.Auth.SeedUsers,
		"archive.dir":                   cfg.Archive.Dir,
		"archive.key_store_path":        cfg.Archive.KeyStorePath,
	} {
		v.SetDefault(key, value)
	}
}

// Validate checks listen addresses, the journal backend and required paths.
func Validate(cfg Config) error {
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return err
	}
	for name, addr := range map[string]string{"http.addr": cfg.HTTP.Addr, "ssh.addr": cfg.SSH.Addr} {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s must be host:port: %v", name, err)
		}
	}
	if cfg.SSH.IdleTimeoutMinutes < 0 {
		return fmt.Errorf("ssh.idle_timeout_minutes must not be negative")
	}
	switch cfg.Journal.Backend {
	case BackendJournalctl:
		if strings.TrimSpace(cfg.Journal.JournalctlPath) == "" {
			return fmt.Errorf("journal.journalctl_path is required for the journalctl backend")
		}
	case BackendFile:
		if strings.TrimSpace(cfg.Journal.File) == "" {
			return fmt.Errorf("journal.file is required for the file backend")
		}
	case BackendArchive:
	default:
		return fmt.Errorf("unsupported journal.backend %q", cfg.Journal.Backend)
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	if strings.TrimSpace(cfg.Auth.UserFile) == "" {
		return fmt.Errorf("auth.user_file is required")
	}
	if strings.TrimSpace(cfg.Archive.Dir) == "" || strings.TrimSpace(cfg.Archive.KeyStorePath) == "" {
		return fmt.Errorf("archive.dir and archive.key_store_path are required")
	}
	if cfg.Player.ResyncIntervalMS < 0 {
		return fmt.Errorf("player.resync_interval_ms must not be negative")
	}
	return nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.TlogConfig = expandEnv(cfg.TlogConfig)
	cfg.Journal.JournalctlPath = expandEnv(cfg.Journal.JournalctlPath)
	cfg.Journal.File = expandEnv(cfg.Journal.File)
	cfg.HTTP.SessionStorePath = expandEnv(cfg.HTTP.SessionStorePath)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.Archive.Dir = expandEnv(cfg.Archive.Dir)
	cfg.Archive.KeyStorePath = expandEnv(cfg.Archive.KeyStorePath)
	cfg.Auth.UserFile = expandEnv(cfg.Auth.UserFile)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
