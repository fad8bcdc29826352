// Package tlogconf reads and writes the tlog-rec-session recorder
// configuration, a JSON document that may carry comments.
package tlogconf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// DefaultPath is where tlog-rec-session looks for its configuration.
const DefaultPath = "/etc/tlog/tlog-rec-session.conf"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid tlog config")

// Config is the subset of tlog-rec-session.conf the viewer manages.
type Config struct {
	Shell   string  `json:"shell,omitempty"`
	Notice  string  `json:"notice,omitempty"`
	Latency int     `json:"latency,omitempty"`
	Payload int     `json:"payload,omitempty"`
	Log     Log     `json:"log"`
	Limit   Limit   `json:"limit"`
	File    File    `json:"file"`
	Syslog  Syslog  `json:"syslog"`
	Journal Journal `json:"journal"`
	Writer  string  `json:"writer,omitempty"`
}

// Log selects what the recorder logs.
type Log struct {
	Input  bool `json:"input"`
	Output bool `json:"output"`
	Window bool `json:"window"`
}

// Limit is the logging rate limit.
type Limit struct {
	Rate   int    `json:"rate,omitempty"`
	Burst  int    `json:"burst,omitempty"`
	Action string `json:"action,omitempty"`
}

// File configures the file writer.
type File struct {
	Path string `json:"path,omitempty"`
}

// Syslog configures the syslog writer.
type Syslog struct {
	Facility string `json:"facility,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Journal configures the journal writer.
type Journal struct {
	Priority string `json:"priority,omitempty"`
	Augment  bool   `json:"augment"`
}

var (
	limitActions = []string{"pass", "delay", "drop"}
	writers      = []string{"journal", "syslog", "file"}
)

// Load reads the configuration at path, ignoring comments and trailing commas.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a JSON-with-comments document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Save validates cfg and replaces the file at path with indented JSON.
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tlog-rec-session-*.conf")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Validate checks the enumerated fields and numeric bounds.
func (c Config) Validate() error {
	if c.Latency < 0 {
		return fmt.Errorf("%w: latency must not be negative", ErrInvalidConfig)
	}
	if c.Payload < 0 {
		return fmt.Errorf("%w: payload must not be negative", ErrInvalidConfig)
	}
	if c.Limit.Rate < 0 || c.Limit.Burst < 0 {
		return fmt.Errorf("%w: limit rate and burst must not be negative", ErrInvalidConfig)
	}
	if c.Limit.Action != "" && !oneOf(c.Limit.Action, limitActions) {
		return fmt.Errorf("%w: limit.action must be one of %s", ErrInvalidConfig, strings.Join(limitActions, ", "))
	}
	if c.Writer != "" && !oneOf(c.Writer, writers) {
		return fmt.Errorf("%w: writer must be one of %s", ErrInvalidConfig, strings.Join(writers, ", "))
	}
	if c.Writer == "file" && strings.TrimSpace(c.File.Path) == "" {
		return fmt.Errorf("%w: file writer requires file.path", ErrInvalidConfig)
	}
	return nil
}

// Set assigns one dotted key such as "limit.action" or "log.input".
func (c *Config) Set(key, value string) error {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "shell":
		c.Shell = value
	case "notice":
		c.Notice = value
	case "latency":
		return setInt(&c.Latency, key, value)
	case "payload":
		return setInt(&c.Payload, key, value)
	case "log.input":
		return setBool(&c.Log.Input, key, value)
	case "log.output":
		return setBool(&c.Log.Output, key, value)
	case "log.window":
		return setBool(&c.Log.Window, key, value)
	case "limit.rate":
		return setInt(&c.Limit.Rate, key, value)
	case "limit.burst":
		return setInt(&c.Limit.Burst, key, value)
	case "limit.action":
		c.Limit.Action = value
	case "file.path":
		c.File.Path = value
	case "syslog.facility":
		c.Syslog.Facility = value
	case "syslog.priority":
		c.Syslog.Priority = value
	case "journal.priority":
		c.Journal.Priority = value
	case "journal.augment":
		return setBool(&c.Journal.Augment, key, value)
	case "writer":
		c.Writer = value
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, key)
	}
	return nil
}

// Keys lists the keys Set accepts.
func Keys() []string {
	keys := []string{
		"shell", "notice", "latency", "payload",
		"log.input", "log.output", "log.window",
		"limit.rate", "limit.burst", "limit.action",
		"file.path", "syslog.facility", "syslog.priority",
		"journal.priority", "journal.augment", "writer",
	}
	sort.Strings(keys)
	return keys
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s must be an integer", ErrInvalidConfig, key)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%w: %s must be true or false", ErrInvalidConfig, key)
	}
	*dst = b
	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
