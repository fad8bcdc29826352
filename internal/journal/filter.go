package journal

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"pkt.systems/tlogplay/internal/tlog"
	"pkt.systems/tlogplay/schema"
)

// entryFilter applies journalctl match semantics in-process: matches on the
// same field are alternatives, matches on different fields must all hold.
type entryFilter struct {
	fields map[string][]string
	since  int64
	until  int64
	grep   *regexp.Regexp
	cursor schema.Cursor
	seen   bool
}

func newEntryFilter(matches []schema.Match, opts schema.QueryOptions) (*entryFilter, error) {
	f := &entryFilter{fields: make(map[string][]string), cursor: opts.Cursor}
	for _, m := range matches {
		name, value, ok := strings.Cut(string(m), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid match %q", m)
		}
		f.fields[name] = append(f.fields[name], value)
	}
	var err error
	if opts.Since != "" {
		if f.since, err = ParseTimeSpec(opts.Since); err != nil {
			return nil, fmt.Errorf("since: %w", err)
		}
	}
	if opts.Until != "" {
		if f.until, err = ParseTimeSpec(opts.Until); err != nil {
			return nil, fmt.Errorf("until: %w", err)
		}
	}
	if opts.Grep != "" {
		pattern := opts.Grep
		if !hasUpper(pattern) {
			pattern = "(?i)" + pattern
		}
		if f.grep, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("grep: %w", err)
		}
	}
	return f, nil
}

// keep reports whether the entry is selected. Entries before the cursor are
// skipped; the entry at the cursor itself is kept.
func (f *entryFilter) keep(entry schema.LogEntry) bool {
	if f.cursor != "" && !f.seen {
		if entry.Cursor != f.cursor {
			return false
		}
		f.seen = true
	}
	for name, values := range f.fields {
		got, ok := entry.Field(name)
		if !ok || !contains(values, got) {
			return false
		}
	}
	if f.since != 0 && entry.Realtime < f.since {
		return false
	}
	if f.until != 0 && entry.Realtime > f.until {
		return false
	}
	if f.grep != nil {
		text, err := tlog.MessageBytes(entry)
		if err != nil || !f.grep.Match(text) {
			return false
		}
	}
	return true
}

// pastUntil reports whether no later entry can match again.
func (f *entryFilter) pastUntil(entry schema.LogEntry) bool {
	return f.until != 0 && entry.Realtime > f.until
}

var timeSpecLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimeSpec parses a journalctl --since/--until value into Unix
// microseconds. Dates are local time; "@N" is Unix seconds.
func ParseTimeSpec(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "@") {
		var sec int64
		if _, err := fmt.Sscanf(value[1:], "%d", &sec); err != nil {
			return 0, fmt.Errorf("invalid time %q", value)
		}
		return sec * int64(time.Second/time.Microsecond), nil
	}
	for _, layout := range timeSpecLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t.UnixMicro(), nil
		}
	}
	return 0, fmt.Errorf("invalid time %q", value)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}
