package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pkt.systems/tlogplay/schema"
)

// PlainRenderer formats recordings as plain text lines.
type PlainRenderer struct {
	// Location is used for timestamps; nil means time.Local.
	Location *time.Location
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatRecordings renders a numbered recordings table.
func (p *PlainRenderer) FormatRecordings(recs []schema.Recording) []string {
	if len(recs) == 0 {
		return []string{"no recordings"}
	}
	userWidth := len("USER")
	for _, rec := range recs {
		userWidth = max(userWidth, len(rec.User))
	}
	lines := make([]string, 0, len(recs)+1)
	lines = append(lines, fmt.Sprintf("%4s  %-*s  %-19s  %-19s  %12s  %s", "#", userWidth, "USER", "START", "END", "DURATION", "ID"))
	for i, rec := range recs {
		lines = append(lines, fmt.Sprintf("%4d  %-*s  %-19s  %-19s  %12s  %s",
			i+1, userWidth, rec.User,
			p.dateTime(rec.Start), p.dateTime(rec.End),
			FormatDuration(rec.Duration), rec.ID))
	}
	return lines
}

// FormatRecording renders the details of one recording.
func (p *PlainRenderer) FormatRecording(rec schema.Recording) []string {
	lines := []string{
		fmt.Sprintf("id:         %s", rec.ID),
		fmt.Sprintf("user:       %s", rec.User),
		fmt.Sprintf("start:      %s", p.dateTime(rec.Start)),
		fmt.Sprintf("end:        %s", p.dateTime(rec.End)),
		fmt.Sprintf("duration:   %s", FormatDuration(rec.Duration)),
	}
	if rec.Hostname != "" {
		lines = append(lines, fmt.Sprintf("hostname:   %s", rec.Hostname))
	}
	if rec.BootID != "" {
		lines = append(lines, fmt.Sprintf("boot id:    %s", rec.BootID))
	}
	if rec.SessionID != 0 {
		lines = append(lines, fmt.Sprintf("session id: %d", rec.SessionID))
	}
	if rec.PID != 0 {
		lines = append(lines, fmt.Sprintf("pid:        %d", rec.PID))
	}
	return lines
}

// FormatMarkers renders search markers as position lines.
func (p *PlainRenderer) FormatMarkers(markers []schema.SearchMarker) []string {
	if len(markers) == 0 {
		return []string{"no matches"}
	}
	lines := make([]string, 0, len(markers))
	for _, m := range markers {
		lines = append(lines, fmt.Sprintf("%s  message %d", FormatDuration(m.Pos), m.ID))
	}
	return lines
}

func (p *PlainRenderer) dateTime(ms int64) string {
	if p.Location == nil {
		return FormatDateTime(ms)
	}
	return time.UnixMilli(ms).In(p.Location).Format(dateTimeLayout)
}

const dateTimeLayout = "2006-01-02 15:04:05"

// FormatDateTime formats milliseconds since the epoch in local time.
func FormatDateTime(ms int64) string {
	return time.UnixMilli(ms).Format(dateTimeLayout)
}

// FormatDuration formats milliseconds as "[D days ][HH:]MM:SS".
func FormatDuration(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	v := ms / 1000
	s := v % 60
	v /= 60
	m := v % 60
	v /= 60
	h := v % 24
	d := v / 24

	var b strings.Builder
	b.WriteString(sign)
	if d > 0 {
		b.WriteString(strconv.FormatInt(d, 10))
		b.WriteString(" days ")
	}
	if h > 0 || d > 0 {
		fmt.Fprintf(&b, "%02d:", h)
	}
	fmt.Fprintf(&b, "%02d:%02d", m, s)
	return b.String()
}

// FormatSize formats a terminal geometry as COLSxROWS.
func FormatSize(cols, rows int) string {
	return strconv.Itoa(cols) + "x" + strconv.Itoa(rows)
}

var datePattern = regexp.MustCompile(`^\s*(\d{4}-\d\d-\d\d)(\s+(\d\d:\d\d(:\d\d)?))?\s*$`)

// ParseDate validates a "YYYY-MM-DD[ HH:MM[:SS]]" filter date and returns
// it normalized for the journal since/until options. An empty or blank
// input is valid and returns "".
func ParseDate(value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	captures := datePattern.FindStringSubmatch(value)
	if captures == nil {
		return "", fmt.Errorf("%w: invalid date %q", schema.ErrInvalidRequest, value)
	}
	date := captures[1]
	layout := "2006-01-02"
	if captures[3] != "" {
		date += " " + captures[3]
		layout += " 15:04"
		if captures[4] != "" {
			layout += ":05"
		}
	}
	if _, err := time.ParseInLocation(layout, date, time.Local); err != nil {
		return "", fmt.Errorf("%w: invalid date %q", schema.ErrInvalidRequest, value)
	}
	return date, nil
}
