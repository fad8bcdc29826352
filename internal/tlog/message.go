// Package tlog decodes tlog session recording messages into terminal packets.
package tlog

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"pkt.systems/tlogplay/schema"
)

// MaxMajorVersion is the newest message format major version understood.
const MaxMajorVersion = 2

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)$`)

type fieldKind int

const (
	stringField fieldKind = iota
	numberField
)

var messageFields = []struct {
	name string
	kind fieldKind
}{
	{"ver", stringField},
	{"id", numberField},
	{"pos", numberField},
	{"timing", stringField},
	{"in_txt", stringField},
	{"out_txt", stringField},
}

// ParseMessage decodes a tlog message JSON object. Every known field must be
// present with the expected JSON type; unknown fields are ignored.
func ParseMessage(raw []byte) (schema.Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return schema.Message{}, &schema.DecodeError{Kind: schema.ErrInvalidMessage, Detail: err.Error()}
	}
	if obj == nil {
		return schema.Message{}, &schema.DecodeError{Kind: schema.ErrInvalidMessage, Detail: "not an object"}
	}
	strs := make(map[string]string, len(messageFields))
	nums := make(map[string]int64, 2)
	for _, f := range messageFields {
		value, ok := obj[f.name]
		if !ok {
			return schema.Message{}, &schema.DecodeError{Kind: schema.ErrMissingField, Field: f.name}
		}
		switch f.kind {
		case stringField:
			var s string
			if !isJSONString(value) || json.Unmarshal(value, &s) != nil {
				return schema.Message{}, &schema.DecodeError{Kind: schema.ErrFieldType, Field: f.name}
			}
			strs[f.name] = s
		case numberField:
			n, ok := parseInteger(value)
			if !ok {
				return schema.Message{}, &schema.DecodeError{Kind: schema.ErrFieldType, Field: f.name}
			}
			nums[f.name] = n
		}
	}
	return schema.Message{
		Ver:    strs["ver"],
		ID:     nums["id"],
		Pos:    nums["pos"],
		Timing: strs["timing"],
		InTxt:  strs["in_txt"],
		OutTxt: strs["out_txt"],
	}, nil
}

// MessageFromEntry extracts and parses the MESSAGE payload of a journal entry.
// journalctl emits MESSAGE as a JSON string, or as an array of byte values
// when it contains non-printable characters.
func MessageFromEntry(entry schema.LogEntry) (schema.Message, error) {
	raw, err := MessageBytes(entry)
	if err != nil {
		return schema.Message{}, err
	}
	return ParseMessage(raw)
}

// MessageBytes returns the MESSAGE payload of a journal entry as text.
func MessageBytes(entry schema.LogEntry) ([]byte, error) {
	value := bytes.TrimSpace(entry.Message)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return nil, &schema.DecodeError{Kind: schema.ErrMissingMessage, Detail: string(entry.Cursor)}
	}
	switch value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, &schema.DecodeError{Kind: schema.ErrInvalidMessage, Detail: err.Error()}
		}
		return []byte(s), nil
	case '[':
		var values []int
		if err := json.Unmarshal(value, &values); err != nil {
			return nil, &schema.DecodeError{Kind: schema.ErrInvalidMessage, Detail: err.Error()}
		}
		buf := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, &schema.DecodeError{Kind: schema.ErrInvalidMessage, Detail: "byte value out of range: " + strconv.Itoa(v)}
			}
			buf[i] = byte(v)
		}
		return []byte(strings.ToValidUTF8(string(buf), "�")), nil
	default:
		return nil, &schema.DecodeError{Kind: schema.ErrInvalidMessage, Detail: "unexpected MESSAGE encoding"}
	}
}

// MajorVersion parses the major part of a "MAJOR.MINOR" version string.
func MajorVersion(ver string) (int, bool) {
	m := versionPattern.FindStringSubmatch(ver)
	if m == nil {
		return 0, false
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return major, true
}

func isJSONString(value json.RawMessage) bool {
	value = bytes.TrimSpace(value)
	return len(value) > 0 && value[0] == '"'
}

func parseInteger(value json.RawMessage) (int64, bool) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 || !(value[0] == '-' || (value[0] >= '0' && value[0] <= '9')) {
		return 0, false
	}
	var num json.Number
	if err := json.Unmarshal(value, &num); err != nil {
		return 0, false
	}
	if n, err := num.Int64(); err == nil {
		return n, true
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
