package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pkt.systems/tlogplay/schema"
)

// DecodeError reports a journal export line that could not be decoded.
type DecodeError struct {
	LineNo int
	line   []byte
	err    error
}

func (e *DecodeError) Error() string {
	if e == nil || e.err == nil {
		return "journal entry decode error"
	}
	return fmt.Sprintf("journal line %d: %v", e.LineNo, e.err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Line returns the raw undecodable line.
func (e *DecodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

// entryReader reads `journalctl -o json` output, one entry per line.
type entryReader struct {
	reader *bufio.Reader
	lineNo int
}

func newEntryReader(r io.Reader) *entryReader {
	return &entryReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (r *entryReader) Next(ctx context.Context) (schema.LogEntry, error) {
	for {
		if ctx.Err() != nil {
			return schema.LogEntry{}, ctx.Err()
		}
		line, err := r.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return schema.LogEntry{}, err
		}
		r.lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return schema.LogEntry{}, err
			}
			continue
		}
		entry, decodeErr := ParseEntry(line)
		if decodeErr != nil {
			return schema.LogEntry{}, &DecodeError{LineNo: r.lineNo, line: append([]byte(nil), line...), err: decodeErr}
		}
		return entry, nil
	}
}

// ParseEntry decodes one JSON journal entry. Field values journalctl encodes
// as byte arrays are decoded to text, except MESSAGE which is kept raw.
func ParseEntry(line []byte) (schema.LogEntry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return schema.LogEntry{}, err
	}
	if raw == nil {
		return schema.LogEntry{}, fmt.Errorf("entry is not an object")
	}
	entry := schema.LogEntry{Fields: make(map[string]string, len(raw))}
	for name, value := range raw {
		switch name {
		case schema.FieldMessage:
			entry.Message = append(json.RawMessage(nil), value...)
			continue
		}
		text, ok, err := fieldText(value)
		if err != nil {
			return schema.LogEntry{}, fmt.Errorf("field %s: %w", name, err)
		}
		if !ok {
			continue
		}
		switch name {
		case schema.FieldCursor:
			entry.Cursor = schema.Cursor(text)
		case schema.FieldRealtime:
			usec, err := strconv.ParseInt(text, 10, 64)
			if err != nil {
				return schema.LogEntry{}, fmt.Errorf("field %s: %w", name, err)
			}
			entry.Realtime = usec
			entry.Fields[name] = text
		default:
			entry.Fields[name] = text
		}
	}
	return entry, nil
}

// EncodeEntry renders an entry back into journal export JSON.
func EncodeEntry(entry schema.LogEntry) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(entry.Fields)+3)
	for name, value := range entry.Fields {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out[name] = b
	}
	if entry.Cursor != "" {
		b, _ := json.Marshal(string(entry.Cursor))
		out[schema.FieldCursor] = b
	}
	if entry.Realtime != 0 {
		b, _ := json.Marshal(strconv.FormatInt(entry.Realtime, 10))
		out[schema.FieldRealtime] = b
	}
	if len(entry.Message) > 0 {
		out[schema.FieldMessage] = entry.Message
	}
	return json.Marshal(out)
}

func fieldText(value json.RawMessage) (string, bool, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return "", false, nil
	}
	switch value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case '[':
		var values []json.RawMessage
		if err := json.Unmarshal(value, &values); err != nil {
			return "", false, err
		}
		if len(values) > 0 && isRepeatedValue(values[0]) {
			// Repeated field: keep the first occurrence.
			return fieldText(values[0])
		}
		var bytesValue []byte
		for _, v := range values {
			n, err := strconv.Atoi(strings.TrimSpace(string(v)))
			if err != nil || n < 0 || n > 255 {
				return "", false, fmt.Errorf("invalid byte value %s", v)
			}
			bytesValue = append(bytesValue, byte(n))
		}
		return strings.ToValidUTF8(string(bytesValue), "�"), true, nil
	default:
		return string(value), true, nil
	}
}

func isRepeatedValue(first json.RawMessage) bool {
	first = bytes.TrimSpace(first)
	return len(first) > 0 && (first[0] == '"' || first[0] == '[')
}
