package schema

import "encoding/json"

// UserID identifies a login user of the viewer.
type UserID string

// RecordingID identifies a tlog recording (the TLOG_REC journal field).
type RecordingID string

// PlaybackID identifies a playback session.
type PlaybackID string

// Cursor is an opaque journal cursor token.
type Cursor string

// Match is a journal field match in FIELD=value form.
type Match string

// MatchField builds a FIELD=value match.
func MatchField(field, value string) Match {
	return Match(field + "=" + value)
}

// CountAll asks the journal for every matching entry.
const CountAll = -1

// QueryOptions are the journal query options.
type QueryOptions struct {
	// Count limits the number of entries; CountAll means no limit.
	Count  int
	Follow bool
	Merge  bool
	// Cursor starts the query at the given entry, inclusive.
	Cursor Cursor
	Since  string
	Until  string
	Grep   string
}

// Journal field names used by tlog.
const (
	FieldCursor    = "__CURSOR"
	FieldRealtime  = "__REALTIME_TIMESTAMP"
	FieldMessage   = "MESSAGE"
	FieldUID       = "_UID"
	FieldPID       = "_PID"
	FieldBootID    = "_BOOT_ID"
	FieldTlogUser  = "TLOG_USER"
	FieldTlogRec   = "TLOG_REC"
	FieldTlogSess  = "TLOG_SESSION"
	FieldTlogID    = "TLOG_ID"
	FieldHostname  = "_HOSTNAME"
	FieldTransport = "_TRANSPORT"
)

// LogEntry is one journal entry.
type LogEntry struct {
	Cursor Cursor `json:"cursor" cbor:"1,keyasint"`
	// Realtime is the wall-clock timestamp in microseconds.
	Realtime int64             `json:"realtime" cbor:"2,keyasint"`
	Fields   map[string]string `json:"fields,omitempty" cbor:"3,keyasint,omitempty"`
	// Message is the raw MESSAGE value: a JSON string or an array of bytes.
	Message json.RawMessage `json:"message,omitempty" cbor:"4,keyasint,omitempty"`
}

// Field returns a field value, including the cursor and realtime pseudo-fields.
func (e LogEntry) Field(name string) (string, bool) {
	switch name {
	case FieldCursor:
		return string(e.Cursor), e.Cursor != ""
	}
	v, ok := e.Fields[name]
	return v, ok
}

// Message is one decoded tlog message.
type Message struct {
	Ver    string `json:"ver"`
	ID     int64  `json:"id"`
	Pos    int64  `json:"pos"`
	Timing string `json:"timing"`
	InTxt  string `json:"in_txt"`
	OutTxt string `json:"out_txt"`
}
