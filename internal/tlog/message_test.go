package tlog

import (
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/tlogplay/schema"
)

const sampleMessage = `{"ver":"2.3","host":"web1","rec":"abc-1","user":"alice","term":"xterm",` +
	`"session":7,"id":3,"pos":1520,"timing":"=80x24>2","in_txt":"","out_txt":"hi"}`

func TestParseMessage(t *testing.T) {
	got, err := ParseMessage([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := schema.Message{Ver: "2.3", ID: 3, Pos: 1520, Timing: "=80x24>2", OutTxt: "hi"}
	if got != want {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
}

func TestParseMessageFieldErrors(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		want  error
		field string
	}{
		{"missing ver", `{"id":1,"pos":0,"timing":"","in_txt":"","out_txt":""}`, schema.ErrMissingField, "ver"},
		{"missing out_txt", `{"ver":"2.0","id":1,"pos":0,"timing":"","in_txt":""}`, schema.ErrMissingField, "out_txt"},
		{"string id", `{"ver":"2.0","id":"1","pos":0,"timing":"","in_txt":"","out_txt":""}`, schema.ErrFieldType, "id"},
		{"fractional pos", `{"ver":"2.0","id":1,"pos":1.5,"timing":"","in_txt":"","out_txt":""}`, schema.ErrFieldType, "pos"},
		{"numeric ver", `{"ver":2,"id":1,"pos":0,"timing":"","in_txt":"","out_txt":""}`, schema.ErrFieldType, "ver"},
		{"null timing", `{"ver":"2.0","id":1,"pos":0,"timing":null,"in_txt":"","out_txt":""}`, schema.ErrFieldType, "timing"},
		{"array", `[1,2]`, schema.ErrInvalidMessage, ""},
		{"not json", `hello`, schema.ErrInvalidMessage, ""},
	}
	for _, tc := range cases {
		_, err := ParseMessage([]byte(tc.raw))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		var decodeErr *schema.DecodeError
		if !errors.As(err, &decodeErr) || decodeErr.Field != tc.field {
			t.Fatalf("%s: expected field %q, got %#v", tc.name, tc.field, err)
		}
	}
}

func TestParseMessageIntegralFloat(t *testing.T) {
	got, err := ParseMessage([]byte(`{"ver":"2.0","id":2.0,"pos":10,"timing":"","in_txt":"","out_txt":""}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != 2 {
		t.Fatalf("expected id 2, got %d", got.ID)
	}
}

func TestMessageFromEntryString(t *testing.T) {
	raw, _ := json.Marshal(sampleMessage)
	got, err := MessageFromEntry(schema.LogEntry{Cursor: "c1", Message: raw})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if got.ID != 3 || got.OutTxt != "hi" {
		t.Fatalf("unexpected message %#v", got)
	}
}

func TestMessageFromEntryByteArray(t *testing.T) {
	body := `{"ver":"2.0","id":1,"pos":0,"timing":">1","in_txt":"","out_txt":"\u001b"}`
	values := make([]int, 0, len(body))
	for _, b := range []byte(body) {
		values = append(values, int(b))
	}
	raw, _ := json.Marshal(values)
	got, err := MessageFromEntry(schema.LogEntry{Cursor: "c1", Message: raw})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if got.OutTxt != "\x1b" {
		t.Fatalf("unexpected out_txt %q", got.OutTxt)
	}
}

func TestMessageFromEntryMissing(t *testing.T) {
	_, err := MessageFromEntry(schema.LogEntry{Cursor: "c1"})
	if !errors.Is(err, schema.ErrMissingMessage) {
		t.Fatalf("expected missing message, got %v", err)
	}
	_, err = MessageFromEntry(schema.LogEntry{Cursor: "c1", Message: json.RawMessage(`[300]`)})
	if !errors.Is(err, schema.ErrInvalidMessage) {
		t.Fatalf("expected invalid message, got %v", err)
	}
}
