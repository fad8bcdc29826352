package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

func indexEntry(cursor, rec, user string, ms int64) schema.LogEntry {
	return schema.LogEntry{
		Cursor:   schema.Cursor(cursor),
		Realtime: ms * 1000,
		Fields: map[string]string{
			schema.FieldTlogRec:  rec,
			schema.FieldTlogUser: user,
			schema.FieldTlogSess: "42",
			schema.FieldPID:      "1234",
			schema.FieldBootID:   "boot",
			schema.FieldUID:      "990",
		},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	recs   []schema.Recording
	events []schema.PlaybackEvent
}

func (s *recordingSink) OnPlaybackEvent(event schema.PlaybackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) OnRecording(rec schema.Recording) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) recordings() []schema.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Recording(nil), s.recs...)
}

func (s *recordingSink) output(playback schema.PlaybackID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ""
	for _, ev := range s.events {
		if ev.Playback != playback {
			continue
		}
		switch ev.Type {
		case schema.EventOutput:
			out += ev.Text
		case schema.EventReset:
			out = ""
		}
	}
	return out
}

func (s *recordingSink) eventsOf(typ schema.EventType) []schema.PlaybackEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.PlaybackEvent
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRecordingIndexAssemblesRecordings(t *testing.T) {
	j := journal.NewMemory([]schema.LogEntry{
		indexEntry("c1", "r1", "alice", 10_000),
		indexEntry("c2", "r2", "bob", 5_000),
		indexEntry("c3", "r1", "alice", 70_000),
		{Cursor: "c4", Realtime: 1, Fields: map[string]string{schema.FieldTlogUser: "carol"}},
		indexEntry("c5", "r2", "bob", 1_000),
	})
	x, err := NewRecordingIndex(IndexConfig{Journal: j, TlogUID: "990"})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := x.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	select {
	case <-x.Ready():
	default:
		t.Fatalf("expected index ready after load")
	}

	list := x.List(schema.SortByStart, false)
	if len(list) != 2 || list[0].ID != "r2" || list[1].ID != "r1" {
		t.Fatalf("unexpected order %+v", list)
	}
	r1 := list[1]
	if r1.Start != 10_000 || r1.End != 70_000 || r1.Duration != 60_000 {
		t.Fatalf("unexpected r1 times %+v", r1)
	}
	if r1.SessionID != 42 || r1.PID != 1234 || r1.BootID != "boot" || r1.User != "alice" {
		t.Fatalf("unexpected r1 metadata %+v", r1)
	}
	want := []schema.Match{"_UID=990", "TLOG_REC=r1"}
	if len(r1.MatchList) != 2 || r1.MatchList[0] != want[0] || r1.MatchList[1] != want[1] {
		t.Fatalf("unexpected match list %v", r1.MatchList)
	}
	r2, ok := x.Get("r2")
	if !ok || r2.Start != 1_000 || r2.End != 5_000 || r2.Duration != 4_000 {
		t.Fatalf("expected r2 start moved back, got %+v", r2)
	}

	byDuration := x.List(schema.SortByDuration, true)
	if byDuration[0].ID != "r1" {
		t.Fatalf("expected longest first, got %+v", byDuration)
	}
	byUser := x.List(schema.SortByUser, false)
	if byUser[0].User != "alice" {
		t.Fatalf("expected alice first, got %+v", byUser)
	}

	queries := j.Queries()
	if len(queries) != 1 || len(queries[0].Matches) != 1 || queries[0].Matches[0] != "_UID=990" {
		t.Fatalf("unexpected queries %+v", queries)
	}
}

func TestRecordingIndexFollowNotifies(t *testing.T) {
	j := journal.NewMemory([]schema.LogEntry{indexEntry("c1", "r1", "alice", 1_000)})
	sink := &recordingSink{}
	x, err := NewRecordingIndex(IndexConfig{Journal: j, User: "alice", Sink: sink})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()

	select {
	case <-x.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("index never became ready")
	}
	if len(sink.recordings()) != 0 {
		t.Fatalf("backlog must not be announced")
	}
	j.Append(indexEntry("c2", "r2", "alice", 9_000))
	waitFor(t, "new recording", func() bool { return len(sink.recordings()) == 1 })
	if got := sink.recordings()[0]; got.ID != "r2" || got.MatchList[0] != "TLOG_REC=r2" {
		t.Fatalf("unexpected announcement %+v", got)
	}
	if x.Len() != 2 {
		t.Fatalf("expected two recordings, got %d", x.Len())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("index did not stop")
	}
	queries := j.Queries()
	if len(queries) != 2 || !queries[1].Options.Follow || queries[1].Options.Cursor != "c1" {
		t.Fatalf("unexpected queries %+v", queries)
	}
}

func TestRecordingIndexRejectsBadRecording(t *testing.T) {
	if _, err := NewRecordingIndex(IndexConfig{Journal: journal.NewMemory(), Recording: "../x"}); err == nil {
		t.Fatalf("expected invalid recording id")
	}
	if _, err := NewRecordingIndex(IndexConfig{}); err == nil {
		t.Fatalf("expected missing journal error")
	}
}
