package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/tlogplay/internal/clock"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/internal/persist"
	"pkt.systems/tlogplay/internal/sessionprefs"
	"pkt.systems/tlogplay/schema"
)

type serviceHarness struct {
	svc   Service
	sink  *recordingSink
	state string
}

func newServiceHarness(t *testing.T, entries ...schema.LogEntry) *serviceHarness {
	t.Helper()
	mem := journal.NewMemory(entries)
	sink := &recordingSink{}
	idx, err := NewRecordingIndex(IndexConfig{Journal: mem, Sink: sink})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Load(context.Background()); err != nil {
		t.Fatalf("load index: %v", err)
	}
	state := t.TempDir()
	svc, err := NewService(schema.ServiceConfig{StateDir: state}, ServiceDeps{
		Journal: mem,
		Index:   idx,
		Access: AccessPolicyFunc(func(viewer schema.UserID, recorded string) bool {
			return viewer == "admin" || string(viewer) == recorded
		}),
		EventSink: sink,
		Clock:     clock.Fake(time.Unix(1_700_000_000, 0)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return &serviceHarness{svc: svc, sink: sink, state: state}
}

func sessionEntries() []schema.LogEntry {
	return []schema.LogEntry{
		tlogEntry("c1", 1, 0, ">5", "", "hello"),
		tlogEntry("c2", 2, 1500, ">6", "", " world"),
	}
}

func TestServiceListRecordingsFiltersByAccess(t *testing.T) {
	other := indexEntry("c9", "r9", "bob", 1_700_000_000_000)
	h := newServiceHarness(t, append(sessionEntries(), other)...)
	ctx := context.Background()

	resp, err := h.svc.ListRecordings(ctx, schema.ListRecordingsRequest{UserID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Recordings) != 1 || resp.Recordings[0].ID != "r1" {
		t.Fatalf("unexpected alice list %+v", resp.Recordings)
	}
	resp, err = h.svc.ListRecordings(ctx, schema.ListRecordingsRequest{UserID: "admin", Sort: schema.SortByUser, Desc: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Recordings) != 2 || resp.Recordings[0].User != "bob" {
		t.Fatalf("unexpected admin list %+v", resp.Recordings)
	}
	resp, err = h.svc.ListRecordings(ctx, schema.ListRecordingsRequest{UserID: "admin", User: "alice"})
	if err != nil || len(resp.Recordings) != 1 {
		t.Fatalf("unexpected user filter result %+v %v", resp.Recordings, err)
	}
	if _, err := h.svc.ListRecordings(ctx, schema.ListRecordingsRequest{UserID: "admin", Since: "yesterday"}); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid date, got %v", err)
	}
	if _, err := h.svc.ListRecordings(ctx, schema.ListRecordingsRequest{UserID: "admin", Sort: "size"}); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid sort, got %v", err)
	}
}

func TestServiceGetRecordingChecksAccess(t *testing.T) {
	h := newServiceHarness(t, sessionEntries()...)
	ctx := context.Background()

	if _, err := h.svc.GetRecording(ctx, schema.GetRecordingRequest{UserID: "bob", RecordingID: "r1"}); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.GetRecording(ctx, schema.GetRecordingRequest{UserID: "alice", RecordingID: "nope"}); !errors.Is(err, schema.ErrRecordingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	resp, err := h.svc.GetRecording(ctx, schema.GetRecordingRequest{UserID: "alice", RecordingID: "r1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Recording.Duration != 1500 {
		t.Fatalf("unexpected recording %+v", resp.Recording)
	}
}

func TestServiceSearchRecording(t *testing.T) {
	h := newServiceHarness(t, sessionEntries()...)
	resp, err := h.svc.SearchRecording(context.Background(), schema.SearchRecordingRequest{UserID: "alice", RecordingID: "r1", Text: "world"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Markers) != 1 || resp.Markers[0].Pos != 1500 {
		t.Fatalf("unexpected markers %+v", resp.Markers)
	}
}

func TestServicePlaybackLifecycle(t *testing.T) {
	h := newServiceHarness(t, sessionEntries()...)
	ctx := context.Background()

	open, err := h.svc.OpenPlayback(ctx, schema.OpenPlaybackRequest{UserID: "alice", RecordingID: "r1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := open.Playback.ID
	if id == "" || !open.Playback.Player.Paused {
		t.Fatalf("unexpected open snapshot %+v", open.Playback)
	}
	if _, err := h.svc.GetPlayback(ctx, schema.GetPlaybackRequest{UserID: "bob", PlaybackID: id}); !errors.Is(err, schema.ErrPlaybackNotFound) {
		t.Fatalf("expected playback hidden from bob, got %v", err)
	}

	if _, err := h.svc.ControlPlayback(ctx, schema.ControlPlaybackRequest{UserID: "alice", PlaybackID: id, Action: "end"}); err != nil {
		t.Fatalf("control end: %v", err)
	}
	waitFor(t, "replayed output", func() bool { return h.sink.output(id) == "hello world" })
	waitFor(t, "final position", func() bool {
		events := h.sink.eventsOf(schema.EventPosition)
		return len(events) > 0 && events[len(events)-1].Pos == 1500
	})

	if _, err := h.svc.ControlPlayback(ctx, schema.ControlPlaybackRequest{UserID: "alice", PlaybackID: id, Action: "dance"}); !errors.Is(err, schema.ErrUnknownCommand) {
		t.Fatalf("expected unknown command, got %v", err)
	}
	resp, err := h.svc.ControlPlayback(ctx, schema.ControlPlaybackRequest{UserID: "alice", PlaybackID: id, Action: "key", Key: "}"})
	if err != nil {
		t.Fatalf("control key: %v", err)
	}
	if resp.Playback.Player.SpeedExp != 1 {
		t.Fatalf("expected speed up, got %+v", resp.Playback.Player)
	}

	list, err := h.svc.ListPlaybacks(ctx, schema.ListPlaybacksRequest{UserID: "alice"})
	if err != nil || len(list.Playbacks) != 1 {
		t.Fatalf("unexpected playbacks %+v %v", list.Playbacks, err)
	}

	closed, err := h.svc.ClosePlayback(ctx, schema.ClosePlaybackRequest{UserID: "alice", PlaybackID: id})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Playback.Player.Pos != 1500 {
		t.Fatalf("unexpected close snapshot %+v", closed.Playback.Player)
	}
	if _, err := h.svc.GetPlayback(ctx, schema.GetPlaybackRequest{UserID: "alice", PlaybackID: id}); !errors.Is(err, schema.ErrPlaybackNotFound) {
		t.Fatalf("expected closed playback gone, got %v", err)
	}

	store, err := persist.NewStore(h.state)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	prefs, ok, err := store.Load("alice")
	if err != nil || !ok {
		t.Fatalf("load prefs: ok=%v err=%v", ok, err)
	}
	if prefs.SpeedExp != 1 || prefs.Resume["r1"] != 1500 {
		t.Fatalf("unexpected prefs %+v", prefs)
	}
}

func TestServiceOpenPlaybackResumes(t *testing.T) {
	h := newServiceHarness(t, sessionEntries()...)
	store, err := persist.NewStore(h.state)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	prefs := persist.UserPrefs{SpeedExp: -2}
	prefs.SetResume("r1", 1500)
	if err := store.Save("alice", prefs); err != nil {
		t.Fatalf("save prefs: %v", err)
	}

	ctx := sessionprefs.WithContext(context.Background(), sessionprefs.New(sessionprefs.Resume(true)))
	open, err := h.svc.OpenPlayback(ctx, schema.OpenPlaybackRequest{UserID: "alice", RecordingID: "r1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if open.Playback.Player.SpeedExp != -2 {
		t.Fatalf("expected stored speed, got %+v", open.Playback.Player)
	}
	waitFor(t, "resumed output", func() bool { return h.sink.output(open.Playback.ID) == "hello world" })
}

func TestServiceLimitHoldsUnderConcurrentOpens(t *testing.T) {
	mem := journal.NewMemory(sessionEntries())
	idx, err := NewRecordingIndex(IndexConfig{Journal: mem})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := NewService(schema.ServiceConfig{StateDir: t.TempDir(), MaxPlaybacksPerUser: 2}, ServiceDeps{
		Journal: mem,
		Index:   idx,
		Clock:   clock.Fake(time.Unix(0, 0)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		opened   int
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.OpenPlayback(context.Background(), schema.OpenPlaybackRequest{UserID: "alice", RecordingID: "r1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened++
			case errors.Is(err, schema.ErrTooManyPlaybacks):
				rejected++
			default:
				t.Errorf("open: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if opened != 2 || rejected != attempts-2 {
		t.Fatalf("expected 2 opened and %d rejected, got %d and %d", attempts-2, opened, rejected)
	}
	list, err := svc.ListPlaybacks(context.Background(), schema.ListPlaybacksRequest{UserID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Playbacks) != 2 {
		t.Fatalf("expected 2 playbacks, got %d", len(list.Playbacks))
	}
}

func TestServiceLimitsPlaybacksPerUser(t *testing.T) {
	mem := journal.NewMemory(sessionEntries())
	idx, err := NewRecordingIndex(IndexConfig{Journal: mem})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := NewService(schema.ServiceConfig{StateDir: t.TempDir(), MaxPlaybacksPerUser: 1}, ServiceDeps{
		Journal: mem,
		Index:   idx,
		Clock:   clock.Fake(time.Unix(0, 0)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	ctx := context.Background()
	req := schema.OpenPlaybackRequest{UserID: "alice", RecordingID: "r1"}
	if _, err := svc.OpenPlayback(ctx, req); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.OpenPlayback(ctx, req); !errors.Is(err, schema.ErrTooManyPlaybacks) {
		t.Fatalf("expected too many playbacks, got %v", err)
	}
	if _, err := svc.OpenPlayback(ctx, schema.OpenPlaybackRequest{UserID: "bob", RecordingID: "r1"}); err != nil {
		t.Fatalf("open for bob: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.OpenPlayback(ctx, schema.OpenPlaybackRequest{UserID: "carol", RecordingID: "r1"}); !errors.Is(err, schema.ErrPlayerClosed) {
		t.Fatalf("expected closed service, got %v", err)
	}
}

func TestServiceRejectsInvalidUser(t *testing.T) {
	h := newServiceHarness(t, sessionEntries()...)
	_, err := h.svc.ListRecordings(context.Background(), schema.ListRecordingsRequest{UserID: "Not Valid"})
	if !errors.Is(err, schema.ErrInvalidUser) {
		t.Fatalf("expected invalid user, got %v", err)
	}
}
