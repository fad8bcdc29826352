package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"

	"pkt.systems/tlogplay/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing snapshot")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	snapshot := UserPrefs{
		SpeedExp: -2,
		Autoplay: true,
		Zoom:     ZoomPrefs{Scale: 1.3, Locked: true},
		Last:     "rec-1",
		Resume:   map[schema.RecordingID]int64{"rec-1": 4200},
	}
	if err := store.Save("alice", snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load("alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if !reflect.DeepEqual(snapshot, got) {
		t.Fatalf("snapshot mismatch:\nwant: %+v\ngot:  %+v", snapshot, got)
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := filepath.Join(dir, "alice.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load("alice"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestSetResumeBounded(t *testing.T) {
	var prefs UserPrefs
	for i := range maxResume + 10 {
		prefs.SetResume(schema.RecordingID("rec-"+strconv.Itoa(i)), int64(i))
	}
	if len(prefs.Resume) != maxResume {
		t.Fatalf("expected %d resume entries, got %d", maxResume, len(prefs.Resume))
	}
	last := schema.RecordingID("rec-" + strconv.Itoa(maxResume+9))
	if prefs.Last != last || prefs.Resume[last] != int64(maxResume+9) {
		t.Fatalf("expected last recording kept, got %q %v", prefs.Last, prefs.Resume[last])
	}
	prefs.SetResume("", 1)
	if prefs.Last != last {
		t.Fatalf("empty recording id must be ignored")
	}
	if _, ok := prefs.Resume["rec-9"]; ok {
		t.Fatalf("expected the least recently closed recordings to be evicted")
	}
	if _, ok := prefs.Resume["rec-10"]; !ok {
		t.Fatalf("expected rec-10 to survive")
	}
}

func TestSetResumeRefreshesRecency(t *testing.T) {
	var prefs UserPrefs
	for i := range maxResume {
		prefs.SetResume(schema.RecordingID("rec-"+strconv.Itoa(i)), int64(i))
	}
	prefs.SetResume("rec-0", 42)
	prefs.SetResume("new", 1)
	if _, ok := prefs.Resume["rec-0"]; !ok || prefs.Resume["rec-0"] != 42 {
		t.Fatalf("expected reopened recording to be kept, got %v", prefs.Resume["rec-0"])
	}
	if _, ok := prefs.Resume["rec-1"]; ok {
		t.Fatalf("expected rec-1 to be evicted")
	}
	if prefs.Recent[0] != "new" || len(prefs.Recent) != maxResume {
		t.Fatalf("unexpected recency order %v", prefs.Recent[:2])
	}
}

func TestStoreUpdateSerializesWriters(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update("alice", func(p *UserPrefs) {
				p.SetResume(schema.RecordingID("rec-"+strconv.Itoa(i)), int64(i))
			})
		}()
	}
	wg.Wait()
	got, ok, err := store.Load("alice")
	if err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}
	if len(got.Resume) != 16 {
		t.Fatalf("expected every update to land, got %d", len(got.Resume))
	}
}
