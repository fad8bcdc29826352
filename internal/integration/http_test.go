package integration_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/tlogplay/schema"
)

func TestHTTPRecordingsAreFilteredByAccess(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	server := httptest.NewServer(ts.httpSrv.Handler())
	t.Cleanup(server.Close)
	client := ts.login(t, server.URL)

	var list struct {
		Recordings []schema.Recording `json:"recordings"`
	}
	resp, err := client.Get(server.URL + "/api/recordings")
	if err != nil {
		t.Fatal(err)
	}
	readJSON(t, resp, &list)
	if len(list.Recordings) != 1 || list.Recordings[0].ID != "r1" {
		t.Fatalf("unexpected recordings %+v", list.Recordings)
	}

	resp, err = client.Get(server.URL + "/api/recordings/r2")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign recording, got %d", resp.StatusCode)
	}

	if err := ts.authStore.Allow(ts.user, "alice"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	resp, err = client.Get(server.URL + "/api/recordings")
	if err != nil {
		t.Fatal(err)
	}
	readJSON(t, resp, &list)
	if len(list.Recordings) != 2 {
		t.Fatalf("expected both recordings after allow, got %+v", list.Recordings)
	}
}

func TestHTTPPlaybackStreamAndControl(t *testing.T) {
	requireLong(t)
	ts := newTestServer(t)
	server := httptest.NewServer(ts.httpSrv.Handler())
	t.Cleanup(server.Close)
	client := ts.login(t, server.URL)

	var opened struct {
		Playback schema.PlaybackSnapshot `json:"playback"`
	}
	readJSON(t, writeJSON(t, client, server.URL+"/api/playback", map[string]any{"recording": "r1"}), &opened)
	id := string(opened.Playback.ID)
	if id == "" {
		t.Fatalf("expected playback id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/playback/"+id+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var state struct {
		Playback schema.PlaybackSnapshot `json:"playback"`
	}
	readJSON(t, writeJSON(t, client, server.URL+"/api/playback/"+id+"/control", map[string]any{"action": "end"}), &state)
	if state.Playback.ID != opened.Playback.ID {
		t.Fatalf("unexpected control reply %+v", state.Playback)
	}

	var output strings.Builder
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") && strings.Contains(line, `"type":"output"`) {
			output.WriteString(line)
		}
		if strings.Contains(output.String(), "hello") && strings.Contains(output.String(), "world") {
			break
		}
	}
	if !strings.Contains(output.String(), "world") {
		t.Fatalf("expected replayed output in stream, got %q (err %v)", output.String(), scanner.Err())
	}

	req, err = http.NewRequest(http.MethodDelete, server.URL+"/api/playback/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 closing playback, got %d", resp.StatusCode)
	}
}
