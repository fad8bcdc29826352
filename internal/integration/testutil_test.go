package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/httpapi"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/auth"
	"pkt.systems/tlogplay/internal/eventbus"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

// tlogEntry builds one tlog message of recording rec by user.
func tlogEntry(cursor, rec, user string, id, pos int64, out string) schema.LogEntry {
	body := `{"ver":"2.3","rec":` + strconv.Quote(rec) + `,"user":` + strconv.Quote(user) +
		`,"id":` + strconv.FormatInt(id, 10) +
		`,"pos":` + strconv.FormatInt(pos, 10) +
		`,"timing":` + strconv.Quote(">"+strconv.Itoa(len(out))) +
		`,"in_txt":"","out_txt":` + strconv.Quote(out) + `}`
	return schema.LogEntry{
		Cursor:   schema.Cursor(cursor),
		Realtime: 1_700_000_000_000_000 + pos*1000,
		Fields:   map[string]string{schema.FieldTlogRec: rec, schema.FieldTlogUser: user},
		Message:  []byte(strconv.Quote(body)),
	}
}

type sinks []core.EventSink

func (s sinks) OnPlaybackEvent(event schema.PlaybackEvent) {
	for _, sink := range s {
		sink.OnPlaybackEvent(event)
	}
}

func (s sinks) OnRecording(rec schema.Recording) {
	for _, sink := range s {
		sink.OnRecording(rec)
	}
}

type testServer struct {
	service   core.Service
	httpSrv   *httpapi.Server
	authStore *auth.Store
	hub       *httpapi.Hub
	bus       *eventbus.Bus
	user      string
	password  string
	totp      string
}

// newTestServer indexes one recording of the test user ("r1") and one of
// alice ("r2").
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	stateDir := filepath.Join(t.TempDir(), "state")
	userFile := filepath.Join(t.TempDir(), "users.json")

	password := "test-password"
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatal(err)
	}
	secret, err := totp.Generate(totp.GenerateOpts{Issuer: "tlogplay", AccountName: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	seed := appconfig.SeedUser{
		Username:     "tester",
		PasswordHash: string(hash),
		TOTPSecret:   secret.Secret(),
	}

	authStore, err := auth.NewStoreWithLogger(userFile, []appconfig.SeedUser{seed}, nil)
	if err != nil {
		t.Fatal(err)
	}

	mem := journal.NewMemory([]schema.LogEntry{
		tlogEntry("c1", "r1", "tester", 1, 0, "hello"),
		tlogEntry("c2", "r1", "tester", 2, 1500, " world"),
		tlogEntry("c3", "r2", "alice", 1, 0, "secret"),
	})
	hub := httpapi.NewHub(1000)
	bus := eventbus.New(nil)
	sink := sinks{hub, bus}
	index, err := core.NewRecordingIndex(core.IndexConfig{Journal: mem, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	if err := index.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	service, err := core.NewService(schema.ServiceConfig{StateDir: stateDir}, core.ServiceDeps{
		Journal:   mem,
		Index:     index,
		Access:    authStore,
		EventSink: sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = service.Close() })

	httpSrv := httpapi.NewServer(httpapi.Config{
		Addr:            "127.0.0.1:0",
		SessionCookie:   "tlogplay_session",
		SessionTTLHours: 1,
	}, service, authStore, hub)

	return &testServer{
		service:   service,
		httpSrv:   httpSrv,
		authStore: authStore,
		hub:       hub,
		bus:       bus,
		user:      seed.Username,
		password:  password,
		totp:      seed.TOTPSecret,
	}
}

func (ts *testServer) login(t *testing.T, baseURL string) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar}
	code, err := totp.GenerateCode(ts.totp, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]string{
		"username": ts.user,
		"password": ts.password,
		"totp":     code,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(baseURL+"/api/login", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("login failed: %s", strings.TrimSpace(string(body)))
	}
	return client
}

func writeJSON(t *testing.T, client *http.Client, url string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode >= 300 {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatal(err)
	}
}

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}
