package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/tlogplay/schema"
)

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"remote addr", nil, "192.0.2.1:1234"},
		{"forwarded", map[string]string{"X-Forwarded-For": " 10.0.0.1 , 10.0.0.2"}, "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.9"}, "10.0.0.9"},
		{"empty forwarded hop", map[string]string{"X-Forwarded-For": " ,10.0.0.2", "X-Real-IP": "10.0.0.9"}, "10.0.0.9"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		if got := clientIP(req); got != tc.want {
			t.Fatalf("%s: clientIP = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRequestLoggingKeepsStatusAndFlush(t *testing.T) {
	var looked bool
	handler := withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Errorf("expected flusher passthrough")
		}
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}), func(*http.Request) (schema.UserID, string) {
		looked = true
		return "", ""
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/playback/p1/stream", nil))
	if rec.Code != http.StatusTeapot || rec.Body.String() != "short" || !looked {
		t.Fatalf("unexpected response %d %q looked=%v", rec.Code, rec.Body.String(), looked)
	}
	if !isStream(httptest.NewRequest(http.MethodGet, "/api/recordings/events", nil)) {
		t.Fatalf("expected index events to count as a stream")
	}
}
