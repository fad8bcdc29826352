package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

// statusWriter records the status and size of a response while passing
// through flushing for SSE and hijacking for websockets.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

type sessionLookupFunc func(*http.Request) (userID schema.UserID, sessionID string)

// isStream reports whether the request opens a long-lived playback or index
// event stream.
func isStream(r *http.Request) bool {
	p := r.URL.Path
	return strings.HasSuffix(p, "/stream") || strings.HasSuffix(p, "/ws") || strings.HasSuffix(p, "/recordings/events")
}

func withRequestLogging(next http.Handler, lookup sessionLookupFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := pslog.Ctx(r.Context()).With("remote", clientIP(r), "method", r.Method, "path", r.URL.Path)
		if lookup != nil {
			if userID, sessionID := lookup(r); userID != "" {
				log = log.With("user", userID, "http_session", sessionID)
			}
		}
		stream := isStream(r)
		if stream {
			log.Debug("http stream opened")
		}
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{"status", status, "bytes", sw.bytes, "duration_ms", time.Since(start).Milliseconds()}
		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		case stream:
			log.Info("http stream closed", fields...)
		default:
			log.Info("http request", fields...)
		}
		log.Debug("http request details", "query", r.URL.RawQuery, "ua", r.UserAgent())
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
