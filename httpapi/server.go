package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/internal/logx"
	"pkt.systems/tlogplay/internal/sessionprefs"
	"pkt.systems/tlogplay/internal/tlogconf"
	"pkt.systems/tlogplay/schema"
)

// Authenticator verifies credentials and recording visibility.
type Authenticator interface {
	Authenticate(username, password, totp string) error
	CanView(viewer schema.UserID, recorded string) bool
}

// AdminScope is the allow-list entry that grants access to every user and to
// the recorder configuration.
const AdminScope = "*"

// Server serves the HTTP API and UI.
type Server struct {
	cfg        Config
	service    core.Service
	authStore  Authenticator
	sessions   *sessionStore
	hub        *Hub
	tlogConfig string
	basePath   string
	baseHref   string
	index      *indexPage
}

// Option adjusts a Server.
type Option func(*Server)

// WithTlogConfigPath sets the recorder configuration served by /api/tlog-config.
func WithTlogConfigPath(path string) Option {
	return func(s *Server) { s.tlogConfig = path }
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, authStore Authenticator, hub *Hub, opts ...Option) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	if strings.TrimSpace(cfg.SessionCookie) == "" {
		cfg.SessionCookie = "tlogplay_session"
	}
	if hub == nil {
		hub = NewHub(cfg.HistoryEvents)
	}
	s := &Server{
		cfg:        cfg,
		service:    service,
		authStore:  authStore,
		sessions:   newSessionStore(ttl, cfg.SessionStorePath),
		hub:        hub,
		tlogConfig: tlogconf.DefaultPath,
		basePath:   normalizeBasePath(cfg.BasePath),
		baseHref:   buildBaseHref(cfg.BaseURL, cfg.BasePath),
	}
	for _, opt := range opts {
		opt(s)
	}
	index, err := newIndexPage(s.baseHref)
	if err != nil {
		logx.Ctx(context.Background()).Error("http index page failed", "err", err)
	}
	s.index = index
	s.sessions.setEndFunc(s.closeSessionPlaybacks)
	return s
}

// closeSessionPlaybacks stops playbacks left open by a session that logged
// out or expired.
func (s *Server) closeSessionPlaybacks(userID schema.UserID, ids []schema.PlaybackID) {
	log := logx.WithUser(context.Background(), userID)
	for _, id := range ids {
		_, err := s.service.ClosePlayback(context.Background(), schema.ClosePlaybackRequest{UserID: userID, PlaybackID: id})
		if err != nil && !errors.Is(err, schema.ErrPlaybackNotFound) {
			log.Warn("http session playback close failed", "playback", id, "err", err)
		}
		s.hub.Forget(id)
	}
}

// SetBaseContext sets the parent context for session lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.sessions.setBaseContext(ctx)
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsFS))))

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/me", s.requireSession(s.handleMe))

	mux.HandleFunc("GET /api/recordings", s.requireSession(s.handleRecordings))
	mux.HandleFunc("GET /api/recordings/events", s.requireSession(s.handleRecordingEvents))
	mux.HandleFunc("GET /api/recordings/{id}", s.requireSession(s.handleRecording))
	mux.HandleFunc("GET /api/recordings/{id}/search", s.requireSession(s.handleSearch))

	mux.HandleFunc("GET /api/playback", s.requireSession(s.handlePlaybacks))
	mux.HandleFunc("POST /api/playback", s.requireSession(s.handleOpenPlayback))
	mux.HandleFunc("GET /api/playback/{id}", s.requireSession(s.handleGetPlayback))
	mux.HandleFunc("DELETE /api/playback/{id}", s.requireSession(s.handleClosePlayback))
	mux.HandleFunc("POST /api/playback/{id}/control", s.requireSession(s.handleControl))
	mux.HandleFunc("GET /api/playback/{id}/stream", s.requireSession(s.handleStream))
	mux.HandleFunc("GET /api/playback/{id}/ws", s.requireSession(s.handleWebsocket))

	mux.HandleFunc("GET /api/tlog-config", s.requireSession(s.handleGetTlogConfig))
	mux.HandleFunc("PUT /api/tlog-config", s.requireSession(s.handlePutTlogConfig))

	handler := withRequestLogging(mux, s.lookupSession)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	s.index.ServeHTTP(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if err := s.authStore.Authenticate(payload.Username, payload.Password, payload.TOTP); err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, sess := s.sessions.create(schema.UserID(payload.Username))
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expiresAt,
	})
	writeJSON(w, http.StatusOK, map[string]any{"username": payload.Username})
	log.Info("http login ok")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.sessionToken(r)
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if token != "" {
		if entry, ok := s.sessions.get(token); ok {
			log = log.With("user", entry.userID, "http_session", entry.id)
		}
		s.sessions.delete(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http logout")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	writeJSON(w, http.StatusOK, map[string]any{
		"username": userID,
		"admin":    s.isAdmin(userID),
	})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	q := r.URL.Query()
	sortBy, err := schema.NormalizeRecordingSort(q.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: sort %q", err, q.Get("sort")))
		return
	}
	resp, err := s.service.ListRecordings(r.Context(), schema.ListRecordingsRequest{
		UserID: userID,
		User:   q.Get("user"),
		Since:  q.Get("since"),
		Until:  q.Get("until"),
		Sort:   sortBy,
		Desc:   parseBool(q.Get("desc")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	recs := resp.Recordings
	if recs == nil {
		recs = []schema.Recording{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	resp, err := s.service.GetRecording(r.Context(), schema.GetRecordingRequest{
		UserID:      userID,
		RecordingID: schema.RecordingID(r.PathValue("id")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recording": resp.Recording})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	resp, err := s.service.SearchRecording(r.Context(), schema.SearchRecordingRequest{
		UserID:      userID,
		RecordingID: schema.RecordingID(r.PathValue("id")),
		Text:        r.URL.Query().Get("q"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	markers := resp.Markers
	if markers == nil {
		markers = []schema.SearchMarker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markers": markers})
}

func (s *Server) handleRecordingEvents(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.WithUser(r.Context(), userID)
	setStreamHeaders(w)
	flusher.Flush()

	ch, unsubscribe := s.hub.SubscribeRecordings()
	defer unsubscribe()
	log.Info("http recordings stream opened")
	for {
		select {
		case <-r.Context().Done():
			log.Info("http recordings stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Record == nil {
				continue
			}
			if _, err := s.service.GetRecording(r.Context(), schema.GetRecordingRequest{UserID: userID, RecordingID: event.Record.ID}); err != nil {
				continue
			}
			_ = writeSSEvent(w, 0, event)
			flusher.Flush()
		}
	}
}

func (s *Server) handlePlaybacks(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	resp, err := s.service.ListPlaybacks(r.Context(), schema.ListPlaybacksRequest{UserID: userID})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	playbacks := resp.Playbacks
	if playbacks == nil {
		playbacks = []schema.PlaybackSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbacks": playbacks})
}

func (s *Server) handleOpenPlayback(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		Recording string `json:"recording"`
		Resume    bool   `json:"resume,omitempty"`
		SpeedExp  *int   `json:"speed_exp,omitempty"`
		Autoplay  *bool  `json:"autoplay,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http playback decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Recording) == "" {
		writeError(w, http.StatusBadRequest, errors.New("recording is required"))
		return
	}
	prefs := sessionprefs.Prefs{
		SpeedExp: payload.SpeedExp,
		Autoplay: payload.Autoplay,
		Resume:   payload.Resume,
	}
	ctx := sessionprefs.WithContext(sessionContext(r.Context()), prefs)
	resp, err := s.service.OpenPlayback(ctx, schema.OpenPlaybackRequest{
		UserID:      userID,
		RecordingID: schema.RecordingID(payload.Recording),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess, ok := sessionFromContext(r.Context()); ok {
		s.sessions.track(sess.id, resp.Playback.ID)
	}
	log.Info("http playback opened", "recording", payload.Recording, "playback", resp.Playback.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"playback": resp.Playback})
}

func (s *Server) handleGetPlayback(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	resp, err := s.service.GetPlayback(r.Context(), schema.GetPlaybackRequest{
		UserID:     userID,
		PlaybackID: schema.PlaybackID(r.PathValue("id")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playback": resp.Playback})
}

func (s *Server) handleClosePlayback(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	id := schema.PlaybackID(r.PathValue("id"))
	resp, err := s.service.ClosePlayback(r.Context(), schema.ClosePlaybackRequest{
		UserID:     userID,
		PlaybackID: id,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess, ok := sessionFromContext(r.Context()); ok {
		s.sessions.untrack(sess.id, id)
	}
	s.hub.Forget(id)
	writeJSON(w, http.StatusOK, map[string]any{"playback": resp.Playback})
}

// controlMessage is a player control sent over POST or the websocket.
type controlMessage struct {
	Action string  `json:"action"`
	TS     int64   `json:"ts,omitempty"`
	Key    string  `json:"key,omitempty"`
	Scale  float64 `json:"scale,omitempty"`
}

func (s *Server) control(ctx context.Context, userID schema.UserID, id schema.PlaybackID, msg controlMessage) (schema.PlaybackSnapshot, error) {
	resp, err := s.service.ControlPlayback(ctx, schema.ControlPlaybackRequest{
		UserID:     userID,
		PlaybackID: id,
		Action:     msg.Action,
		TS:         msg.TS,
		Key:        msg.Key,
		Scale:      msg.Scale,
	})
	return resp.Playback, err
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	var msg controlMessage
	if err := decodeJSON(r.Body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.control(r.Context(), userID, schema.PlaybackID(r.PathValue("id")), msg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playback": snap})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	id := schema.PlaybackID(r.PathValue("id"))
	resp, err := s.service.GetPlayback(r.Context(), schema.GetPlaybackRequest{UserID: userID, PlaybackID: id})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log := logx.WithPlayback(r.Context(), logx.WithUser(r.Context(), userID), id)
	setStreamHeaders(w)

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	ch, unsubscribe, seq, history := s.hub.Subscribe(id)
	defer unsubscribe()

	_ = writeSSEvent(w, 0, map[string]any{"type": "snapshot", "playback": resp.Playback, "seq": seq})
	replayCount := 0
	for _, event := range history {
		if event.Seq > lastID {
			_ = writeSSEvent(w, event.Seq, event)
			replayCount++
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				_ = writeSSEvent(w, 0, map[string]any{"type": "closed"})
				flusher.Flush()
				log.Info("http stream ended")
				return
			}
			_ = writeSSEvent(w, event.Seq, event)
			flusher.Flush()
		}
	}
}

func (s *Server) handleGetTlogConfig(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	cfg, err := tlogconf.Load(s.tlogConfig)
	if err != nil {
		logx.WithUser(r.Context(), userID).Warn("http tlog config load failed", "path", s.tlogConfig, "err", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": s.tlogConfig, "config": cfg})
}

func (s *Server) handlePutTlogConfig(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	log := logx.WithUser(r.Context(), userID)
	if !s.isAdmin(userID) {
		log.Warn("http tlog config update rejected")
		writeError(w, http.StatusForbidden, schema.ErrForbidden)
		return
	}
	const maxConfigSize = 1 << 20
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxConfigSize {
		writeError(w, http.StatusBadRequest, errors.New("config exceeds 1MB limit"))
		return
	}
	cfg, err := tlogconf.Parse(body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := tlogconf.Save(s.tlogConfig, cfg); err != nil {
		log.Warn("http tlog config save failed", "path", s.tlogConfig, "err", err)
		writeServiceError(w, err)
		return
	}
	log.Info("http tlog config saved", "path", s.tlogConfig)
	writeJSON(w, http.StatusOK, map[string]any{"path": s.tlogConfig, "config": cfg})
}

func (s *Server) isAdmin(userID schema.UserID) bool {
	return s.authStore != nil && s.authStore.CanView(userID, AdminScope)
}

func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, schema.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := s.sessionToken(r)
		if token == "" {
			log.Warn("http session missing")
			writeError(w, http.StatusUnauthorized, errors.New("missing session"))
			return
		}
		entry, ok := s.sessions.get(token)
		if !ok {
			log.Warn("http session invalid")
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		log = log.With("user", entry.userID, "http_session", entry.id)
		ctx := logx.ContextWithUserLogger(r.Context(), log, entry.userID)
		ctx = withSessionContext(ctx, entry)
		next(w, r.WithContext(ctx), entry.userID)
	}
}

type sessionContextKey struct{}

func withSessionContext(ctx context.Context, sess session) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

func sessionFromContext(ctx context.Context) (session, bool) {
	if ctx == nil {
		return session{}, false
	}
	sess, ok := ctx.Value(sessionContextKey{}).(session)
	return sess, ok
}

func sessionContext(ctx context.Context) context.Context {
	if ctx == nil {
		return nil
	}
	sess, ok := sessionFromContext(ctx)
	if !ok || sess.ctx == nil {
		return ctx
	}
	logger := pslog.Ctx(ctx)
	return logx.CopyContextFields(pslog.ContextWithLogger(sess.ctx, logger), ctx)
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) (schema.UserID, string) {
	if s == nil || r == nil {
		return "", ""
	}
	token := s.sessionToken(r)
	if token == "" {
		return "", ""
	}
	entry, ok := s.sessions.get(token)
	if !ok {
		return "", ""
	}
	return entry.userID, entry.id
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrInvalidUser),
		errors.Is(err, schema.ErrInvalidRecording),
		errors.Is(err, schema.ErrUnknownCommand),
		errors.Is(err, tlogconf.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, schema.ErrRecordingNotFound),
		errors.Is(err, schema.ErrPlaybackNotFound),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrTooManyPlaybacks):
		return http.StatusTooManyRequests
	case errors.Is(err, schema.ErrPlayerClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSEvent(w http.ResponseWriter, seq uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}
