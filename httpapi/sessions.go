package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"pkt.systems/tlogplay/internal/logx"
	"pkt.systems/tlogplay/schema"
)

// session is one logged-in browser. Playbacks opened through it are closed
// when it ends.
type session struct {
	id        string
	userID    schema.UserID
	expiresAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// endFunc receives the playbacks still owned by a session that ended.
type endFunc func(userID schema.UserID, playbacks []schema.PlaybackID)

// sessionStore maps cookie tokens to sessions. Tokens are kept and persisted
// only as blake3 digests.
type sessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	baseCtx context.Context
	items   map[string]session
	owned   map[string]map[schema.PlaybackID]struct{}
	path    string
	onEnd   endFunc
}

func newSessionStore(ttl time.Duration, path string) *sessionStore {
	store := &sessionStore{
		ttl:     ttl,
		baseCtx: context.Background(),
		items:   make(map[string]session),
		owned:   make(map[string]map[schema.PlaybackID]struct{}),
		path:    strings.TrimSpace(path),
	}
	if err := store.load(); err != nil {
		logx.Ctx(context.Background()).Warn("session store load failed", "path", store.path, "err", err)
	}
	return store
}

func tokenKey(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (s *sessionStore) create(userID schema.UserID) (string, session) {
	token := randomToken(32)
	entry := s.newSession(userID, time.Now().Add(s.ttl), "")
	s.mu.Lock()
	s.items[tokenKey(token)] = entry
	s.mu.Unlock()
	s.persist()
	logx.WithUser(context.Background(), userID).Info("session created", "http_session", entry.id, "expires", entry.expiresAt.Format(time.RFC3339))
	return token, entry
}

// get returns the live session for token. A session past half its lifetime
// is renewed for another full ttl.
func (s *sessionStore) get(token string) (session, bool) {
	key := tokenKey(token)
	now := time.Now()
	s.mu.Lock()
	entry, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return session{}, false
	}
	if now.After(entry.expiresAt) {
		s.mu.Unlock()
		s.end(key, "expired")
		return session{}, false
	}
	renewed := false
	if entry.expiresAt.Sub(now) < s.ttl/2 {
		entry.expiresAt = now.Add(s.ttl)
		s.items[key] = entry
		renewed = true
	}
	s.mu.Unlock()
	if renewed {
		s.persist()
	}
	return entry, true
}

func (s *sessionStore) delete(token string) {
	s.end(tokenKey(token), "deleted")
}

func (s *sessionStore) end(key, reason string) {
	s.mu.Lock()
	entry, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.items, key)
	playbacks := sortedPlaybacks(s.owned[entry.id])
	delete(s.owned, entry.id)
	onEnd := s.onEnd
	s.mu.Unlock()

	if entry.cancel != nil {
		entry.cancel()
	}
	logx.WithUser(context.Background(), entry.userID).Info("session "+reason, "http_session", entry.id, "playbacks", len(playbacks))
	if onEnd != nil && len(playbacks) > 0 {
		onEnd(entry.userID, playbacks)
	}
	s.persist()
}

// track records that a playback was opened by the session.
func (s *sessionStore) track(sessionID string, id schema.PlaybackID) {
	if sessionID == "" || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.owned[sessionID]
	if set == nil {
		set = make(map[schema.PlaybackID]struct{})
		s.owned[sessionID] = set
	}
	set[id] = struct{}{}
}

func (s *sessionStore) untrack(sessionID string, id schema.PlaybackID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.owned[sessionID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.owned, sessionID)
		}
	}
}

func (s *sessionStore) playbacks(sessionID string) []schema.PlaybackID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedPlaybacks(s.owned[sessionID])
}

func sortedPlaybacks(set map[schema.PlaybackID]struct{}) []schema.PlaybackID {
	if len(set) == 0 {
		return nil
	}
	out := make([]schema.PlaybackID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *sessionStore) setEndFunc(fn endFunc) {
	s.mu.Lock()
	s.onEnd = fn
	s.mu.Unlock()
}

// setBaseContext reparents every session context under ctx.
func (s *sessionStore) setBaseContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
	for key, entry := range s.items {
		if entry.cancel != nil {
			entry.cancel()
		}
		entry.ctx, entry.cancel = context.WithCancel(ctx)
		s.items[key] = entry
	}
}

func (s *sessionStore) newSession(userID schema.UserID, expiresAt time.Time, sessionID string) session {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = randomToken(12)
	}
	s.mu.Lock()
	parent := s.baseCtx
	s.mu.Unlock()
	ctx, cancel := context.WithCancel(parent)
	return session{
		id:        sessionID,
		userID:    userID,
		expiresAt: expiresAt,
		ctx:       ctx,
		cancel:    cancel,
	}
}

type storedSession struct {
	TokenHash string    `json:"token_hash"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionFile struct {
	Version  int             `json:"version"`
	Sessions []storedSession `json:"sessions"`
}

const sessionFileVersion = 2

func (s *sessionStore) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != sessionFileVersion {
		// Older files stored raw tokens; their sessions are dropped.
		logx.Ctx(context.Background()).Info("session store reset", "version", file.Version)
		s.persist()
		return nil
	}
	now := time.Now()
	kept := 0
	for _, rec := range file.Sessions {
		if rec.TokenHash == "" || strings.TrimSpace(rec.UserID) == "" || now.After(rec.ExpiresAt) {
			continue
		}
		entry := s.newSession(schema.UserID(rec.UserID), rec.ExpiresAt, rec.SessionID)
		s.mu.Lock()
		s.items[rec.TokenHash] = entry
		s.mu.Unlock()
		kept++
	}
	if kept != len(file.Sessions) {
		s.persist()
	}
	logx.Ctx(context.Background()).Info("session store loaded", "sessions", kept)
	return nil
}

func (s *sessionStore) persist() {
	if s.path == "" {
		return
	}
	s.mu.Lock()
	file := sessionFile{Version: sessionFileVersion, Sessions: make([]storedSession, 0, len(s.items))}
	for key, entry := range s.items {
		file.Sessions = append(file.Sessions, storedSession{
			TokenHash: key,
			SessionID: entry.id,
			UserID:    string(entry.userID),
			ExpiresAt: entry.expiresAt,
		})
	}
	s.mu.Unlock()
	slices.SortFunc(file.Sessions, func(a, b storedSession) int { return strings.Compare(a.SessionID, b.SessionID) })
	data, err := json.MarshalIndent(file, "", "  ")
	if err == nil {
		err = writeFileAtomic(s.path, data, 0o600)
	}
	if err != nil {
		logx.Ctx(context.Background()).Warn("session store save failed", "path", s.path, "err", err)
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(name)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	err = os.Rename(name, path)
	return err
}
