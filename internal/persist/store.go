// Package persist keeps per-user player preferences and resume points as
// JSON files under the state directory.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

// ZoomPrefs captures a locked display scale.
type ZoomPrefs struct {
	Scale  float64 `json:"scale"`
	Locked bool    `json:"locked"`
}

// UserPrefs captures a user's player preferences for persistence.
type UserPrefs struct {
	SpeedExp int                          `json:"speed_exp"`
	Autoplay bool                         `json:"autoplay,omitempty"`
	Zoom     ZoomPrefs                    `json:"zoom"`
	Last     schema.RecordingID           `json:"last_recording,omitempty"`
	Resume   map[schema.RecordingID]int64 `json:"resume,omitempty"`
	// Recent orders the Resume keys from most to least recently closed.
	Recent []schema.RecordingID `json:"recent,omitempty"`
}

// maxResume bounds the remembered resume positions per user.
const maxResume = 64

// SetResume remembers pos as the resume point of rec and marks it last. The
// least recently closed recording is forgotten once maxResume is reached.
func (p *UserPrefs) SetResume(rec schema.RecordingID, pos int64) {
	if rec == "" {
		return
	}
	if p.Resume == nil {
		p.Resume = make(map[schema.RecordingID]int64)
	}
	p.Recent = slices.DeleteFunc(p.Recent, func(id schema.RecordingID) bool { return id == rec })
	p.Recent = slices.Insert(p.Recent, 0, rec)
	p.Resume[rec] = pos
	p.Last = rec
	for len(p.Recent) > maxResume {
		delete(p.Resume, p.Recent[len(p.Recent)-1])
		p.Recent = p.Recent[:len(p.Recent)-1]
	}
	// Entries written before Recent existed are dropped first.
	for id := range p.Resume {
		if len(p.Resume) <= maxResume {
			break
		}
		if !slices.Contains(p.Recent, id) {
			delete(p.Resume, id)
		}
	}
}

// Store persists user preferences to disk.
type Store struct {
	dir string
	log pslog.Logger

	mu    sync.Mutex
	locks map[schema.UserID]*sync.Mutex
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		dir:   dir,
		log:   logger.With("state_dir", dir),
		locks: make(map[schema.UserID]*sync.Mutex),
	}, nil
}

func (s *Store) userLock(userID schema.UserID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Load reads a user's preferences from disk. The bool is false when the user
// has none yet.
func (s *Store) Load(userID schema.UserID) (UserPrefs, bool, error) {
	data, err := os.ReadFile(s.pathForUser(userID))
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debug("state load miss", "user", userID)
		return UserPrefs{}, false, nil
	}
	if err != nil {
		s.log.Warn("state load failed", "user", userID, "err", err)
		return UserPrefs{}, false, err
	}
	var prefs UserPrefs
	if err := json.Unmarshal(data, &prefs); err != nil {
		s.log.Warn("state load failed", "user", userID, "err", err)
		return UserPrefs{}, false, fmt.Errorf("decode %s prefs: %w", userID, err)
	}
	s.log.Debug("state load ok", "user", userID, "resume", len(prefs.Resume))
	return prefs, true, nil
}

// Save writes a user's preferences to disk.
func (s *Store) Save(userID schema.UserID, prefs UserPrefs) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return s.save(userID, prefs)
}

// Update loads, modifies and saves a user's preferences as one step, so
// concurrent playbacks of the same user do not drop each other's changes.
// Unreadable preferences are replaced.
func (s *Store) Update(userID schema.UserID, fn func(*UserPrefs)) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	prefs, _, err := s.Load(userID)
	if err != nil {
		prefs = UserPrefs{}
	}
	fn(&prefs)
	return s.save(userID, prefs)
}

func (s *Store) save(userID schema.UserID, prefs UserPrefs) error {
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err == nil {
		err = writeAtomic(s.pathForUser(userID), data)
	}
	if err != nil {
		s.log.Warn("state save failed", "user", userID, "err", err)
		return err
	}
	s.log.Trace("state save ok", "user", userID, "speed_exp", prefs.SpeedExp)
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "state-*.json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(0o600)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
	}
	return err
}

func (s *Store) pathForUser(userID schema.UserID) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, string(userID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}
