// Package auth stores viewer accounts: bcrypt passwords, TOTP secrets, SSH
// login keys and the allow lists that decide whose recordings a viewer sees.
package auth

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
	"syscall"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/schema"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTOTP        = errors.New("invalid totp")
)

// User represents a stored viewer account.
type User struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	TOTPSecret   string   `json:"totp_secret"`
	LoginPubKeys []string `json:"login_pubkeys,omitempty"`
	// Allowed lists the recorded users, or path.Match patterns over them,
	// whose sessions this viewer may play.
	Allowed []string `json:"allowed,omitempty"`
}

// userFile is the on-disk document. Files holding a bare JSON array of users
// are read as version 0.
type userFile struct {
	Version int    `json:"version"`
	Users   []User `json:"users"`
}

const userFileVersion = 1

// Store manages users stored on disk. Every call first picks up changes made
// to the file by other processes, such as the users CLI.
type Store struct {
	path string
	log  pslog.Logger

	mu    sync.RWMutex
	users map[string]User
	state fileState
}

// NewStore loads or seeds the user store.
func NewStore(path string, seeds []appconfig.SeedUser) (*Store, error) {
	return NewStoreWithLogger(path, seeds, nil)
}

// NewStoreWithLogger loads or seeds the user store with logging.
func NewStoreWithLogger(path string, seeds []appconfig.SeedUser, logger pslog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("user file path is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Store{
		path:  path,
		log:   logger.With("user_file", path),
		users: make(map[string]User),
	}
	if err := s.seed(seeds); err != nil {
		s.log.Warn("auth store init failed", "err", err)
		return nil, err
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func validateUsername(username string) (string, error) {
	if err := schema.ValidateUserID(schema.UserID(username)); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return username, nil
}

// lookup returns a copy of the named user after refreshing from disk.
func (s *Store) lookup(username string) (User, error) {
	if err := s.refresh(); err != nil {
		return User{}, err
	}
	if _, err := validateUsername(username); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// update applies fn to the named user and persists the result. The action
// names the change in log lines.
func (s *Store) update(username, action string, fn func(*User) error) error {
	if err := s.refresh(); err != nil {
		return err
	}
	if _, err := validateUsername(username); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if err := fn(&user); err != nil {
		return err
	}
	s.users[username] = user
	if err := s.saveLocked(); err != nil {
		s.log.Warn("auth "+action+" failed", "user", username, "err", err)
		return err
	}
	s.log.Info("auth "+action+" ok", "user", username)
	return nil
}

// seed writes the seed users when the file does not exist yet.
func (s *Store) seed(seeds []appconfig.SeedUser) error {
	if _, err := os.Stat(s.path); err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	users := make([]User, 0, len(seeds))
	for _, seed := range seeds {
		if _, err := validateUsername(seed.Username); err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
		users = append(users, User{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
			Allowed:      slices.Clone(seed.Allowed),
		})
	}
	if err := writeUserFile(s.path, users); err != nil {
		return err
	}
	s.log.Info("auth store initialized", "users", len(users))
	return nil
}

func (s *Store) saveLocked() error {
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	if err := writeUserFile(s.path, users); err != nil {
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	s.state = fileStateFromInfo(info)
	s.log.Debug("auth store save ok", "users", len(users))
	return nil
}

func writeUserFile(path string, users []User) error {
	slices.SortFunc(users, func(a, b User) int { return strings.Compare(a.Username, b.Username) })
	data, err := json.MarshalIndent(userFile{Version: userFileVersion, Users: users}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "users-*.json")
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

func parseUserFile(data []byte) ([]User, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var users []User
		err := json.Unmarshal(data, &users)
		return users, err
	}
	var file userFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Version > userFileVersion {
		return nil, fmt.Errorf("unsupported user file version %d", file.Version)
	}
	return file.Users, nil
}

// fileState identifies one revision of the user file.
type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{modTime: info.ModTime(), size: info.Size()}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
		state.dev = uint64(stat.Dev)
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size && s.modTime.Equal(other.modTime) && s.inode == other.inode && s.dev == other.dev
}

func (s *Store) refresh() error {
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Warn("auth store stat failed", "err", err)
		return err
	}
	s.mu.RLock()
	current := s.state
	s.mu.RUnlock()
	if current.equal(fileStateFromInfo(info)) {
		return nil
	}
	return s.reload()
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Warn("auth store load failed", "err", err)
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Warn("auth store load failed", "err", err)
		return err
	}
	users, err := parseUserFile(data)
	if err != nil {
		s.log.Warn("auth store load failed", "err", err)
		return err
	}
	next := make(map[string]User, len(users))
	for _, user := range users {
		if _, err := validateUsername(user.Username); err != nil {
			s.log.Warn("auth store load failed", "err", err)
			return err
		}
		next[user.Username] = user
	}
	s.mu.Lock()
	s.users = next
	s.state = fileStateFromInfo(info)
	s.mu.Unlock()
	s.log.Debug("auth store load ok", "users", len(next))
	return nil
}
