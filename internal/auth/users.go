package auth

import (
	"bytes"
	"errors"
	"slices"
	"strings"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"pkt.systems/tlogplay/schema"
)

// Authenticate verifies username, password and TOTP code.
func (s *Store) Authenticate(username, password, totpCode string) error {
	user, err := s.lookup(username)
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidUsername) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	if !totp.Validate(totpCode, user.TOTPSecret) {
		return ErrInvalidTOTP
	}
	return nil
}

// ValidateTOTP verifies a code against the user's stored secret.
func (s *Store) ValidateTOTP(username string, totpCode string) error {
	user, err := s.lookup(username)
	if errors.Is(err, ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if !totp.Validate(totpCode, user.TOTPSecret) {
		return ErrInvalidTOTP
	}
	return nil
}

// LoadUsers returns a snapshot of users ordered by name.
func (s *Store) LoadUsers() []User {
	if err := s.refresh(); err != nil {
		s.log.Warn("auth store refresh failed", "err", err)
	}
	s.mu.RLock()
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	s.mu.RUnlock()
	slices.SortFunc(users, func(a, b User) int { return strings.Compare(a.Username, b.Username) })
	return users
}

// AddUser inserts a new user and persists the store.
func (s *Store) AddUser(user User) error {
	if err := s.refresh(); err != nil {
		return err
	}
	if _, err := validateUsername(user.Username); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return ErrUserExists
	}
	s.users[user.Username] = user
	if err := s.saveLocked(); err != nil {
		delete(s.users, user.Username)
		s.log.Warn("auth user add failed", "user", user.Username, "err", err)
		return err
	}
	s.log.Info("auth user add ok", "user", user.Username, "allowed", user.Allowed)
	return nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(username string) error {
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
	delete(s.users, username)
	if err := s.saveLocked(); err != nil {
		s.users[username] = user
		s.log.Warn("auth user delete failed", "user", username, "err", err)
		return err
	}
	s.log.Info("auth user delete ok", "user", username)
	return nil
}

// UpdatePassword replaces the stored password hash.
func (s *Store) UpdatePassword(username, passwordHash string) error {
	if strings.TrimSpace(passwordHash) == "" {
		return errors.New("password hash is required")
	}
	return s.update(username, "password update", func(u *User) error {
		u.PasswordHash = passwordHash
		return nil
	})
}

// UpdateTOTP replaces the stored TOTP secret.
func (s *Store) UpdateTOTP(username, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("totp secret is required")
	}
	return s.update(username, "totp update", func(u *User) error {
		u.TOTPSecret = secret
		return nil
	})
}

// AddLoginPubKey adds a login public key for a user and returns its 1-based index.
func (s *Store) AddLoginPubKey(userID schema.UserID, pubKey string) (int, error) {
	normalized, parsed, err := parseLoginPubKey(pubKey)
	if err != nil {
		return 0, err
	}
	var index int
	err = s.update(string(userID), "pubkey add", func(u *User) error {
		for i, existing := range u.LoginPubKeys {
			if keyEqual(existing, parsed) {
				index = i + 1
				return errors.New("login pubkey already exists")
			}
		}
		u.LoginPubKeys = append(u.LoginPubKeys, normalized)
		index = len(u.LoginPubKeys)
		return nil
	})
	return index, err
}

// ListLoginPubKeys returns the user's login public keys.
func (s *Store) ListLoginPubKeys(userID schema.UserID) ([]string, error) {
	user, err := s.lookup(string(userID))
	if err != nil {
		return nil, err
	}
	return slices.Clone(user.LoginPubKeys), nil
}

// RemoveLoginPubKey removes the login public key at the provided 1-based index.
func (s *Store) RemoveLoginPubKey(userID schema.UserID, index int) error {
	if index <= 0 {
		return errors.New("login pubkey id must be positive")
	}
	return s.update(string(userID), "pubkey remove", func(u *User) error {
		if index > len(u.LoginPubKeys) {
			return errors.New("login pubkey id out of range")
		}
		u.LoginPubKeys = slices.Delete(u.LoginPubKeys, index-1, index)
		return nil
	})
}

// HasLoginPubKey reports whether the provided key is authorized for the user.
func (s *Store) HasLoginPubKey(userID schema.UserID, key ssh.PublicKey) (bool, error) {
	user, err := s.lookup(string(userID))
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(user.LoginPubKeys, func(raw string) bool { return keyEqual(raw, key) }), nil
}

func parseLoginPubKey(raw string) (string, ssh.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil, errors.New("pubkey is required")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil {
		return "", nil, errors.New("invalid pubkey")
	}
	return trimmed, key, nil
}

func keyEqual(raw string, key ssh.PublicKey) bool {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
	return err == nil && bytes.Equal(parsed.Marshal(), key.Marshal())
}
