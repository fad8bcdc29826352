package auth

import (
	"errors"
	"path"
	"slices"
	"strings"

	"pkt.systems/tlogplay/schema"
)

// AllUsers in a viewer's allow list grants access to every recording.
const AllUsers = "*"

// CanView reports whether viewer may play recordings of the recorded user.
// Viewers always see their own sessions. Allow-list entries are literal
// names or path.Match patterns such as "svc-*".
func (s *Store) CanView(viewer schema.UserID, recorded string) bool {
	if recorded == "" {
		return false
	}
	if string(viewer) == recorded {
		return true
	}
	user, err := s.lookup(string(viewer))
	if err != nil {
		return false
	}
	return allowedBy(user.Allowed, recorded)
}

func allowedBy(patterns []string, recorded string) bool {
	for _, pattern := range patterns {
		if pattern == AllUsers || pattern == recorded {
			return true
		}
		if ok, err := path.Match(pattern, recorded); err == nil && ok {
			return true
		}
	}
	return false
}

// Allow adds a recorded user or pattern to the viewer's allow list.
func (s *Store) Allow(username, recorded string) error {
	recorded = strings.TrimSpace(recorded)
	if recorded == "" {
		return errors.New("recorded user is required")
	}
	if _, err := path.Match(recorded, ""); err != nil {
		return errors.New("invalid allow pattern")
	}
	return s.update(username, "allow", func(u *User) error {
		if !slices.Contains(u.Allowed, recorded) {
			u.Allowed = append(u.Allowed, recorded)
			slices.Sort(u.Allowed)
		}
		return nil
	})
}

// Deny removes a recorded user or pattern from the viewer's allow list.
func (s *Store) Deny(username, recorded string) error {
	recorded = strings.TrimSpace(recorded)
	if recorded == "" {
		return errors.New("recorded user is required")
	}
	return s.update(username, "deny", func(u *User) error {
		u.Allowed = slices.DeleteFunc(u.Allowed, func(v string) bool { return v == recorded })
		return nil
	})
}
