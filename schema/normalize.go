package schema

import "strings"

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}

// ValidateRecordingID checks a tlog recording id.
// Allowed characters: A-Z, a-z, 0-9, '-', '_', '.'. Recording ids end up in
// archive file names, so path separators are rejected.
func ValidateRecordingID(id RecordingID) error {
	raw := string(id)
	if raw == "" || len(raw) > 128 {
		return ErrInvalidRecording
	}
	if raw == "." || raw == ".." {
		return ErrInvalidRecording
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return ErrInvalidRecording
		}
	}
	return nil
}
