package avatar

import "strings"

const sessionDelimiter = "_"

// sessionBase strips the cosmetic suffix (usually a timestamp) from a session id.
func sessionBase(sessionID string) string {
	base, _, _ := strings.Cut(strings.TrimSpace(sessionID), sessionDelimiter)
	return base
}

// NormalizeAvatarID trims id and falls back to fallback when id is empty or carries
// characters the streaming API does not accept.
func NormalizeAvatarID(id, fallback string) string {
	id = strings.Trim(strings.TrimSpace(id), `"'`)
	if id == "" || !validAvatarID(id) {
		return strings.TrimSpace(fallback)
	}
	return id
}

func validAvatarID(id string) bool {
	if len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}
