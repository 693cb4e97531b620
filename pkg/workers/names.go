package workers

import (
	"fmt"
	"strings"
)

// Internal-name markers. The primary instance of a base is indexed under the
// base name itself; pool copies are "<base>#<k>" and session-owned copies
// are "<base>@<session-prefix>". Names carrying either marker are never
// written back to the store.
const (
	scaledSep  = "#"
	sessionSep = "@"

	// SessionPrefixLen is how much of a session id is embedded in a
	// session-owned instance name.
	SessionPrefixLen = 8
)

// ScaledName builds the internal name for pool copy k of base.
func ScaledName(base string, k int) string {
	return fmt.Sprintf("%s%s%d", base, scaledSep, k)
}

// SessionName builds the internal name for the session-owned copy of base.
func SessionName(base, sessionID string) string {
	return base + sessionSep + SessionPrefix(sessionID)
}

// SessionPrefix returns the portion of a session id used in instance names.
func SessionPrefix(sessionID string) string {
	if len(sessionID) <= SessionPrefixLen {
		return sessionID
	}
	return sessionID[:SessionPrefixLen]
}

// BaseName extracts the declared base name from any internal name.
func BaseName(internal string) string {
	if i := strings.IndexAny(internal, scaledSep+sessionSep); i >= 0 {
		return internal[:i]
	}
	return internal
}

// IsDerivedName reports whether internal names a pool copy or a
// session-owned copy rather than a primary.
func IsDerivedName(internal string) bool {
	return strings.ContainsAny(internal, scaledSep+sessionSep)
}

// IsSessionName reports whether internal names a session-owned copy.
func IsSessionName(internal string) bool {
	return strings.Contains(internal, sessionSep)
}

// IsScaledName reports whether internal names a pool copy.
func IsScaledName(internal string) bool {
	return strings.Contains(internal, scaledSep)
}
