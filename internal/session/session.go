// Package session builds the process-wide Audit Session stamped onto every
// emitted node and edge: a random session id, the invoking user's id, and
// the browser's reported user agent.
package session

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// DefaultUserID is used when the HOSTNAME environment variable is unset or
// empty.
const DefaultUserID = "default-user-ID"

// Context is the read-only audit session handed to constructors at init.
// It is never mutated after New returns, per the design note that this
// must be a read-only value rather than mutable module-level storage.
type Context struct {
	SessionID string
	UserID    string
	UserAgent string
}

// New creates the Audit Session. userAgent is the browser's reported
// user-agent string (typically obtained from the handshake package); any
// ";" in it is replaced with ":" so it cannot corrupt the Relation
// Writer's semicolon-delimited columns.
func New(userAgent string) Context {
	return Context{
		SessionID: newSessionID(),
		UserID:    userID(),
		UserAgent: sanitizeUserAgent(userAgent),
	}
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func userID() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	return DefaultUserID
}

func sanitizeUserAgent(ua string) string {
	return strings.ReplaceAll(ua, ";", ":")
}
