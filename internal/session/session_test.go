package session

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSanitizesUserAgentSemicolons(t *testing.T) {
	t.Parallel()
	sess := New("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	require.NotContains(t, sess.UserAgent, ";")
	require.Equal(t, "Mozilla/5.0 (X11: Linux x86_64) AppleWebKit/537.36", sess.UserAgent)
}

func TestNewSessionIDIsThirtyTwoHexChars(t *testing.T) {
	t.Parallel()
	sess := New("")
	require.Len(t, sess.SessionID, 32)
	require.NotContains(t, sess.SessionID, "-")
}

func TestNewUsesHostnameWhenSet(t *testing.T) {
	old, had := os.LookupEnv("HOSTNAME")
	os.Setenv("HOSTNAME", "worker-7")
	defer func() {
		if had {
			os.Setenv("HOSTNAME", old)
		} else {
			os.Unsetenv("HOSTNAME")
		}
	}()

	sess := New("")
	require.Equal(t, "worker-7", sess.UserID)
}

func TestNewFallsBackToDefaultUserID(t *testing.T) {
	old, had := os.LookupEnv("HOSTNAME")
	os.Unsetenv("HOSTNAME")
	defer func() {
		if had {
			os.Setenv("HOSTNAME", old)
		}
	}()

	sess := New("")
	require.Equal(t, DefaultUserID, sess.UserID)
}

func TestNewSessionIDsAreUnique(t *testing.T) {
	t.Parallel()
	a := New("")
	b := New("")
	require.NotEqual(t, a.SessionID, b.SessionID)
}
