// Package session owns the authoritative session table and each session's
// lifecycle state machine.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shellbox-run/shellbox/pkg/sandbox"
)

// State is a session lifecycle state.
type State string

const (
	// StateStarting means the sandbox exists but initialization has not finished.
	StateStarting State = "starting"
	// StateRunning means the session is live and streaming.
	StateRunning State = "running"
	// StateTimeoutWarning means the idle timeout elapsed and the grace window is running.
	StateTimeoutWarning State = "timeout_warning"
	// StateDestroying means teardown has been claimed by an explicit destroy.
	StateDestroying State = "destroying"
	// StateExpired means teardown has been claimed by the sweep.
	StateExpired State = "expired"
)

// terminal reports whether teardown has already been claimed.
func (s State) terminal() bool {
	return s == StateDestroying || s == StateExpired
}

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when an operation hits a session whose teardown is claimed.
	ErrExpired = errors.New("session expired")
)

// Session is the binding between a client and exactly one sandbox.
type Session struct {
	ID            string
	ClientID      string
	EnvironmentID string
	Sandbox       sandbox.Handle
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	WarnedAt      time.Time
	IdleTimeout   time.Duration
	InitCommands  []string
	InitCompleted bool
	InitSucceeded bool
	State         State
}

// newID returns an unguessable 128-bit session token. Session ids are
// capability tokens, so they must not be derivable from predictable inputs.
func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
