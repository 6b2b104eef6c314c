// Package admission gates resource-consuming operations behind per-client rate
// limits and a global circuit breaker. All state is in-memory and ephemeral.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrRateLimited means the client exceeded a sliding-window rate cap.
	ErrRateLimited = errors.New("rate limited")
	// ErrConcurrentSessionCap means the client holds the maximum number of open sessions.
	ErrConcurrentSessionCap = errors.New("concurrent session cap reached")
	// ErrCircuitOpen means the provisioning backend is unhealthy and new work is refused.
	ErrCircuitOpen = errors.New("circuit open")
)

const (
	sessionWindow = time.Hour
	commandWindow = time.Minute
)

// Limits configures the per-client rate limiter.
type Limits struct {
	SessionsPerHour    int
	ConcurrentSessions int
	CommandsPerMinute  int
}

// DefaultLimits returns the default per-client limits.
func DefaultLimits() Limits {
	return Limits{
		SessionsPerHour:    10,
		ConcurrentSessions: 2,
		CommandsPerMinute:  60,
	}
}

type clientWindow struct {
	sessionStarts []time.Time
	commands      []time.Time
	openSessions  int
}

// Limiter tracks sliding-window counters per client identifier. Entries older
// than their window are evicted lazily on each check.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	clients map[string]*clientWindow
	now     func() time.Time
}

// NewLimiter creates a limiter with the given limits.
func NewLimiter(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

func (l *Limiter) client(id string) *clientWindow {
	cw, ok := l.clients[id]
	if !ok {
		cw = &clientWindow{}
		l.clients[id] = cw
	}
	return cw
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}

// ReserveSession admits a session creation for clientID and reserves its
// concurrent-session slot. The concurrent cap is checked before the hourly cap.
// Callers must pair a successful reservation with ReleaseSession.
func (l *Limiter) ReserveSession(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cw := l.client(clientID)
	cw.sessionStarts = prune(cw.sessionStarts, now.Add(-sessionWindow))

	if cw.openSessions >= l.limits.ConcurrentSessions {
		return fmt.Errorf("%w: %d sessions already open", ErrConcurrentSessionCap, cw.openSessions)
	}
	if len(cw.sessionStarts) >= l.limits.SessionsPerHour {
		return fmt.Errorf("%w: %d sessions started in the last hour", ErrRateLimited, len(cw.sessionStarts))
	}

	cw.sessionStarts = append(cw.sessionStarts, now)
	cw.openSessions++
	return nil
}

// ReleaseSession frees a concurrent-session slot for clientID.
func (l *Limiter) ReleaseSession(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cw, ok := l.clients[clientID]
	if !ok || cw.openSessions == 0 {
		return
	}
	cw.openSessions--
	if cw.openSessions == 0 && len(cw.sessionStarts) == 0 && len(cw.commands) == 0 {
		delete(l.clients, clientID)
	}
}

// CheckCommand admits one command submission for clientID.
func (l *Limiter) CheckCommand(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cw := l.client(clientID)
	cw.commands = prune(cw.commands, now.Add(-commandWindow))

	if len(cw.commands) >= l.limits.CommandsPerMinute {
		return fmt.Errorf("%w: %d commands in the last minute", ErrRateLimited, len(cw.commands))
	}
	cw.commands = append(cw.commands, now)
	return nil
}

// OpenSessions reports the reserved concurrent-session count for clientID.
func (l *Limiter) OpenSessions(clientID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cw, ok := l.clients[clientID]
	if !ok {
		return 0
	}
	return cw.openSessions
}
