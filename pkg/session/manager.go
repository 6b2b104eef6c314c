package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shellbox-run/shellbox/pkg/admission"
	"github.com/shellbox-run/shellbox/pkg/environment"
	"github.com/shellbox-run/shellbox/pkg/log"
	"github.com/shellbox-run/shellbox/pkg/sandbox"
)

// Provisioner is the slice of the sandbox provisioner the manager needs.
type Provisioner interface {
	Create(ctx context.Context, env environment.Environment, sessionID string) (sandbox.Handle, error)
	Destroy(ctx context.Context, handle sandbox.Handle, timeout time.Duration) error
}

// Notifier receives lifecycle notices so connected clients can be warned
// before hard expiry. Implementations must not block.
type Notifier interface {
	SessionExpiring(sessionID string, deadline time.Time)
	SessionExpired(sessionID string, reason string)
}

// Config tunes session lifecycle timing.
type Config struct {
	IdleTimeout     time.Duration
	WarningGrace    time.Duration
	MaxLifetime     time.Duration
	SweepInterval   time.Duration
	TeardownTimeout time.Duration
}

// DefaultConfig returns the default lifecycle timing.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     5 * time.Minute,
		WarningGrace:    time.Minute,
		MaxLifetime:     30 * time.Minute,
		SweepInterval:   30 * time.Second,
		TeardownTimeout: 10 * time.Second,
	}
}

// Manager drives the session table. All mutations of a single session are
// serialized under the table mutex; the claim helpers make the transition to
// a terminal state atomic so two callers can never both tear down the same
// sandbox.
type Manager struct {
	cfg         Config
	registry    *environment.Registry
	admission   *admission.Controller
	provisioner Provisioner

	mu       sync.Mutex
	sessions map[string]*Session

	notifier Notifier
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewManager builds a manager. notifier may be nil.
func NewManager(cfg Config, registry *environment.Registry, ctrl *admission.Controller, provisioner Provisioner) *Manager {
	return &Manager{
		cfg:         cfg,
		registry:    registry,
		admission:   ctrl,
		provisioner: provisioner,
		sessions:    make(map[string]*Session),
		now:         time.Now,
	}
}

// SetNotifier installs the lifecycle notifier. Must be called before Run.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Create admits, provisions, and registers a new session. On any failure
// nothing is persisted: either the session row and the sandbox both exist
// afterwards, or neither does.
func (m *Manager) Create(ctx context.Context, clientID, environmentID string, initCommands []string, lifetime time.Duration) (Session, error) {
	// Registry lookup is pure, so an unknown environment is rejected before
	// any admission slot is consumed.
	env, err := m.registry.Resolve(environmentID)
	if err != nil {
		return Session{}, err
	}

	if err := m.admission.CheckSessionCreation(clientID); err != nil {
		return Session{}, err
	}

	id, err := newID()
	if err != nil {
		m.admission.SessionClosed(clientID)
		return Session{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	if initCommands == nil {
		initCommands = env.DefaultInit
	}
	if lifetime <= 0 || lifetime > m.cfg.MaxLifetime {
		lifetime = env.DefaultTimeout
	}
	if lifetime > m.cfg.MaxLifetime {
		lifetime = m.cfg.MaxLifetime
	}

	handle, err := m.provisioner.Create(ctx, env, id)
	m.admission.RecordOutcome(err == nil)
	if err != nil {
		m.admission.SessionClosed(clientID)
		return Session{}, err
	}

	now := m.now()
	sess := &Session{
		ID:            id,
		ClientID:      clientID,
		EnvironmentID: environmentID,
		Sandbox:       handle,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(lifetime),
		IdleTimeout:   m.cfg.IdleTimeout,
		InitCommands:  initCommands,
		State:         StateStarting,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	log.Info("session created", "session", id, "client", clientID, "environment", environmentID, "expires_at", sess.ExpiresAt)
	return *sess, nil
}

// Get returns a copy of the session, or ErrNotFound.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

// Touch records activity. Valid from RUNNING or TIMEOUT_WARNING; a touched
// warning session returns to RUNNING.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	switch sess.State {
	case StateRunning:
	case StateTimeoutWarning:
		sess.State = StateRunning
		sess.WarnedAt = time.Time{}
	default:
		if sess.State.terminal() {
			return ErrExpired
		}
		return nil // STARTING: activity is implicit until init completes
	}
	sess.LastActivity = m.now()
	return nil
}

// MarkRunning transitions STARTING to RUNNING once initialization finished.
func (m *Manager) MarkRunning(id string, initSucceeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.State.terminal() {
		return ErrExpired
	}
	if sess.State == StateStarting {
		sess.State = StateRunning
	}
	sess.InitCompleted = true
	sess.InitSucceeded = initSucceeded
	sess.LastActivity = m.now()
	return nil
}

// Count returns the number of sessions whose sandbox is live.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sess := range m.sessions {
		if !sess.State.terminal() {
			n++
		}
	}
	return n
}

// claim atomically moves the session into a terminal state. The first caller
// wins and owns teardown; later callers observe the terminal state and no-op.
func (m *Manager) claim(id string, to State) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.State.terminal() {
		return Session{}, false
	}
	sess.State = to
	return *sess, true
}

// Destroy is the explicit termination path. It is idempotent: destroying an
// unknown or already-claimed session succeeds without a second teardown.
func (m *Manager) Destroy(ctx context.Context, id string, reason string) error {
	sess, ok := m.claim(id, StateDestroying)
	if !ok {
		return nil
	}
	log.Info("session destroy", "session", id, "reason", reason)
	m.finishTeardown(ctx, sess, reason)
	return nil
}

// finishTeardown destroys the sandbox and only then removes the table row,
// so the table never drops a session whose sandbox might still be running.
// Teardown failure is logged as a leak, never surfaced to the caller: from
// the client's perspective the session is gone either way.
func (m *Manager) finishTeardown(ctx context.Context, sess Session, reason string) {
	if err := m.provisioner.Destroy(ctx, sess.Sandbox, m.cfg.TeardownTimeout); err != nil {
		log.Error("session teardown failed", "session", sess.ID, "container", sess.Sandbox.ContainerID, "error", err)
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	m.admission.SessionClosed(sess.ClientID)
	if m.notifier != nil {
		m.notifier.SessionExpired(sess.ID, reason)
	}
}

// Run drives the periodic sweep until ctx is cancelled, then tears down every
// remaining session.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep applies timeout transitions across the table. Absolute expiry wins
// regardless of activity; the idle boundary first moves a session into the
// warning state, and the grace window later expires it.
func (m *Manager) Sweep() {
	now := m.now()

	type expiry struct {
		sess   Session
		reason string
	}
	var expired []expiry

	m.mu.Lock()
	for _, sess := range m.sessions {
		if sess.State.terminal() {
			continue
		}
		if !now.Before(sess.ExpiresAt) {
			sess.State = StateExpired
			expired = append(expired, expiry{*sess, "max lifetime reached"})
			continue
		}
		switch sess.State {
		case StateStarting, StateRunning:
			// STARTING counts too: a session that was created but never
			// attached must not hold its sandbox until absolute expiry.
			if now.Sub(sess.LastActivity) >= sess.IdleTimeout {
				sess.State = StateTimeoutWarning
				sess.WarnedAt = now
				if m.notifier != nil {
					m.notifier.SessionExpiring(sess.ID, now.Add(m.cfg.WarningGrace))
				}
			}
		case StateTimeoutWarning:
			if now.Sub(sess.WarnedAt) >= m.cfg.WarningGrace {
				sess.State = StateExpired
				expired = append(expired, expiry{*sess, "idle timeout"})
			}
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		log.Info("session expired", "session", e.sess.ID, "reason", e.reason)
		m.wg.Add(1)
		go func(e expiry) {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout+5*time.Second)
			defer cancel()
			m.finishTeardown(ctx, e.sess, e.reason)
		}(e)
	}
}

// drain tears down everything at shutdown.
func (m *Manager) drain() {
	m.mu.Lock()
	var claimed []Session
	for _, sess := range m.sessions {
		if !sess.State.terminal() {
			sess.State = StateDestroying
			claimed = append(claimed, *sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range claimed {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout+5*time.Second)
		m.finishTeardown(ctx, sess, "server shutdown")
		cancel()
	}
	m.wg.Wait()
}
