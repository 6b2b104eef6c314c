package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shellbox-run/shellbox/pkg/admission"
	"github.com/shellbox-run/shellbox/pkg/environment"
	"github.com/shellbox-run/shellbox/pkg/sandbox"
)

type fakeProvisioner struct {
	mu        sync.Mutex
	createErr error
	live      map[string]bool
	destroys  int
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{live: make(map[string]bool)}
}

func (f *fakeProvisioner) Create(_ context.Context, _ environment.Environment, sessionID string) (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return sandbox.Handle{}, f.createErr
	}
	id := "ctr-" + sessionID
	f.live[id] = true
	return sandbox.Handle{ContainerID: id, Image: "img"}, nil
}

func (f *fakeProvisioner) Destroy(_ context.Context, handle sandbox.Handle, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	delete(f.live, handle.ContainerID)
	return nil
}

func (f *fakeProvisioner) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeProvisioner) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

type fakeNotifier struct {
	mu       sync.Mutex
	expiring []string
	expired  []string
}

func (n *fakeNotifier) SessionExpiring(id string, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiring = append(n.expiring, id)
}

func (n *fakeNotifier) SessionExpired(id string, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, id)
}

type harness struct {
	mgr     *Manager
	prov    *fakeProvisioner
	ctrl    *admission.Controller
	clock   time.Time
	clockMu sync.Mutex
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.clock = h.clock.Add(d)
	h.clockMu.Unlock()
}

func newHarness(t *testing.T, cfg Config, limits admission.Limits) *harness {
	t.Helper()
	reg, err := environment.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ctrl := admission.NewController(limits, admission.BreakerConfig{
		FailureThreshold: 5,
		SampleWindow:     time.Minute,
		Cooldown:         30 * time.Second,
	})
	prov := newFakeProvisioner()
	mgr := NewManager(cfg, reg, ctrl, prov)

	h := &harness{mgr: mgr, prov: prov, ctrl: ctrl, clock: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)}
	mgr.now = func() time.Time {
		h.clockMu.Lock()
		defer h.clockMu.Unlock()
		return h.clock
	}
	return h
}

func testCfg() Config {
	return Config{
		IdleTimeout:     5 * time.Minute,
		WarningGrace:    time.Minute,
		MaxLifetime:     30 * time.Minute,
		SweepInterval:   30 * time.Second,
		TeardownTimeout: time.Second,
	}
}

func TestCreateRegistersStartingSession(t *testing.T) {
	h := newHarness(t, testCfg(), admission.DefaultLimits())

	sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.State != StateStarting {
		t.Fatalf("new session state = %s, want starting", sess.State)
	}
	if len(sess.ID) != 32 {
		t.Fatalf("session id %q is not a 128-bit hex token", sess.ID)
	}
	if sess.Sandbox.ContainerID == "" {
		t.Fatal("session has no bound sandbox")
	}
	if want := h.clock.Add(30 * time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", sess.ExpiresAt, want)
	}
	if h.mgr.Count() != 1 || h.prov.liveCount() != 1 {
		t.Fatalf("table/sandbox mismatch: %d sessions, %d sandboxes", h.mgr.Count(), h.prov.liveCount())
	}
}

func TestCreateUnknownEnvironmentConsumesNothing(t *testing.T) {
	h := newHarness(t, testCfg(), admission.Limits{SessionsPerHour: 1, ConcurrentSessions: 1, CommandsPerMinute: 1})

	if _, err := h.mgr.Create(context.Background(), "client", "cobol", nil, 0); !errors.Is(err, environment.ErrNotFound) {
		t.Fatalf("expected environment.ErrNotFound, got %v", err)
	}
	// The failed lookup must not have burned the client's only slot.
	if _, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0); err != nil {
		t.Fatalf("Create after failed lookup: %v", err)
	}
}

func TestCreateProvisionFailureLeavesNoState(t *testing.T) {
	h := newHarness(t, testCfg(), admission.Limits{SessionsPerHour: 10, ConcurrentSessions: 1, CommandsPerMinute: 10})
	h.prov.createErr = sandbox.ErrContainerFailed

	if _, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0); !errors.Is(err, sandbox.ErrContainerFailed) {
		t.Fatalf("expected ErrContainerFailed, got %v", err)
	}
	if h.mgr.Count() != 0 {
		t.Fatalf("session persisted after provisioning failure: %d", h.mgr.Count())
	}

	// Concurrent slot was released: the next attempt reaches the provisioner.
	h.prov.createErr = nil
	if _, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0); err != nil {
		t.Fatalf("Create after released slot: %v", err)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	h := newHarness(t, testCfg(), admission.DefaultLimits())
	sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := h.mgr.Destroy(context.Background(), sess.ID, "test"); err != nil {
		t.Fatalf("first Destroy failed: %v", err)
	}
	if err := h.mgr.Destroy(context.Background(), sess.ID, "test"); err != nil {
		t.Fatalf("second Destroy failed: %v", err)
	}
	if h.prov.destroyCount() != 1 {
		t.Fatalf("sandbox destroyed %d times, want 1", h.prov.destroyCount())
	}
	if _, err := h.mgr.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session still present after destroy: %v", err)
	}
}

func TestConcurrentDestroySingleTeardown(t *testing.T) {
	h := newHarness(t, testCfg(), admission.DefaultLimits())
	sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.mgr.Destroy(context.Background(), sess.ID, "race")
		}()
	}
	wg.Wait()

	if h.prov.destroyCount() != 1 {
		t.Fatalf("sandbox destroyed %d times under concurrent destroy, want 1", h.prov.destroyCount())
	}
}

func TestTouchFromWarningReturnsToRunning(t *testing.T) {
	h := newHarness(t, testCfg(), admission.DefaultLimits())
	sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.mgr.MarkRunning(sess.ID, true); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	h.advance(5 * time.Minute)
	h.mgr.Sweep()
	got, err := h.mgr.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != StateTimeoutWarning {
		t.Fatalf("state = %s, want timeout_warning", got.State)
	}

	if err := h.mgr.Touch(sess.ID); err != nil {
		t.Fatalf("Touch from warning failed: %v", err)
	}
	got, _ = h.mgr.Get(sess.ID)
	if got.State != StateRunning {
		t.Fatalf("state after touch = %s, want running", got.State)
	}
}

func TestIdleBoundarySweep(t *testing.T) {
	h := newHarness(t, testCfg(), admission.DefaultLimits())
	notifier := &fakeNotifier{}
	h.mgr.SetNotifier(notifier)

	sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.mgr.MarkRunning(sess.ID, true); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	// Exactly at the idle boundary: warning, not expiry.
	h.advance(5 * time.Minute)
	h.mgr.Sweep()
	got, err := h.mgr.Get(sess.ID)
	if err != nil || got.State != StateTimeoutWarning {
		t.Fatalf("at idle boundary state = %s err = %v, want timeout_warning", got.State, err)
	}
	notifier.mu.Lock()
	warned := len(notifier.expiring)
	notifier.mu.Unlock()
	if warned != 1 {
		t.Fatalf("expiring notices = %d, want 1", warned)
	}

	// Grace elapses with no activity: expired, torn down, removed.
	h.advance(time.Minute)
	h.mgr.Sweep()
	h.mgr.wg.Wait()

	if _, err := h.mgr.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still present: %v", err)
	}
	if h.prov.liveCount() != 0 {
		t.Fatalf("sandbox leaked after expiry: %d live", h.prov.liveCount())
	}
}

func TestNeverAttachedSessionIdleExpires(t *testing.T) {
	h := newHarness(t, testCfg(), admission.Limits{SessionsPerHour: 10, ConcurrentSessions: 1, CommandsPerMinute: 10})
	notifier := &fakeNotifier{}
	h.mgr.SetNotifier(notifier)

	// Created but never attached: no MarkRunning, no Touch. The session must
	// still fall to the idle timeout, not hold its sandbox and the client's
	// only concurrent slot until absolute expiry.
	sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.advance(5 * time.Minute)
	h.mgr.Sweep()
	got, err := h.mgr.Get(sess.ID)
	if err != nil || got.State != StateTimeoutWarning {
		t.Fatalf("idle starting session state = %s err = %v, want timeout_warning", got.State, err)
	}
	notifier.mu.Lock()
	warned := len(notifier.expiring)
	notifier.mu.Unlock()
	if warned != 1 {
		t.Fatalf("expiring notices = %d, want 1", warned)
	}

	h.advance(time.Minute)
	h.mgr.Sweep()
	h.mgr.wg.Wait()

	if _, err := h.mgr.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("never-attached session survived idle expiry: %v", err)
	}
	if h.prov.liveCount() != 0 {
		t.Fatalf("sandbox leaked: %d live", h.prov.liveCount())
	}
	// The concurrent slot is free again.
	if _, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0); err != nil {
		t.Fatalf("Create after idle expiry: %v", err)
	}
}

func TestAbsoluteExpiryWinsOverActivity(t *testing.T) {
	h := newHarness(t, testCfg(), admission.DefaultLimits())
	sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.mgr.MarkRunning(sess.ID, true); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	// Keep the session busy right up to the absolute limit.
	for i := 0; i < 10; i++ {
		h.advance(time.Minute)
		if i < 9 {
			if err := h.mgr.Touch(sess.ID); err != nil {
				t.Fatalf("Touch failed: %v", err)
			}
		}
	}
	h.mgr.Sweep()
	h.mgr.wg.Wait()

	if _, err := h.mgr.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session outlived its absolute expiry: %v", err)
	}
}

func TestNoOrphansInvariant(t *testing.T) {
	h := newHarness(t, testCfg(), admission.Limits{SessionsPerHour: 100, ConcurrentSessions: 100, CommandsPerMinute: 100})

	var ids []string
	for i := 0; i < 5; i++ {
		sess, err := h.mgr.Create(context.Background(), "client", "shell", nil, 0)
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		ids = append(ids, sess.ID)
	}

	if err := h.mgr.Destroy(context.Background(), ids[0], "test"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := h.mgr.Destroy(context.Background(), ids[1], "test"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	// Live sandbox instances always match live table rows.
	if h.mgr.Count() != h.prov.liveCount() {
		t.Fatalf("orphan check failed: %d sessions vs %d sandboxes", h.mgr.Count(), h.prov.liveCount())
	}
}

func TestDrainTearsDownEverything(t *testing.T) {
	h := newHarness(t, testCfg(), admission.DefaultLimits())
	if _, err := h.mgr.Create(context.Background(), "a", "shell", nil, 0); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.mgr.Create(context.Background(), "b", "shell", nil, 0); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.mgr.drain()
	if h.mgr.Count() != 0 || h.prov.liveCount() != 0 {
		t.Fatalf("drain left %d sessions, %d sandboxes", h.mgr.Count(), h.prov.liveCount())
	}
}
