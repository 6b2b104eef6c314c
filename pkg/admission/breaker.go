package admission

import (
	"fmt"
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig tunes the provisioning circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within SampleWindow that opens the breaker.
	FailureThreshold int
	// SampleWindow bounds how long a recorded failure counts against the threshold.
	SampleWindow time.Duration
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SampleWindow:     2 * time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a global failure-rate tripwire over provisioning outcomes.
// Closed admits everything. Open rejects until the cooldown elapses, then a
// half-open state admits exactly one probe whose outcome closes or re-opens it.
type Breaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         breakerState
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
	now           func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = DefaultBreakerConfig().SampleWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether new work may proceed. In half-open state it admits a
// single probe; concurrent callers are rejected until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		now := b.now()
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			remaining := b.cfg.Cooldown - now.Sub(b.openedAt)
			return fmt.Errorf("%w: provisioning backend unhealthy, retry in %s", ErrCircuitOpen, remaining.Round(time.Second))
		}
		b.state = breakerHalfOpen
		b.probeInFlight = true
		return nil
	case breakerHalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordOutcome feeds one provisioning result into the breaker.
func (b *Breaker) RecordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == breakerHalfOpen {
		b.probeInFlight = false
		if success {
			b.state = breakerClosed
			b.failures = nil
			return
		}
		b.state = breakerOpen
		b.openedAt = now
		return
	}

	if success {
		// A success interrupts the failure run.
		b.failures = nil
		return
	}

	b.failures = prune(b.failures, now.Add(-b.cfg.SampleWindow))
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = now
		b.failures = nil
	}
}

// ProbeAborted returns a half-open probe slot without recording an outcome.
// Used when admission fails after the breaker already admitted the caller.
func (b *Breaker) ProbeAborted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.probeInFlight = false
	}
}

// Status reports whether the breaker currently rejects work and why.
func (b *Breaker) Status() (open bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != breakerOpen {
		return false, ""
	}
	now := b.now()
	if now.Sub(b.openedAt) >= b.cfg.Cooldown {
		return false, ""
	}
	remaining := b.cfg.Cooldown - now.Sub(b.openedAt)
	return true, fmt.Sprintf("provisioning backend unhealthy, retry in %s", remaining.Round(time.Second))
}
