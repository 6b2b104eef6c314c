package admission

// Controller combines the per-client rate limiter with the global circuit
// breaker. It is the single gate consulted before any sandbox is created.
type Controller struct {
	limiter *Limiter
	breaker *Breaker
}

// NewController wires a limiter and breaker into one admission gate.
func NewController(limits Limits, breakerCfg BreakerConfig) *Controller {
	return &Controller{
		limiter: NewLimiter(limits),
		breaker: NewBreaker(breakerCfg),
	}
}

// CheckSessionCreation admits a new session for clientID and reserves its
// concurrent slot. Check order: circuit breaker first (cheap, protects a
// failing backend), then the per-client caps.
func (c *Controller) CheckSessionCreation(clientID string) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}
	if err := c.limiter.ReserveSession(clientID); err != nil {
		// The breaker may have admitted a half-open probe; a rate-limit
		// denial is not a provisioning outcome, so hand the slot back.
		c.breaker.ProbeAborted()
		return err
	}
	return nil
}

// CheckCommand admits one command submission for clientID.
func (c *Controller) CheckCommand(clientID string) error {
	return c.limiter.CheckCommand(clientID)
}

// RecordOutcome feeds a provisioning result into the breaker.
func (c *Controller) RecordOutcome(success bool) {
	c.breaker.RecordOutcome(success)
}

// SessionClosed releases clientID's concurrent-session slot.
func (c *Controller) SessionClosed(clientID string) {
	c.limiter.ReleaseSession(clientID)
}

// Status reports the breaker state for the status endpoint.
func (c *Controller) Status() (open bool, reason string) {
	return c.breaker.Status()
}
