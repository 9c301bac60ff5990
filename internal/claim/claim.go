package claim

import (
	"sync/atomic"
	"time"

	"gend/internal/cancel"
)

var nextClaimID atomic.Int64

// Claim is a resource reservation for one in-flight generation request.
// It mirrors every counter delta onto its owning Session, so the Session's
// aggregate counters are always the sum over its live Claims. A Claim does
// not own the Session; the back-reference exists only for counter updates.
type Claim struct {
	id      int64
	session *Session
	scope   *cancel.Scope
	created time.Time
	meta    map[string]string

	// guarded by session.mu
	counts   Counts
	disposed bool
}

// ID returns the process-unique claim identity.
func (c *Claim) ID() int64 { return c.id }

// Scope returns the claim's cancellation scope, derived from the session's.
func (c *Claim) Scope() *cancel.Scope { return c.scope }

// Created returns the claim creation time.
func (c *Claim) Created() time.Time { return c.created }

// Meta returns the free-form metadata attached at creation.
func (c *Claim) Meta() map[string]string { return c.meta }

// Counts returns a snapshot of the claim's phase counters.
func (c *Claim) Counts() Counts {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.counts
}

// Extend applies delta to the claim and the session in one step. It fails
// if the claim is disposed or if any counter would go negative; on failure
// neither the claim nor the session is changed.
func (c *Claim) Extend(delta Counts) error {
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.disposed {
		return claimDisposedError{id: c.id}
	}
	next := c.counts.Add(delta)
	if next.anyNegative() {
		return negativeCountError{id: c.id}
	}
	c.counts = next
	s.counts = s.counts.Add(delta)
	s.lastUsed = time.Now()
	return nil
}

// Complete is Extend with the delta negated; it marks a phase as finished.
func (c *Claim) Complete(delta Counts) error {
	return c.Extend(delta.Neg())
}

// TransitionToLive moves n units from queued to running atomically.
func (c *Claim) TransitionToLive(n int) error {
	return c.Extend(Counts{Queued: -n, Running: n})
}

// Cancel cancels only this claim's scope, not the whole session.
func (c *Claim) Cancel() { c.scope.Cancel() }

// Dispose releases the reservation. The first call subtracts every still
// outstanding counter from the session and removes the claim from the
// session's claim map; later calls are no-ops. All paths that create a
// claim must route through Dispose or the session counters leak.
func (c *Claim) Dispose() {
	s := c.session
	s.mu.Lock()
	if c.disposed {
		s.mu.Unlock()
		return
	}
	c.disposed = true
	s.counts = s.counts.Add(c.counts.Neg())
	c.counts = Counts{}
	delete(s.claims, c.id)
	s.lastUsed = time.Now()
	s.mu.Unlock()
	c.scope.Cancel()
}
