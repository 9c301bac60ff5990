package claim

import (
	"sync"
	"time"

	"gend/internal/cancel"
)

// Session aggregates the claims belonging to one client context. Its
// counters are the sum over all live claims, maintained under a single
// per-session lock so concurrent claims of the same session stay
// consistent. Cancelling a session cancels every live claim's scope.
type Session struct {
	token string
	owner string
	scope *cancel.Scope

	mu       sync.Mutex
	counts   Counts
	claims   map[int64]*Claim
	lastUsed time.Time
}

// NewSession creates a standalone session. Most callers should go through
// a Registry instead so idle sessions get evicted.
func NewSession(token, owner string) *Session {
	return &Session{
		token:    token,
		owner:    owner,
		scope:    cancel.NewScope(),
		claims:   make(map[int64]*Claim),
		lastUsed: time.Now(),
	}
}

// Token returns the externally generated session identity.
func (s *Session) Token() string { return s.token }

// Owner returns the owner identity the session was created for.
func (s *Session) Owner() string { return s.owner }

// Scope returns the session's cancellation scope.
func (s *Session) Scope() *cancel.Scope { return s.scope }

// NewClaim opens a claim against this session. The claim's scope is
// derived from the session scope, so cancelling the session cancels it.
func (s *Session) NewClaim(meta map[string]string) *Claim {
	c := &Claim{
		id:      nextClaimID.Add(1),
		session: s,
		scope:   s.scope.Derive(),
		created: time.Now(),
		meta:    meta,
	}
	s.mu.Lock()
	s.claims[c.id] = c
	s.lastUsed = time.Now()
	s.mu.Unlock()
	return c
}

// Counts returns a snapshot of the aggregate counters.
func (s *Session) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// ClaimCount returns the number of live claims.
func (s *Session) ClaimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

// Cancel cancels the session scope and, through scope derivation, every
// live claim. It does not dispose the claims; their owners still do that.
func (s *Session) Cancel() { s.scope.Cancel() }

// Touch refreshes the idle timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed, len(s.claims) == 0
}
