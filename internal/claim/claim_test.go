package claim

import (
	"sync"
	"testing"
	"time"
)

func TestExtendMirrorsOntoSession(t *testing.T) {
	s := NewSession("tok", "alice")
	c := s.NewClaim(nil)
	if err := c.Extend(Counts{Queued: 4}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := c.Extend(Counts{BackendWaiting: 1}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	want := Counts{Queued: 4, BackendWaiting: 1}
	if got := c.Counts(); got != want {
		t.Fatalf("claim counts = %+v want %+v", got, want)
	}
	if got := s.Counts(); got != want {
		t.Fatalf("session counts = %+v want %+v", got, want)
	}
}

func TestSessionAggregatesAcrossClaims(t *testing.T) {
	s := NewSession("tok", "alice")
	a := s.NewClaim(nil)
	b := s.NewClaim(nil)
	if a.ID() == b.ID() {
		t.Fatalf("claim ids must be unique")
	}
	if err := a.Extend(Counts{Queued: 2}); err != nil {
		t.Fatalf("extend a: %v", err)
	}
	if err := b.Extend(Counts{Running: 3}); err != nil {
		t.Fatalf("extend b: %v", err)
	}
	if got, want := s.Counts(), (Counts{Queued: 2, Running: 3}); got != want {
		t.Fatalf("session counts = %+v want %+v", got, want)
	}
	a.Dispose()
	if got, want := s.Counts(), (Counts{Running: 3}); got != want {
		t.Fatalf("after dispose a: session counts = %+v want %+v", got, want)
	}
}

func TestCompleteAndTransitionToLive(t *testing.T) {
	s := NewSession("tok", "alice")
	c := s.NewClaim(nil)
	if err := c.Extend(Counts{Queued: 2}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := c.TransitionToLive(2); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got, want := c.Counts(), (Counts{Running: 2}); got != want {
		t.Fatalf("counts = %+v want %+v", got, want)
	}
	if err := c.Complete(Counts{Running: 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got, want := s.Counts(), (Counts{Running: 1}); got != want {
		t.Fatalf("session counts = %+v want %+v", got, want)
	}
}

func TestExtendRejectsNegative(t *testing.T) {
	s := NewSession("tok", "alice")
	c := s.NewClaim(nil)
	if err := c.Extend(Counts{Queued: 1}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	err := c.Complete(Counts{Queued: 2})
	if err == nil || !IsNegativeCount(err) {
		t.Fatalf("expected negative count error, got %v", err)
	}
	// Failed delta must leave both sides untouched.
	if got, want := s.Counts(), (Counts{Queued: 1}); got != want {
		t.Fatalf("session counts = %+v want %+v", got, want)
	}
}

func TestDisposeIdempotentAndRestoresBaseline(t *testing.T) {
	s := NewSession("tok", "alice")
	base := s.Counts()
	c := s.NewClaim(nil)
	if err := c.Extend(Counts{Queued: 3, ModelLoading: 1, BackendWaiting: 1}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	c.Dispose()
	c.Dispose()
	if got := s.Counts(); got != base {
		t.Fatalf("session counts after dispose = %+v want baseline %+v", got, base)
	}
	if s.ClaimCount() != 0 {
		t.Fatalf("claim map should be empty after dispose")
	}
	if err := c.Extend(Counts{Queued: 1}); err == nil || !IsClaimDisposed(err) {
		t.Fatalf("expected claim disposed error, got %v", err)
	}
}

func TestSessionCancelCascadesToClaims(t *testing.T) {
	s := NewSession("tok", "alice")
	c := s.NewClaim(nil)
	s.Cancel()
	select {
	case <-c.Scope().Done():
	case <-time.After(time.Second):
		t.Fatalf("claim scope not cancelled by session cancel")
	}
}

func TestClaimCancelDoesNotCancelSession(t *testing.T) {
	s := NewSession("tok", "alice")
	c := s.NewClaim(nil)
	c.Cancel()
	if s.Scope().Cancelled() {
		t.Fatalf("claim cancel must not cancel session")
	}
}

func TestConcurrentExtendsStayConsistent(t *testing.T) {
	s := NewSession("tok", "alice")
	const claims = 8
	const rounds = 200
	var wg sync.WaitGroup
	for i := 0; i < claims; i++ {
		c := s.NewClaim(nil)
		wg.Add(1)
		go func(c *Claim) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if err := c.Extend(Counts{Queued: 1}); err != nil {
					t.Errorf("extend: %v", err)
					return
				}
				if err := c.Complete(Counts{Queued: 1}); err != nil {
					t.Errorf("complete: %v", err)
					return
				}
			}
			c.Dispose()
		}(c)
	}
	wg.Wait()
	if got := s.Counts(); !got.IsZero() {
		t.Fatalf("session counts should be zero, got %+v", got)
	}
}

func TestRegistryGetAndEvict(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	defer r.Close()
	s := r.Get("tok", "alice")
	if again := r.Get("tok", "bob"); again != s {
		t.Fatalf("Get must return the same session for one token")
	}
	// A session with a live claim is never evicted.
	c := s.NewClaim(nil)
	r.evictIdle(time.Now().Add(time.Hour))
	if _, ok := r.Lookup("tok"); !ok {
		t.Fatalf("session with live claim was evicted")
	}
	c.Dispose()
	r.evictIdle(time.Now().Add(time.Hour))
	if _, ok := r.Lookup("tok"); ok {
		t.Fatalf("idle session was not evicted")
	}
	if !s.Scope().Cancelled() {
		t.Fatalf("evicted session must be cancelled")
	}
}

func TestRegistryTotals(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Close()
	a := r.Get("a", "alice").NewClaim(nil)
	b := r.Get("b", "bob").NewClaim(nil)
	if err := a.Extend(Counts{Queued: 1}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := b.Extend(Counts{Running: 2}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got, want := r.Totals(), (Counts{Queued: 1, Running: 2}); got != want {
		t.Fatalf("totals = %+v want %+v", got, want)
	}
}
