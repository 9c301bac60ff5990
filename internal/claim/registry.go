package claim

import (
	"sync"
	"time"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	evictTick          = time.Minute
)

// Registry owns the live sessions keyed by token and evicts sessions that
// have been idle (no live claims, no recent activity) past the timeout.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	quit        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewRegistry constructs a registry and starts its eviction loop.
// idleTimeout <= 0 selects the package default.
func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	r := &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		quit:        make(chan struct{}),
	}
	r.wg.Add(1)
	go r.evictLoop()
	return r
}

// Get returns the session for token, creating it on first use.
func (r *Registry) Get(token, owner string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[token]; ok {
		s.Touch()
		return s
	}
	s := NewSession(token, owner)
	r.sessions[token] = s
	return s
}

// Lookup returns the session for token without creating one.
func (r *Registry) Lookup(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Totals returns the counter aggregate over every live session.
func (r *Registry) Totals() Counts {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	var total Counts
	for _, s := range sessions {
		total = total.Add(s.Counts())
	}
	return total
}

// Close stops the eviction loop and cancels every live session.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()
		r.mu.Lock()
		for token, s := range r.sessions {
			s.Cancel()
			delete(r.sessions, token)
		}
		r.mu.Unlock()
	})
}

func (r *Registry) evictLoop() {
	defer r.wg.Done()
	t := time.NewTicker(evictTick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.evictIdle(time.Now())
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, s := range r.sessions {
		last, idle := s.idleSince()
		if idle && now.Sub(last) >= r.idleTimeout {
			s.Cancel()
			delete(r.sessions, token)
		}
	}
}
