package cancel

import "context"

// Scope is a shareable cancellation flag. Scopes form a hierarchy: a scope
// derived from a parent is cancelled as soon as the parent is, even if the
// child itself was never cancelled directly. Once cancelled a scope never
// becomes uncancelled again.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScope returns a root scope with no parent.
func NewScope() *Scope {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scope{ctx: ctx, cancel: cancel}
}

// Derive returns a child scope. Cancelling the parent cancels the child;
// cancelling the child leaves the parent untouched.
func (s *Scope) Derive() *Scope {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Scope{ctx: ctx, cancel: cancel}
}

// Cancel sets the flag and releases all current and future waiters.
// Safe to call more than once.
func (s *Scope) Cancel() { s.cancel() }

// Cancelled reports whether this scope or any ancestor has been cancelled.
func (s *Scope) Cancelled() bool { return s.ctx.Err() != nil }

// Done returns a channel closed the first time this scope (or an ancestor)
// is cancelled.
func (s *Scope) Done() <-chan struct{} { return s.ctx.Done() }

// Context exposes the scope as a context for APIs that select on one.
// The returned context carries no values and no deadline.
func (s *Scope) Context() context.Context { return s.ctx }
