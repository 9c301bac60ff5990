package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gend/internal/backend"
)

// Access is exclusive use of one granted pool entry until Release.
type Access struct {
	o *Orchestrator
	e *entry

	mu       sync.Mutex
	released bool
}

// ID returns the granted entry's identity.
func (a *Access) ID() int { return a.e.id }

// Title returns the granted entry's human title.
func (a *Access) Title() string { return a.e.title }

// CurrentModel returns the model currently held by the granted backend.
func (a *Access) CurrentModel() string {
	a.o.mu.Lock()
	defer a.o.mu.Unlock()
	return a.e.currentModel
}

// LoadModel switches the backend to name. It only issues a load call when
// the backend holds a different model. A failure marks the entry but keeps
// it in the pool.
func (a *Access) LoadModel(ctx context.Context, name string) error {
	a.o.mu.Lock()
	current := a.e.currentModel
	a.o.mu.Unlock()
	if current == name {
		return nil
	}
	if err := a.e.conn.LoadModel(ctx, name); err != nil {
		a.o.mu.Lock()
		a.e.lastErr = err.Error()
		a.o.mu.Unlock()
		return modelLoadFailedError{model: name, cause: err}
	}
	a.o.mu.Lock()
	a.e.currentModel = name
	a.e.lastErr = ""
	a.o.mu.Unlock()
	a.o.cfg.Logger.Info().Int("id", a.e.id).Str("model", name).Msg("model loaded")
	return nil
}

// QueueJob submits a job payload over the entry's job channel.
func (a *Access) QueueJob(ctx context.Context, payload json.RawMessage, hooks backend.JobHooks) (backend.QueueResult, error) {
	return a.e.conn.QueueJob(ctx, payload, hooks)
}

// WaitForCompletion waits for a job queued on this entry to resolve.
func (a *Access) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (backend.Outcome, error) {
	return a.e.conn.WaitForCompletion(ctx, jobID, timeout)
}

// Release returns the entry to the pool. Only the first call has effect.
func (a *Access) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.mu.Unlock()
	a.o.mu.Lock()
	a.e.inUse = false
	a.o.mu.Unlock()
	backendsInUseGauge.Dec()
}
