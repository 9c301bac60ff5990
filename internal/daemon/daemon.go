// Package daemon wires the backend pool, the session registry and the
// generation pipeline into the single object the HTTP layer talks to.
package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/claim"
	"gend/internal/generate"
	"gend/internal/pool"
	"gend/pkg/types"
)

// sessionOwner tags sessions minted through the HTTP API.
const sessionOwner = "http"

// Config carries the daemon's collaborators.
type Config struct {
	Pool      *pool.Orchestrator
	Sessions  *claim.Registry
	Generator *generate.Generator
	Logger    *zerolog.Logger
}

// Daemon implements the HTTP service surface.
type Daemon struct {
	pool     *pool.Orchestrator
	sessions *claim.Registry
	gen      *generate.Generator
	log      zerolog.Logger
	started  time.Time
}

// New builds a Daemon. All collaborators are required except the logger.
func New(cfg Config) *Daemon {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Daemon{
		pool:     cfg.Pool,
		sessions: cfg.Sessions,
		gen:      cfg.Generator,
		log:      log,
		started:  time.Now(),
	}
}

// Generate runs a generation request to completion and returns its outputs.
func (d *Daemon) Generate(ctx context.Context, req types.GenerateRequest, sessionToken string) ([]types.GenerateOutput, error) {
	sess := d.sessions.Get(sessionToken, sessionOwner)
	sess.Touch()
	return d.gen.Generate(ctx, req, sess)
}

// GenerateStream runs a generation request, emitting progress events as
// they happen.
func (d *Daemon) GenerateStream(ctx context.Context, req types.GenerateRequest, sessionToken string, emit func(types.GenerateEvent)) error {
	sess := d.sessions.Get(sessionToken, sessionOwner)
	sess.Touch()
	return d.gen.GenerateStream(ctx, req, sess, emit)
}

// CancelSession cancels every claim under the session token. Returns false
// when the token is unknown.
func (d *Daemon) CancelSession(token string) bool {
	sess, ok := d.sessions.Lookup(token)
	if !ok {
		return false
	}
	d.log.Info().Str("session", token).Msg("cancelling session")
	sess.Cancel()
	return true
}

// Status reports pool and session state for GET /status.
func (d *Daemon) Status() types.StatusResponse {
	totals := d.sessions.Totals()
	now := time.Now()
	return types.StatusResponse{
		Backends: d.Backends(),
		Sessions: d.sessions.Len(),
		Counts: types.SessionCounts{
			Queued:         totals.Queued,
			ModelLoading:   totals.ModelLoading,
			BackendWaiting: totals.BackendWaiting,
			Running:        totals.Running,
		},
		UptimeSeconds:  int64(now.Sub(d.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Backends lists the pool entries.
func (d *Daemon) Backends() []types.BackendInfo {
	views := d.pool.Views()
	out := make([]types.BackendInfo, 0, len(views))
	for _, v := range views {
		out = append(out, backendInfo(v))
	}
	return out
}

// AddBackend registers a new backend with the pool.
func (d *Daemon) AddBackend(req types.AddBackendRequest) (types.BackendInfo, error) {
	v, err := d.pool.AddBackend(req.Type, req.Title, pool.Settings{Address: req.Address}, req.Enabled)
	if err != nil {
		return types.BackendInfo{}, err
	}
	d.log.Info().Int("id", v.ID).Str("type", v.TypeID).Str("address", v.Address).Msg("backend added")
	return backendInfo(v), nil
}

// RemoveBackend drops a backend from the pool. Unknown ids are a no-op.
func (d *Daemon) RemoveBackend(id int) {
	d.pool.RemoveBackend(id)
}

// SetBackendEnabled toggles a backend. Returns false for unknown ids.
func (d *Daemon) SetBackendEnabled(id int, enabled bool) bool {
	return d.pool.SetEnabled(id, enabled)
}

// InterruptAll asks every running backend to abort its current job.
func (d *Daemon) InterruptAll(ctx context.Context) {
	d.pool.InterruptAll(ctx)
}

// Ready reports whether at least one backend is running.
func (d *Daemon) Ready() bool {
	for _, v := range d.pool.Views() {
		if v.Status == pool.StatusRunning {
			return true
		}
	}
	return false
}

func backendInfo(v pool.EntryView) types.BackendInfo {
	return types.BackendInfo{
		ID:           v.ID,
		Title:        v.Title,
		Type:         v.TypeID,
		Address:      v.Address,
		Enabled:      v.Enabled,
		Status:       string(v.Status),
		CurrentModel: v.CurrentModel,
		InUse:        v.InUse,
		UsageCount:   v.UsageCount,
		Queue:        types.BackendQueue{Pending: v.Queue.Pending, Running: v.Queue.Running},
		LastError:    v.LastError,
	}
}
