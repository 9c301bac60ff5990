package generate

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/backend"
	"gend/internal/claim"
	"gend/internal/pool"
	"gend/pkg/types"
)

const defaultJobTimeout = 10 * time.Minute

// Config encapsulates the facade tunables.
type Config struct {
	Pool *pool.Orchestrator
	// Builder turns request parameters into the opaque job payload sent
	// to a backend.
	Builder PayloadBuilder
	// JobTimeout bounds the wait for each submitted job.
	JobTimeout time.Duration
	// PreGenerate, when set, runs after the claim is opened and before
	// any backend is requested.
	PreGenerate func(ctx context.Context, req *types.GenerateRequest) error
	Logger      zerolog.Logger
}

// Generator sequences one generation request: claim, backend acquisition,
// model load, job submission, completion streaming, release. Every exit
// path releases the backend and disposes the claim exactly once.
type Generator struct {
	cfg Config
}

// New constructs a Generator.
func New(cfg Config) *Generator {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Builder == nil {
		cfg.Builder = defaultBuilder{}
	}
	return &Generator{cfg: cfg}
}

// Generate runs one request to completion and returns the batch result.
func (g *Generator) Generate(ctx context.Context, req types.GenerateRequest, sess *claim.Session) ([]types.GenerateOutput, error) {
	var outs []types.GenerateOutput
	sink := newSyncSink(func(ev types.GenerateEvent) {
		if ev.Kind == types.EventImage && ev.Output != nil {
			outs = append(outs, *ev.Output)
		}
	})
	err := g.run(ctx, req, sess, sink)
	if err != nil {
		return nil, err
	}
	return outs, nil
}

// GenerateStream runs one request, emitting a lifecycle event per
// transition. Exactly one terminal event is emitted: "complete" or
// "error". The returned error mirrors the terminal event.
func (g *Generator) GenerateStream(ctx context.Context, req types.GenerateRequest, sess *claim.Session, emit func(types.GenerateEvent)) error {
	// The same serialized sink carries the terminal event: progress and
	// preview hooks can still be in flight on the job channel's read
	// goroutine when run returns with an error.
	sink := newSyncSink(emit)
	err := g.run(ctx, req, sess, sink)
	if err != nil {
		sink(types.GenerateEvent{Kind: types.EventError, Error: err.Error()})
	}
	return err
}

// run is the single sequencing path shared by both variants. The claim is
// disposed and the backend access released via defers, so all branches,
// including panics unwinding through here, give the reservation back.
func (g *Generator) run(ctx context.Context, req types.GenerateRequest, sess *claim.Session, emit func(types.GenerateEvent)) error {
	n := req.Images
	if n <= 0 {
		n = 1
	}

	c := sess.NewClaim(map[string]string{"model": req.Model})
	defer c.Dispose()

	// Cancelling the session or the claim unwinds every wait below.
	ctx, cancel := joinScope(ctx, c.Scope())
	defer cancel()

	emit(types.GenerateEvent{Kind: types.EventStarted})
	if err := c.Extend(claim.Counts{Queued: n}); err != nil {
		return err
	}
	if g.cfg.PreGenerate != nil {
		if err := g.cfg.PreGenerate(ctx, &req); err != nil {
			return err
		}
	}

	if err := c.Extend(claim.Counts{BackendWaiting: 1}); err != nil {
		return err
	}
	emit(types.GenerateEvent{Kind: types.EventWaitingBackend})
	var loading bool
	maxWait := time.Duration(req.MaxWaitSeconds) * time.Second
	acc, err := g.cfg.Pool.RequestBackend(ctx, pool.Request{
		Model:   req.Model,
		MaxWait: maxWait,
		NotifyWillLoad: func() {
			loading = true
			_ = c.Extend(claim.Counts{ModelLoading: 1})
		},
	})
	if err != nil {
		return err
	}
	defer acc.Release()
	_ = c.Complete(claim.Counts{BackendWaiting: 1})

	if loading {
		emit(types.GenerateEvent{Kind: types.EventLoadingModel, BackendID: acc.ID()})
	}
	if req.Model != "" {
		if err := acc.LoadModel(ctx, req.Model); err != nil {
			return err
		}
	}
	if loading {
		_ = c.Complete(claim.Counts{ModelLoading: 1})
	}

	if err := c.TransitionToLive(n); err != nil {
		return err
	}
	emit(types.GenerateEvent{Kind: types.EventGenerating, BackendID: acc.ID()})

	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano() & 0x7fffffff
	}
	var outputs []types.GenerateOutput
	for i := 0; i < n; i++ {
		imageSeed := seed + int64(i)
		payload, err := g.cfg.Builder.Build(req, i, imageSeed)
		if err != nil {
			return err
		}
		current := i + 1
		qr, err := acc.QueueJob(ctx, payload, backend.JobHooks{
			OnProgress: func(p backend.Progress) {
				emit(types.GenerateEvent{Kind: types.EventProgress, BackendID: acc.ID(), Progress: &types.Progress{
					CurrentStep:  p.Value,
					TotalSteps:   p.Max,
					CurrentImage: current,
					TotalImages:  n,
				}})
			},
			OnPreview: func(frame []byte) {
				emit(types.GenerateEvent{Kind: types.EventPreview, BackendID: acc.ID(),
					PreviewB64: base64.StdEncoding.EncodeToString(frame)})
			},
		})
		if err != nil {
			return err
		}
		oc, err := acc.WaitForCompletion(ctx, qr.JobID, g.cfg.JobTimeout)
		if err != nil {
			return err
		}
		for _, img := range oc.Images {
			out := types.GenerateOutput{
				Filename:    img.Filename,
				Seed:        imageSeed,
				TimestampMs: time.Now().UnixMilli(),
			}
			outputs = append(outputs, out)
			emit(types.GenerateEvent{Kind: types.EventImage, BackendID: acc.ID(), Output: &out})
		}
		_ = c.Complete(claim.Counts{Running: 1})
	}
	emit(types.GenerateEvent{Kind: types.EventComplete, BackendID: acc.ID(), Outputs: outputs})
	return nil
}

// newSyncSink serializes emits: progress and preview hooks fire on the
// job channel's read goroutine while the sequencing goroutine emits
// lifecycle events.
func newSyncSink(sink func(types.GenerateEvent)) func(types.GenerateEvent) {
	var mu sync.Mutex
	return func(ev types.GenerateEvent) {
		mu.Lock()
		defer mu.Unlock()
		sink(ev)
	}
}

// joinScope returns a context cancelled when either ctx or scope is done.
func joinScope(ctx context.Context, scope interface{ Done() <-chan struct{} }) (context.Context, context.CancelFunc) {
	joined, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-scope.Done():
			cancel()
		case <-joined.Done():
		}
	}()
	return joined, cancel
}
