package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/backend"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMatchInterval = 100 * time.Millisecond
	defaultMaxWait       = 60 * time.Second
	initScanInterval     = time.Second
)

// Config encapsulates the orchestrator tunables.
type Config struct {
	// MatchInterval is the fixed cadence of the matching loop.
	MatchInterval time.Duration
	// DefaultMaxWait bounds RequestBackend when the request sets none.
	DefaultMaxWait time.Duration
	// StatePath is the pool persistence file. Empty disables persistence.
	StatePath string
	Logger    zerolog.Logger
}

// Request asks the orchestrator for exclusive access to one backend.
type Request struct {
	// Model prefers backends that already hold this model. Empty means any.
	Model string
	// Filter drops candidate entries it returns false for. Optional.
	Filter func(EntryView) bool
	// MaxWait bounds the wait; zero selects the configured default.
	MaxWait time.Duration
	// NotifyWillLoad fires exactly once, before the request commits to a
	// backend that must load the model first. It runs inside the matching
	// loop: keep it fast and do not call back into the orchestrator.
	NotifyWillLoad func()
}

type pendingRequest struct {
	id       int64
	req      Request
	notified bool
	granted  bool
	result   chan *Access // buffered 1, written at most once
}

// statusNotifier is implemented by connections that push queue-depth
// updates; the orchestrator subscribes each entry's snapshot to it.
type statusNotifier interface {
	SetStatusFunc(func(backend.QueueStatus))
}

// downNotifier is implemented by connections that can go permanently
// down; the orchestrator marks such entries errored.
type downNotifier interface {
	Down() <-chan struct{}
}

// Orchestrator owns the backend pool and a queue of pending backend
// requests, and pairs them on a fixed-interval matching loop. Pool entry
// state is mutated only under o.mu by the loop and by Access methods.
type Orchestrator struct {
	cfg Config

	mu        sync.Mutex
	types     map[string]ConnFactory
	entries   map[int]*entry
	nextID    int
	pending   []*pendingRequest
	nextReqID int64
	dirty     bool
	shutdown  bool

	wakeInit chan struct{}
	done     chan struct{} // closed on shutdown; fails pending waits
	quit     chan struct{} // stops background loops
	wg       sync.WaitGroup
}

// New constructs an orchestrator and starts its matching and init loops.
// Register backend types and (optionally) LoadState before adding traffic.
func New(cfg Config) *Orchestrator {
	if cfg.MatchInterval <= 0 {
		cfg.MatchInterval = defaultMatchInterval
	}
	if cfg.DefaultMaxWait <= 0 {
		cfg.DefaultMaxWait = defaultMaxWait
	}
	o := &Orchestrator{
		cfg:      cfg,
		types:    make(map[string]ConnFactory),
		entries:  make(map[int]*entry),
		nextID:   1,
		wakeInit: make(chan struct{}, 1),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
	o.wg.Add(2)
	go o.matchLoop()
	go o.initLoop()
	return o
}

// RegisterType makes typeID available to AddBackend and LoadState.
func (o *Orchestrator) RegisterType(typeID string, f ConnFactory) {
	o.mu.Lock()
	o.types[typeID] = f
	o.mu.Unlock()
}

// AddBackend validates the type, allocates an identity and, when enabled,
// queues the entry for asynchronous initialization.
func (o *Orchestrator) AddBackend(typeID, title string, s Settings, enabled bool) (EntryView, error) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return EntryView{}, shuttingDownError{}
	}
	f, ok := o.types[typeID]
	o.mu.Unlock()
	if !ok {
		return EntryView{}, unknownBackendTypeError{typeID: typeID}
	}
	conn, err := f(s)
	if err != nil {
		return EntryView{}, err
	}
	e := &entry{
		title:    title,
		typeID:   typeID,
		settings: s,
		conn:     conn,
		enabled:  enabled,
		status:   StatusUninitialized,
	}
	if !enabled {
		e.status = StatusDisabled
	}
	o.mu.Lock()
	e.id = o.nextID
	o.nextID++
	o.entries[e.id] = e
	o.dirty = true
	view := e.view()
	o.mu.Unlock()
	o.subscribeConn(e)
	o.saveState()
	if enabled {
		o.wakeInitLoop()
	}
	o.cfg.Logger.Info().Int("id", view.ID).Str("type", typeID).Str("title", title).
		Bool("enabled", enabled).Msg("backend added")
	return view, nil
}

// RemoveBackend shuts the entry's connection down and removes it.
// A missing id is a no-op.
func (o *Orchestrator) RemoveBackend(id int) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if ok {
		delete(o.entries, id)
		o.dirty = true
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	_ = e.conn.Close()
	o.saveState()
	o.cfg.Logger.Info().Int("id", id).Msg("backend removed")
}

// SetEnabled flips an entry's enabled flag. Re-enabling an errored or
// disabled entry sends it back through initialization.
func (o *Orchestrator) SetEnabled(id int, enabled bool) bool {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	e.enabled = enabled
	if enabled && e.status != StatusRunning {
		e.status = StatusUninitialized
	}
	if !enabled {
		e.status = StatusDisabled
	}
	o.dirty = true
	o.mu.Unlock()
	o.saveState()
	if enabled {
		o.wakeInitLoop()
	}
	return true
}

// Views returns a snapshot of every pool entry, lowest id first.
func (o *Orchestrator) Views() []EntryView {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EntryView, 0, len(o.entries))
	for id := 1; id < o.nextID; id++ {
		if e, ok := o.entries[id]; ok {
			out = append(out, e.view())
		}
	}
	return out
}

// RequestBackend registers a pending request and blocks the caller until a
// matching entry is granted, maxWait elapses (Timeout), ctx is cancelled
// (Cancelled), or the orchestrator shuts down (ShuttingDown).
func (o *Orchestrator) RequestBackend(ctx context.Context, req Request) (*Access, error) {
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = o.cfg.DefaultMaxWait
	}
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil, shuttingDownError{}
	}
	o.nextReqID++
	pr := &pendingRequest{id: o.nextReqID, req: req, result: make(chan *Access, 1)}
	o.pending = append(o.pending, pr)
	pendingRequestsGauge.Inc()
	o.mu.Unlock()

	// One immediate pass keeps grant latency below the loop interval.
	o.matchOnce()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case a := <-pr.result:
		return a, nil
	case <-timer.C:
		if a, ok := o.takeGrantOrRemove(pr); ok {
			// The grant won the race; use it.
			return a, nil
		}
		return nil, timeoutError{}
	case <-ctx.Done():
		if a, ok := o.takeGrantOrRemove(pr); ok {
			a.Release()
		}
		return nil, cancelledError{}
	case <-o.done:
		if a, ok := o.takeGrantOrRemove(pr); ok {
			a.Release()
		}
		return nil, shuttingDownError{}
	}
}

// takeGrantOrRemove settles the race between a grant and an abandoning
// waiter. Grants are committed under o.mu, so exactly one side wins: either
// the grant is returned here, or the request leaves the queue and no grant
// can happen later.
func (o *Orchestrator) takeGrantOrRemove(pr *pendingRequest) (*Access, bool) {
	o.mu.Lock()
	if pr.granted {
		o.mu.Unlock()
		return <-pr.result, true
	}
	for i, p := range o.pending {
		if p == pr {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			pendingRequestsGauge.Dec()
			break
		}
	}
	o.mu.Unlock()
	return nil, false
}

// InterruptAll fans an interrupt out to every backend. Per-backend
// failures are logged, never propagated.
func (o *Orchestrator) InterruptAll(ctx context.Context) {
	o.mu.Lock()
	conns := make(map[int]Conn, len(o.entries))
	for id, e := range o.entries {
		if e.status == StatusRunning {
			conns[id] = e.conn
		}
	}
	o.mu.Unlock()
	for id, conn := range conns {
		if err := conn.Interrupt(ctx); err != nil {
			o.cfg.Logger.Warn().Err(err).Int("id", id).Msg("interrupt failed")
		}
	}
}

// Shutdown marks the orchestrator terminal, fails every pending request,
// closes every connection and persists the pool if it changed.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	dropped := len(o.pending)
	o.pending = nil
	pendingRequestsGauge.Sub(float64(dropped))
	conns := make([]Conn, 0, len(o.entries))
	for _, e := range o.entries {
		conns = append(conns, e.conn)
	}
	o.mu.Unlock()
	close(o.done)
	close(o.quit)
	o.wg.Wait()
	for _, conn := range conns {
		_ = conn.Close()
	}
	o.saveState()
	o.cfg.Logger.Info().Int("dropped_requests", dropped).Msg("orchestrator shut down")
}

func (o *Orchestrator) wakeInitLoop() {
	select {
	case o.wakeInit <- struct{}{}:
	default:
	}
}

// matchLoop runs the matching algorithm on a fixed low-latency interval
// rather than purely on events, so entry state changed outside the request
// path (init completion, release, re-enable) is picked up too.
func (o *Orchestrator) matchLoop() {
	defer o.wg.Done()
	t := time.NewTicker(o.cfg.MatchInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			o.matchOnce()
		case <-o.quit:
			return
		}
	}
}

// matchOnce pairs queued requests with eligible entries. A request that
// cannot be served stays queued; serving one request never aborts the
// others.
func (o *Orchestrator) matchOnce() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown {
		return
	}
	remaining := o.pending[:0]
	for _, pr := range o.pending {
		e := o.pickLocked(pr)
		if e == nil {
			remaining = append(remaining, pr)
			continue
		}
		e.inUse = true
		e.usageCount++
		pr.granted = true
		pr.result <- &Access{o: o, e: e}
		pendingRequestsGauge.Dec()
		grantsTotal.Inc()
		backendsInUseGauge.Inc()
	}
	o.pending = remaining
}

// pickLocked selects the entry to grant pr, or nil if none qualifies.
// Entries already holding the requested model win outright and skip the
// will-load notification; otherwise the lowest usage count wins, ties
// broken by lowest id to bound starvation.
func (o *Orchestrator) pickLocked(pr *pendingRequest) *entry {
	var candidates []*entry
	for id := 1; id < o.nextID; id++ {
		e, ok := o.entries[id]
		if !ok || !e.eligible() {
			continue
		}
		if pr.req.Filter != nil && !pr.req.Filter(e.view()) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}
	if pr.req.Model != "" {
		var loaded []*entry
		for _, e := range candidates {
			if e.currentModel == pr.req.Model {
				loaded = append(loaded, e)
			}
		}
		if len(loaded) > 0 {
			return leastUsed(loaded)
		}
	}
	// The notification means "a model load is coming"; a request with no
	// model never loads one.
	if pr.req.Model != "" && pr.req.NotifyWillLoad != nil && !pr.notified {
		pr.notified = true
		pr.req.NotifyWillLoad()
	}
	return leastUsed(candidates)
}

func leastUsed(entries []*entry) *entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.usageCount < best.usageCount ||
			(e.usageCount == best.usageCount && e.id < best.id) {
			best = e
		}
	}
	return best
}

// initLoop initializes enabled, uninitialized entries off the request
// path. It wakes on demand and rescans periodically as a safety net.
func (o *Orchestrator) initLoop() {
	defer o.wg.Done()
	t := time.NewTicker(initScanInterval)
	defer t.Stop()
	for {
		select {
		case <-o.wakeInit:
		case <-t.C:
		case <-o.quit:
			return
		}
		o.initPending()
	}
}

func (o *Orchestrator) initPending() {
	o.mu.Lock()
	var todo []*entry
	for _, e := range o.entries {
		if e.enabled && e.status == StatusUninitialized {
			todo = append(todo, e)
		}
	}
	o.mu.Unlock()
	for _, e := range todo {
		o.initEntry(e)
	}
}

func (o *Orchestrator) initEntry(e *entry) {
	o.refreshDownConn(e)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.conn.Connect(ctx)
	if err == nil && !e.conn.Ping(ctx) {
		err = errors.New("backend ping failed")
	}
	o.mu.Lock()
	if err != nil {
		e.status = StatusErrored
		e.lastErr = err.Error()
	} else {
		e.status = StatusRunning
		e.lastErr = ""
	}
	id := e.id
	o.mu.Unlock()
	if err != nil {
		o.cfg.Logger.Warn().Err(err).Int("id", id).Msg("backend init failed")
		return
	}
	o.watchDown(e)
	o.cfg.Logger.Info().Int("id", id).Msg("backend running")
}

// refreshDownConn rebuilds the entry's connection from its type's factory
// when the previous one went permanently down. Connect on a dead job
// channel can never succeed, so re-enabling an errored entry depends on a
// fresh connection.
func (o *Orchestrator) refreshDownConn(e *entry) {
	dn, ok := e.conn.(downNotifier)
	if !ok {
		return
	}
	select {
	case <-dn.Down():
	default:
		return
	}
	o.mu.Lock()
	f, ok := o.types[e.typeID]
	o.mu.Unlock()
	if !ok {
		return
	}
	conn, err := f(e.settings)
	if err != nil {
		o.mu.Lock()
		e.lastErr = err.Error()
		o.mu.Unlock()
		return
	}
	_ = e.conn.Close()
	o.mu.Lock()
	e.conn = conn
	o.mu.Unlock()
	o.subscribeConn(e)
	o.cfg.Logger.Info().Int("id", e.id).Msg("backend connection rebuilt")
}

// subscribeConn wires push notifications the connection offers into the
// entry's bookkeeping.
func (o *Orchestrator) subscribeConn(e *entry) {
	if sn, ok := e.conn.(statusNotifier); ok {
		sn.SetStatusFunc(func(qs backend.QueueStatus) {
			o.mu.Lock()
			e.queue = qs
			o.mu.Unlock()
		})
	}
}

// watchDown marks the entry errored when its job channel goes permanently
// down, excluding it from matching until it is re-enabled.
func (o *Orchestrator) watchDown(e *entry) {
	dn, ok := e.conn.(downNotifier)
	if !ok {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-dn.Down():
			o.mu.Lock()
			e.status = StatusErrored
			e.lastErr = "backend disconnected"
			o.mu.Unlock()
			o.cfg.Logger.Error().Int("id", e.id).Msg("backend channel lost, entry errored")
		case <-o.quit:
		}
	}()
}
