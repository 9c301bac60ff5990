package pool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gend/internal/backend"
)

// fakeConn is an in-process backend connection for pool tests.
type fakeConn struct {
	mu         sync.Mutex
	pingOK     bool
	connectErr error
	loadErr    error
	loaded     []string
	interrupts int
	intErr     error
	closed     bool
}

func (f *fakeConn) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeConn) Ping(ctx context.Context) bool { return f.pingOK }

func (f *fakeConn) LoadModel(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, name)
	return nil
}

func (f *fakeConn) QueueJob(ctx context.Context, payload json.RawMessage, hooks backend.JobHooks) (backend.QueueResult, error) {
	return backend.QueueResult{JobID: "job-1"}, nil
}

func (f *fakeConn) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (backend.Outcome, error) {
	return backend.Outcome{JobID: jobID}, nil
}

func (f *fakeConn) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intErr != nil {
		return f.intErr
	}
	f.interrupts++
	return nil
}

func (f *fakeConn) QueueStatus(ctx context.Context) (backend.QueueStatus, error) {
	return backend.QueueStatus{}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newTestOrchestrator(t *testing.T, statePath string) *Orchestrator {
	t.Helper()
	o := New(Config{MatchInterval: 10 * time.Millisecond, DefaultMaxWait: 2 * time.Second, StatePath: statePath})
	o.RegisterType("fake", func(s Settings) (Conn, error) {
		return &fakeConn{pingOK: true}, nil
	})
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o
}

func addRunning(t *testing.T, o *Orchestrator, title string) EntryView {
	t.Helper()
	v, err := o.AddBackend("fake", title, Settings{Address: "http://127.0.0.1:1"}, true)
	if err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	waitFor(t, func() bool {
		for _, ev := range o.Views() {
			if ev.ID == v.ID && ev.Status == StatusRunning {
				return true
			}
		}
		return false
	})
	return v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func setUsage(o *Orchestrator, id int, n uint64) {
	o.mu.Lock()
	o.entries[id].usageCount = n
	o.mu.Unlock()
}

func setModel(o *Orchestrator, id int, model string) {
	o.mu.Lock()
	o.entries[id].currentModel = model
	o.mu.Unlock()
}

func TestAddBackendUnknownType(t *testing.T) {
	o := newTestOrchestrator(t, "")
	_, err := o.AddBackend("nope", "x", Settings{}, true)
	if !IsUnknownBackendType(err) {
		t.Fatalf("expected unknown backend type, got %v", err)
	}
}

func TestRemoveBackendMissingIsNoop(t *testing.T) {
	o := newTestOrchestrator(t, "")
	o.RemoveBackend(99)
}

func TestGrantPrefersLowestUsageThenLowestID(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b1 := addRunning(t, o, "b1")
	b2 := addRunning(t, o, "b2")
	setUsage(o, b1.ID, 3)
	setUsage(o, b2.ID, 1)

	a, err := o.RequestBackend(context.Background(), Request{})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	if a.ID() != b2.ID {
		t.Fatalf("granted %d, want lowest-usage %d", a.ID(), b2.ID)
	}
	a.Release()

	// Equal usage: lowest id wins.
	setUsage(o, b1.ID, 2)
	setUsage(o, b2.ID, 2)
	a, err = o.RequestBackend(context.Background(), Request{})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	if a.ID() != b1.ID {
		t.Fatalf("granted %d, want lowest-id %d", a.ID(), b1.ID)
	}
	a.Release()
}

func TestModelAffinitySkipsWillLoad(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b1 := addRunning(t, o, "b1")
	b2 := addRunning(t, o, "b2")
	setModel(o, b2.ID, "X")
	setUsage(o, b2.ID, 100) // affinity must beat usage ordering

	notified := 0
	a, err := o.RequestBackend(context.Background(), Request{Model: "X", NotifyWillLoad: func() { notified++ }})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	defer a.Release()
	if a.ID() != b2.ID {
		t.Fatalf("granted %d, want model holder %d", a.ID(), b2.ID)
	}
	if notified != 0 {
		t.Fatalf("notifyWillLoad fired %d times for a zero-cost grant", notified)
	}
	_ = b1
}

func TestWillLoadFiresOncePerRequest(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b := addRunning(t, o, "b1")
	notified := 0
	a, err := o.RequestBackend(context.Background(), Request{Model: "X", NotifyWillLoad: func() { notified++ }})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	defer a.Release()
	if a.ID() != b.ID {
		t.Fatalf("granted %d, want %d", a.ID(), b.ID)
	}
	if notified != 1 {
		t.Fatalf("notifyWillLoad fired %d times, want 1", notified)
	}
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	o := newTestOrchestrator(t, "")
	_, err := o.RequestBackend(context.Background(), Request{MaxWait: 30 * time.Millisecond})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	o.mu.Lock()
	n := len(o.pending)
	o.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending queue not cleaned up, len=%d", n)
	}
	// A backend appearing later must not produce a phantom grant.
	b := addRunning(t, o, "b1")
	time.Sleep(50 * time.Millisecond)
	for _, v := range o.Views() {
		if v.ID == b.ID && v.InUse {
			t.Fatalf("timed-out request still claimed a backend")
		}
	}
}

func TestRequestObservesCancellation(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := o.RequestBackend(ctx, Request{MaxWait: 5 * time.Second})
	if !IsCancelled(err) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestShutdownFailsPending(t *testing.T) {
	o := New(Config{MatchInterval: 10 * time.Millisecond})
	errc := make(chan error, 1)
	go func() {
		_, err := o.RequestBackend(context.Background(), Request{MaxWait: 10 * time.Second})
		errc <- err
	}()
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.pending) == 1
	})
	o.Shutdown(context.Background())
	if err := <-errc; !IsShuttingDown(err) {
		t.Fatalf("expected shutting down, got %v", err)
	}
	if _, err := o.RequestBackend(context.Background(), Request{}); !IsShuttingDown(err) {
		t.Fatalf("post-shutdown request: got %v", err)
	}
}

func TestReleaseMakesEntryEligibleAgain(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b := addRunning(t, o, "b1")
	a, err := o.RequestBackend(context.Background(), Request{})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	if _, err := o.RequestBackend(context.Background(), Request{MaxWait: 30 * time.Millisecond}); !IsTimeout(err) {
		t.Fatalf("expected timeout while in use, got %v", err)
	}
	a.Release()
	a.Release() // second release is a no-op
	a2, err := o.RequestBackend(context.Background(), Request{})
	if err != nil {
		t.Fatalf("RequestBackend after release: %v", err)
	}
	defer a2.Release()
	if a2.ID() != b.ID {
		t.Fatalf("granted %d, want %d", a2.ID(), b.ID)
	}
	if got := a2.e.usageCount; got != 2 {
		t.Fatalf("usage count = %d, want 2", got)
	}
}

func TestLoadModelSkipsWhenAlreadyHeld(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b := addRunning(t, o, "b1")
	a, err := o.RequestBackend(context.Background(), Request{})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	defer a.Release()
	if err := a.LoadModel(context.Background(), "X"); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if err := a.LoadModel(context.Background(), "X"); err != nil {
		t.Fatalf("LoadModel repeat: %v", err)
	}
	o.mu.Lock()
	fc := o.entries[b.ID].conn.(*fakeConn)
	o.mu.Unlock()
	fc.mu.Lock()
	loads := len(fc.loaded)
	fc.mu.Unlock()
	if loads != 1 {
		t.Fatalf("load calls = %d, want 1", loads)
	}
	if a.CurrentModel() != "X" {
		t.Fatalf("current model = %q", a.CurrentModel())
	}
}

func TestLoadModelFailureMarksEntry(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b := addRunning(t, o, "b1")
	o.mu.Lock()
	o.entries[b.ID].conn.(*fakeConn).loadErr = errors.New("no such checkpoint")
	o.mu.Unlock()
	a, err := o.RequestBackend(context.Background(), Request{})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	defer a.Release()
	err = a.LoadModel(context.Background(), "X")
	if !IsModelLoadFailed(err) {
		t.Fatalf("expected model load failed, got %v", err)
	}
	// The entry stays in the pool.
	for _, v := range o.Views() {
		if v.ID == b.ID && v.Status != StatusRunning {
			t.Fatalf("entry status = %s, want running", v.Status)
		}
	}
}

func TestCustomFilter(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b1 := addRunning(t, o, "b1")
	b2 := addRunning(t, o, "b2")
	a, err := o.RequestBackend(context.Background(), Request{
		Filter: func(v EntryView) bool { return v.ID == b2.ID },
	})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	defer a.Release()
	if a.ID() != b2.ID {
		t.Fatalf("granted %d, want filtered %d", a.ID(), b2.ID)
	}
	_ = b1
}

func TestInterruptAllToleratesFailures(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b1 := addRunning(t, o, "b1")
	b2 := addRunning(t, o, "b2")
	o.mu.Lock()
	o.entries[b1.ID].conn.(*fakeConn).intErr = errors.New("boom")
	fc2 := o.entries[b2.ID].conn.(*fakeConn)
	o.mu.Unlock()
	o.InterruptAll(context.Background())
	fc2.mu.Lock()
	n := fc2.interrupts
	fc2.mu.Unlock()
	if n != 1 {
		t.Fatalf("healthy backend interrupts = %d, want 1", n)
	}
}

func TestDisabledAndErroredNeverMatch(t *testing.T) {
	o := newTestOrchestrator(t, "")
	v, err := o.AddBackend("fake", "off", Settings{}, false)
	if err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	if _, err := o.RequestBackend(context.Background(), Request{MaxWait: 30 * time.Millisecond}); !IsTimeout(err) {
		t.Fatalf("expected timeout with only a disabled backend, got %v", err)
	}
	// Enabling sends it through init and makes it matchable.
	if !o.SetEnabled(v.ID, true) {
		t.Fatalf("SetEnabled returned false")
	}
	a, err := o.RequestBackend(context.Background(), Request{MaxWait: 5 * time.Second})
	if err != nil {
		t.Fatalf("RequestBackend after enable: %v", err)
	}
	a.Release()
}

func TestStatePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.json")
	o := newTestOrchestrator(t, path)
	if _, err := o.AddBackend("fake", "keeper", Settings{Address: "http://10.0.0.1:8188"}, true); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	o.Shutdown(context.Background())

	o2 := newTestOrchestrator(t, path)
	if err := o2.LoadState(); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	views := o2.Views()
	if len(views) != 1 {
		t.Fatalf("restored %d entries, want 1", len(views))
	}
	v := views[0]
	if v.Title != "keeper" || v.Address != "http://10.0.0.1:8188" || !v.Enabled {
		t.Fatalf("restored view mismatch: %+v", v)
	}
	waitFor(t, func() bool { return o2.Views()[0].Status == StatusRunning })
}

func TestRemoveBackendClosesConn(t *testing.T) {
	o := newTestOrchestrator(t, "")
	b := addRunning(t, o, "b1")
	o.mu.Lock()
	fc := o.entries[b.ID].conn.(*fakeConn)
	o.mu.Unlock()
	o.RemoveBackend(b.ID)
	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if !closed {
		t.Fatalf("connection not closed on remove")
	}
	if len(o.Views()) != 0 {
		t.Fatalf("entry not removed")
	}
}

func TestWillLoadSkippedWithoutModel(t *testing.T) {
	o := newTestOrchestrator(t, "")
	addRunning(t, o, "b1")
	notified := 0
	a, err := o.RequestBackend(context.Background(), Request{NotifyWillLoad: func() { notified++ }})
	if err != nil {
		t.Fatalf("RequestBackend: %v", err)
	}
	defer a.Release()
	if notified != 0 {
		t.Fatalf("will-load fired %d times for a request with no model", notified)
	}
}

// downConn exposes a permanent-down channel like the websocket client.
type downConn struct {
	fakeConn
	down chan struct{}
}

func (f *downConn) Down() <-chan struct{} { return f.down }

func TestReenableRebuildsDownConnection(t *testing.T) {
	o := New(Config{MatchInterval: 10 * time.Millisecond, DefaultMaxWait: 2 * time.Second})
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	var mu sync.Mutex
	var made []*downConn
	o.RegisterType("flaky", func(s Settings) (Conn, error) {
		c := &downConn{fakeConn: fakeConn{pingOK: true}, down: make(chan struct{})}
		mu.Lock()
		made = append(made, c)
		mu.Unlock()
		return c, nil
	})
	v, err := o.AddBackend("flaky", "b1", Settings{}, true)
	if err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	waitFor(t, func() bool {
		for _, ev := range o.Views() {
			if ev.ID == v.ID && ev.Status == StatusRunning {
				return true
			}
		}
		return false
	})

	mu.Lock()
	first := made[0]
	mu.Unlock()
	close(first.down)
	waitFor(t, func() bool {
		for _, ev := range o.Views() {
			if ev.ID == v.ID && ev.Status == StatusErrored {
				return true
			}
		}
		return false
	})

	if !o.SetEnabled(v.ID, true) {
		t.Fatalf("SetEnabled reported the entry missing")
	}
	waitFor(t, func() bool {
		for _, ev := range o.Views() {
			if ev.ID == v.ID && ev.Status == StatusRunning {
				return true
			}
		}
		return false
	})
	mu.Lock()
	rebuilt := len(made)
	mu.Unlock()
	if rebuilt != 2 {
		t.Fatalf("factory calls = %d, want a rebuilt connection", rebuilt)
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatalf("dead connection was not closed")
	}
}

func TestPingFailureRecordsDedicatedError(t *testing.T) {
	o := New(Config{MatchInterval: 10 * time.Millisecond, DefaultMaxWait: 2 * time.Second})
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	o.RegisterType("deaf", func(s Settings) (Conn, error) {
		return &fakeConn{pingOK: false}, nil
	})
	v, err := o.AddBackend("deaf", "b1", Settings{}, true)
	if err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	waitFor(t, func() bool {
		for _, ev := range o.Views() {
			if ev.ID == v.ID && ev.Status == StatusErrored {
				return true
			}
		}
		return false
	})
	for _, ev := range o.Views() {
		if ev.ID == v.ID && ev.LastError != "backend ping failed" {
			t.Fatalf("last_error = %q", ev.LastError)
		}
	}
}
