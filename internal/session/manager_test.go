package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/config"
	"github.com/statacorp/stata-mcp-server/internal/engine"
)

// fakeEngine is an in-memory Engine for manager tests.
type fakeEngine struct {
	mu          sync.Mutex
	state       engine.State
	submitDelay time.Duration
	restartWait time.Duration
	broke       bool
	restarts    int
	closed      bool
	result      *engine.Result
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		state:  engine.StateReady,
		result: &engine.Result{Status: engine.StatusSuccess, Output: "ok"},
	}
}

func (f *fakeEngine) Submit(req *engine.Request) *engine.Result {
	f.mu.Lock()
	f.state = engine.StateBusy
	delay := f.submitDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.state = engine.StateReady
	res := f.result
	f.mu.Unlock()
	return res
}

func (f *fakeEngine) Break() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broke = true
	return f.state == engine.StateBusy
}

func (f *fakeEngine) Restart() error {
	if f.restartWait > 0 {
		time.Sleep(f.restartWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.state = engine.StateReady
	return nil
}

func (f *fakeEngine) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = engine.StateDead
}

func (f *fakeEngine) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) Health() engine.Health {
	return engine.Health{EngineAvailable: f.State() == engine.StateReady, State: f.State()}
}

func testManager(t *testing.T, mutate func(*config.Config)) (*Manager, map[string]*fakeEngine) {
	t.Helper()
	cfg := config.Default()
	cfg.StataPath = "/fake"
	if mutate != nil {
		mutate(cfg)
	}

	engines := make(map[string]*fakeEngine)
	var mu sync.Mutex
	m, err := NewManager(cfg, func(id string) (Engine, error) {
		f := newFakeEngine()
		mu.Lock()
		engines[id] = f
		mu.Unlock()
		return f, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m, engines
}

func TestManagerDefaultSession(t *testing.T) {
	m, _ := testManager(t, nil)

	s, err := m.Get("")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != DefaultSessionID {
		t.Errorf("id = %q, want default", s.ID)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}
}

func TestManagerCreateAndGet(t *testing.T) {
	m, _ := testManager(t, nil)

	s, err := m.Create("analysis")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "analysis" {
		t.Errorf("name = %q", s.Name)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}

	if _, err := m.Get("no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestManagerCapacity(t *testing.T) {
	m, _ := testManager(t, func(c *config.Config) { c.MaxSessions = 2 })

	if _, err := m.Create(""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(""); !errors.Is(err, ErrCapacity) {
		t.Errorf("err = %v, want ErrCapacity", err)
	}
}

func TestManagerSingleSessionMode(t *testing.T) {
	m, _ := testManager(t, func(c *config.Config) { c.MultiSession = false })

	if _, err := m.Create("x"); !errors.Is(err, ErrSingleSession) {
		t.Errorf("err = %v, want ErrSingleSession", err)
	}

	// any id resolves to the default session for older clients
	s, err := m.Get("some-old-client-id")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != DefaultSessionID {
		t.Errorf("id = %q, want default", s.ID)
	}
}

func TestDispatchRejectsConcurrent(t *testing.T) {
	m, engines := testManager(t, nil)
	engines[DefaultSessionID].submitDelay = 300 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := m.Dispatch("", &engine.Request{Kind: engine.RequestRunSelection, Code: "sleep"}); err != nil {
			t.Errorf("first dispatch failed: %v", err)
		}
	}()

	s, _ := m.Get("")
	deadline := time.Now().Add(2 * time.Second)
	for !s.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("session never went busy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := m.Dispatch("", &engine.Request{Kind: engine.RequestRunSelection}); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	<-done
}

func TestDispatchAdvancesLastUsed(t *testing.T) {
	m, _ := testManager(t, nil)
	s, _ := m.Get("")

	before := s.LastUsedAt()
	time.Sleep(10 * time.Millisecond)

	// reads must not count as use
	m.List()
	if _, err := m.Get(""); err != nil {
		t.Fatal(err)
	}
	if got := s.LastUsedAt(); !got.Equal(before) {
		t.Error("Get/List advanced last-used")
	}

	if _, err := m.Dispatch("", &engine.Request{Kind: engine.RequestRunSelection}); err != nil {
		t.Fatal(err)
	}
	if got := s.LastUsedAt(); !got.After(before) {
		t.Error("Dispatch did not advance last-used")
	}
}

func TestDispatchDeadWorker(t *testing.T) {
	m, engines := testManager(t, nil)
	engines[DefaultSessionID].Close()

	if _, err := m.Dispatch("", &engine.Request{Kind: engine.RequestRunSelection}); !errors.Is(err, ErrWorkerDead) {
		t.Errorf("err = %v, want ErrWorkerDead", err)
	}
}

func TestDestroy(t *testing.T) {
	m, engines := testManager(t, nil)

	s, err := m.Create("")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(s.ID); err != nil {
		t.Fatal(err)
	}
	if !engines[s.ID].closed {
		t.Error("destroy did not close the worker")
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if err := m.Destroy(DefaultSessionID); !errors.Is(err, ErrDefaultSession) {
		t.Errorf("err = %v, want ErrDefaultSession", err)
	}
	if err := m.Destroy("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBreakIdleSession(t *testing.T) {
	m, _ := testManager(t, nil)

	stopped, err := m.Break("")
	if err != nil {
		t.Fatal(err)
	}
	if stopped {
		t.Error("break on idle session reported a stop")
	}
}

func TestRestart(t *testing.T) {
	m, engines := testManager(t, nil)

	if err := m.Restart(""); err != nil {
		t.Fatal(err)
	}
	if engines[DefaultSessionID].restarts != 1 {
		t.Errorf("restarts = %d, want 1", engines[DefaultSessionID].restarts)
	}
}

func TestRestartConcurrentRejected(t *testing.T) {
	m, engines := testManager(t, nil)
	engines[DefaultSessionID].restartWait = 300 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Restart(""); err != nil {
			t.Errorf("first restart failed: %v", err)
		}
	}()

	s, _ := m.Get("")
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		restarting := s.restarting
		s.mu.Unlock()
		if restarting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("restart never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Restart(""); !errors.Is(err, ErrRestartInProgress) {
		t.Errorf("err = %v, want ErrRestartInProgress", err)
	}
	<-done
}

func TestSweepIdle(t *testing.T) {
	m, engines := testManager(t, func(c *config.Config) { c.SessionTimeout = 60 })

	idle, err := m.Create("idle")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := m.Create("fresh")
	if err != nil {
		t.Fatal(err)
	}

	// age both the idle and the default session past the cutoff
	for _, s := range []*Session{idle} {
		s.mu.Lock()
		s.lastUsedAt = time.Now().Add(-2 * time.Minute)
		s.mu.Unlock()
	}
	def, _ := m.Get("")
	def.mu.Lock()
	def.lastUsedAt = time.Now().Add(-2 * time.Minute)
	def.mu.Unlock()

	m.sweepIdle()

	if _, err := m.Get(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Error("idle session survived the sweep")
	}
	if !engines[idle.ID].closed {
		t.Error("evicted session's worker not closed")
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Error("fresh session was evicted")
	}
	if _, err := m.Get(""); err != nil {
		t.Error("default session must never be evicted")
	}
}

func TestSweepSkipsBusy(t *testing.T) {
	m, engines := testManager(t, func(c *config.Config) { c.SessionTimeout = 60 })

	s, err := m.Create("busy")
	if err != nil {
		t.Fatal(err)
	}
	engines[s.ID].submitDelay = 300 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Dispatch(s.ID, &engine.Request{Kind: engine.RequestRunFile})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("session never went busy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// dispatch-time last-used is fresh here, so force it stale to prove
	// busy alone protects the session
	s.mu.Lock()
	s.lastUsedAt = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	m.sweepIdle()

	if _, err := m.Get(s.ID); err != nil {
		t.Error("busy session was evicted")
	}
	<-done
}

func TestDispatchRejectsClaimedSession(t *testing.T) {
	m, _ := testManager(t, nil)

	s, err := m.Create("doomed")
	if err != nil {
		t.Fatal(err)
	}

	// a sweep or destroy claims the session between a caller's Get and
	// its Dispatch; the claimed session must reject new work
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if _, err := m.Dispatch(s.ID, &engine.Request{Kind: engine.RequestRunSelection}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
