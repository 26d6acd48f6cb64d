package session

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/statacorp/stata-mcp-server/internal/config"
	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/logger"
	"github.com/statacorp/stata-mcp-server/internal/metrics"
)

// Manager owns the session table. In multi-session mode it creates and
// evicts named sessions around the always-present default session; in
// single-session mode every session id resolves to the default.
type Manager struct {
	cfg     *config.Config
	factory Factory

	mu       sync.RWMutex
	sessions map[string]*Session

	sweeper *cron.Cron
	sweepID cron.EntryID
}

// NewManager builds the manager and spawns the default session's
// worker. Call Start to begin idle sweeping and Shutdown to tear all
// sessions down.
func NewManager(cfg *config.Config, factory Factory) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		factory:  factory,
		sessions: make(map[string]*Session),
		sweeper:  cron.New(),
	}

	eng, err := factory(DefaultSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to start default session: %w", err)
	}
	now := time.Now()
	m.sessions[DefaultSessionID] = &Session{
		ID:         DefaultSessionID,
		Name:       DefaultSessionID,
		CreatedAt:  now,
		lastUsedAt: now,
		eng:        eng,
	}
	metrics.RecordSessionStart()
	return m, nil
}

// Start launches the idle-eviction sweeper.
func (m *Manager) Start() error {
	id, err := m.sweeper.AddFunc("@every 1m", m.sweepIdle)
	if err != nil {
		return fmt.Errorf("failed to schedule idle sweeper: %w", err)
	}
	m.sweepID = id
	m.sweeper.Start()
	return nil
}

// Shutdown stops the sweeper and closes every session's worker.
func (m *Manager) Shutdown() {
	ctx := m.sweeper.Stop()
	<-ctx.Done()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.eng.Close()
		metrics.RecordSessionEnd()
	}
}

// Create spawns a named session. Fails when the server runs
// single-session or the table is at capacity.
func (m *Manager) Create(name string) (*Session, error) {
	if !m.cfg.MultiSession {
		return nil, ErrSingleSession
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrCapacity
	}
	// reserve the slot before spawning so concurrent creates cannot
	// blow past capacity while a worker initializes
	id := newSessionID()
	m.sessions[id] = nil
	m.mu.Unlock()

	eng, err := m.factory(id)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to start session worker: %w", err)
	}

	if name == "" {
		name = id
	}
	now := time.Now()
	s := &Session{
		ID:         id,
		Name:       name,
		CreatedAt:  now,
		lastUsedAt: now,
		eng:        eng,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.RecordSessionStart()
	logger.Info("Session %s created (name %q)", id, name)
	return s, nil
}

// Get resolves a session id. The empty id means the default session;
// in single-session mode every id resolves to the default.
func (m *Manager) Get(id string) (*Session, error) {
	if id == "" || !m.cfg.MultiSession {
		id = DefaultSessionID
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns summaries of every live session, oldest first.
func (m *Manager) List() []*Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	summaries := make([]*Summary, len(sessions))
	for i, s := range sessions {
		summaries[i] = s.ToSummary()
	}
	return summaries
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy tears down a named session. The default session is
// permanent; restart it instead.
func (m *Manager) Destroy(id string) error {
	if id == "" || id == DefaultSessionID {
		return ErrDefaultSession
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok || s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	s.closing = true
	busy := s.inFlight
	s.mu.Unlock()

	if busy {
		s.eng.Break()
	}
	s.eng.Close()
	metrics.RecordSessionEnd()
	logger.Info("Session %s destroyed", id)
	return nil
}

// Dispatch runs one request on a session. Exactly one request per
// session is in flight at a time; a second arrival is rejected, never
// queued. Dispatch is the only place last-used advances, so a session
// kept alive by status polls still ages out.
func (m *Manager) Dispatch(id string, req *engine.Request) (*engine.Result, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closing {
		// eviction or destroy already claimed this session; a caller
		// that resolved it before the table dropped the entry must not
		// start a run on the dying worker
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	if s.restarting {
		s.mu.Unlock()
		return nil, ErrRestartInProgress
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if st := s.eng.State(); st == engine.StateDead || st == engine.StateTerminating {
		s.mu.Unlock()
		return nil, ErrWorkerDead
	}
	s.inFlight = true
	s.lastUsedAt = time.Now()
	s.current = &RunInfo{Kind: req.Kind, LogPath: req.LogPath, StartedAt: time.Now()}
	s.mu.Unlock()

	start := time.Now()
	res := s.eng.Submit(req)

	s.mu.Lock()
	s.inFlight = false
	s.current = nil
	s.mu.Unlock()

	metrics.RecordRun(string(req.Kind), string(res.Status), time.Since(start).Seconds())
	return res, nil
}

// Break asks a session to stop its current execution. The first value
// reports whether anything was actually running.
func (m *Manager) Break(id string) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}
	if !s.Busy() {
		return false, nil
	}
	return s.eng.Break(), nil
}

// Restart wipes a session's interpreter state in place. A run in
// flight is broken first; a concurrent restart is rejected.
func (m *Manager) Restart(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		return ErrRestartInProgress
	}
	s.restarting = true
	busy := s.inFlight
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.lastUsedAt = time.Now()
		s.mu.Unlock()
	}()

	if busy {
		s.eng.Break()
	}
	if err := s.eng.Restart(); err != nil {
		return err
	}
	logger.Info("Session %s restarted", s.ID)
	return nil
}

// sweepIdle evicts named sessions idle past the configured timeout.
// The default session and busy sessions are never evicted.
func (m *Manager) sweepIdle() {
	if m.cfg.SessionTimeout <= 0 {
		return
	}
	timeout := time.Duration(m.cfg.SessionTimeout) * time.Second
	cutoff := time.Now().Add(-timeout)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s == nil || id == DefaultSessionID {
			continue
		}
		// claim the session under its own lock before dropping the
		// table entry; a Dispatch holding a stale reference sees
		// closing and rejects instead of submitting to a dying worker
		s.mu.Lock()
		evict := !s.inFlight && s.lastUsedAt.Before(cutoff)
		if evict {
			s.closing = true
		}
		s.mu.Unlock()
		if evict {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		logger.Info("Session %s evicted after %s idle", s.ID, timeout)
		s.eng.Close()
		metrics.RecordSessionEnd()
	}
}

func newSessionID() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}
