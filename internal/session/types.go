package session

import (
	"errors"
	"sync"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/engine"
)

// DefaultSessionID is the implicit session every request without a
// session_id targets. It exists from startup to shutdown.
const DefaultSessionID = "default"

var (
	ErrNotFound          = errors.New("session not found")
	ErrBusy              = errors.New("session is busy with another execution")
	ErrCapacity          = errors.New("session capacity reached")
	ErrWorkerDead        = errors.New("session worker is dead")
	ErrRestartInProgress = errors.New("session restart already in progress")
	ErrSingleSession     = errors.New("server is running in single-session mode")
	ErrDefaultSession    = errors.New("the default session cannot be destroyed")
)

// Engine is the interpreter surface the manager drives. *engine.Worker
// implements it; tests substitute fakes.
type Engine interface {
	Submit(req *engine.Request) *engine.Result
	Break() bool
	Restart() error
	Close()
	State() engine.State
	Health() engine.Health
}

// Factory spawns the interpreter backing a new session.
type Factory func(sessionID string) (Engine, error)

// RunInfo describes the execution currently occupying a session.
type RunInfo struct {
	Kind      engine.RequestKind `json:"kind"`
	LogPath   string             `json:"log_file,omitempty"`
	StartedAt time.Time          `json:"started_at"`
}

// Session pairs one interpreter worker with its bookkeeping. All
// mutable fields are guarded by mu; the engine serializes its own
// submissions.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	eng Engine

	mu         sync.Mutex
	lastUsedAt time.Time
	inFlight   bool
	restarting bool
	closing    bool // set when eviction or destroy has claimed the session
	current    *RunInfo
}

// LastUsedAt reports when work was last dispatched to this session.
// Creation counts as use so fresh sessions survive the first sweep.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// Busy reports whether an execution is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// CurrentRun returns a copy of the in-flight run info, or nil.
func (s *Session) CurrentRun() *RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	info := *s.current
	return &info
}

// Engine exposes the backing worker for health probes and streaming.
func (s *Session) Engine() Engine {
	return s.eng
}

// Summary is the wire form of a session for list and status responses.
type Summary struct {
	ID         string       `json:"session_id"`
	Name       string       `json:"name,omitempty"`
	State      engine.State `json:"state"`
	Busy       bool         `json:"busy"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt time.Time    `json:"last_used_at"`
	Current    *RunInfo     `json:"current_execution,omitempty"`
}

// ToSummary snapshots the session for API responses.
func (s *Session) ToSummary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{
		ID:         s.ID,
		Name:       s.Name,
		State:      s.eng.State(),
		Busy:       s.inFlight,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.lastUsedAt,
	}
	if s.current != nil {
		info := *s.current
		sum.Current = &info
	}
	return sum
}
