// Package registry is the authoritative map of sessions. It admits tasks
// under a concurrency bound, drives each session through its lifecycle on
// a dedicated goroutine, and coordinates graceful drain on shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agentd/internal/persistence"
	"github.com/workspace/agentd/internal/supervisor"
	"github.com/workspace/agentd/internal/workspace"
)

// State is a session lifecycle state.
type State string

const (
	StateQueued       State = "queued"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
	StateTimedOut     State = "timed_out"
	StateFinalizing   State = "finalizing"
	StateRetired      State = "retired"
)

func isTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

var (
	// ErrOverloaded indicates the concurrency bound is saturated or the
	// registry is draining. Transient: callers retry later.
	ErrOverloaded = errors.New("session limit reached")
	// ErrNotFound indicates an unknown or fully purged session id.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidState indicates an operation not valid for the session's
	// current state, e.g. cancelling an already-terminal session.
	ErrInvalidState = errors.New("invalid session state")
)

// Snapshot is a point-in-time copy of a session's externally visible
// state. Outcome holds the terminal result once one is reached and stays
// put while State moves on through finalizing and retired.
type Snapshot struct {
	ID                    string     `json:"id"`
	State                 State      `json:"state"`
	Outcome               State      `json:"outcome,omitempty"`
	WorkspacePath         string     `json:"workspacePath,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	EndedAt               *time.Time `json:"endedAt,omitempty"`
	ExitCode              *int       `json:"exitCode,omitempty"`
	Error                 string     `json:"errorMessage,omitempty"`
	CancellationRequested bool       `json:"cancellationRequested"`
}

// AgentConfig describes how to invoke the agent executable.
type AgentConfig struct {
	Command string
	Args    []string
	Env     []string
	UsePTY  bool
}

// Config holds registry tuning.
type Config struct {
	MaxConcurrent    int
	DefaultGrace     time.Duration
	MaxGrace         time.Duration
	Retention        time.Duration
	Watchdog         time.Duration
	EventBufferSize  int
	RetainWorkspaces bool
	Agent            AgentConfig
}

// AdmitRequest carries one task submission. Payload is opaque to the
// orchestrator and delivered verbatim to the agent.
type AdmitRequest struct {
	Payload []byte
	// Timeout bounds the session's total runtime; zero leaves only the
	// supervisor watchdog backstop.
	Timeout time.Duration
	// Grace is the cancellation grace period, clamped to MaxGrace.
	Grace time.Duration
}

// session is the registry-owned record. Its mutex totally orders state
// transitions for this session; sessions never share a lock across a
// blocking subprocess call.
type session struct {
	id  string
	buf *supervisor.Buffer

	mu              sync.Mutex
	state           State
	outcome         State
	workspacePath   string
	createdAt       time.Time
	startedAt       *time.Time
	endedAt         *time.Time
	exitCode        *int
	errMsg          string
	cancelRequested bool
	timedOut        bool
	grace           time.Duration
	handle          *supervisor.Handle
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:                    s.id,
		State:                 s.state,
		Outcome:               s.outcome,
		WorkspacePath:         s.workspacePath,
		CreatedAt:             s.createdAt,
		StartedAt:             s.startedAt,
		EndedAt:               s.endedAt,
		ExitCode:              s.exitCode,
		Error:                 s.errMsg,
		CancellationRequested: s.cancelRequested,
	}
}

// Registry tracks all active and recently retired sessions.
type Registry struct {
	cfg        Config
	workspaces *workspace.Manager
	store      *persistence.Store // nil-safe: history disabled when nil

	mu       sync.RWMutex
	sessions map[string]*session

	// active is the admission counter, the one genuinely shared mutable
	// resource across sessions.
	active   atomic.Int64
	draining atomic.Bool
	wg       sync.WaitGroup
}

// New creates a registry. store may be nil to disable history.
func New(cfg Config, workspaces *workspace.Manager, store *persistence.Store) *Registry {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DefaultGrace <= 0 {
		cfg.DefaultGrace = 10 * time.Second
	}
	if cfg.MaxGrace <= 0 {
		cfg.MaxGrace = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &Registry{
		cfg:        cfg,
		workspaces: workspaces,
		store:      store,
		sessions:   make(map[string]*session),
	}
}

// Admit allocates a session for the task and returns its id immediately.
// Workspace provisioning and process start proceed on the session's own
// goroutine. Fails fast with ErrOverloaded at the concurrency bound;
// admission never queues.
func (r *Registry) Admit(req AdmitRequest) (string, error) {
	if r.draining.Load() {
		return "", fmt.Errorf("%w: shutting down", ErrOverloaded)
	}

	max := int64(r.cfg.MaxConcurrent)
	for {
		cur := r.active.Load()
		if cur >= max {
			return "", ErrOverloaded
		}
		if r.active.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	grace := req.Grace
	if grace <= 0 {
		grace = r.cfg.DefaultGrace
	}
	if grace > r.cfg.MaxGrace {
		grace = r.cfg.MaxGrace
	}

	id := uuid.NewString()
	s := &session{
		id:        id,
		buf:       supervisor.NewBuffer(id, r.cfg.EventBufferSize),
		state:     StateQueued,
		createdAt: time.Now().UTC(),
		grace:     grace,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(s, req.Payload, req.Timeout)

	slog.Info("Session admitted", "sessionId", id, "active", r.active.Load())
	return id, nil
}

// run drives one session from provisioning to retirement.
func (r *Registry) run(s *session, payload []byte, timeout time.Duration) {
	defer r.wg.Done()

	s.mu.Lock()
	s.state = StateProvisioning
	s.mu.Unlock()
	s.buf.System("provisioning workspace")

	path, err := r.workspaces.Provision(s.id)
	if err != nil {
		r.finish(s, StateFailed, nil, fmt.Errorf("provision workspace: %w", err))
		return
	}
	s.mu.Lock()
	s.workspacePath = path
	s.mu.Unlock()

	handle, err := supervisor.Start(supervisor.Config{
		SessionID:     s.id,
		Command:       r.cfg.Agent.Command,
		Args:          r.cfg.Agent.Args,
		Env:           r.cfg.Agent.Env,
		WorkspacePath: path,
		TaskPayload:   payload,
		UsePTY:        r.cfg.Agent.UsePTY,
		Watchdog:      r.cfg.Watchdog,
	}, s.buf)
	if err != nil {
		r.finish(s, StateFailed, nil, err)
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = &now
	s.handle = handle
	cancelPending := s.cancelRequested
	grace := s.grace
	s.mu.Unlock()

	// Cancellation may have been requested while provisioning.
	if cancelPending {
		handle.Cancel(grace)
	}

	var timeoutTimer *time.Timer
	if timeout > 0 {
		timeoutTimer = time.AfterFunc(timeout, func() {
			s.mu.Lock()
			s.timedOut = true
			s.mu.Unlock()
			s.buf.System("session timeout reached")
			handle.Cancel(grace)
		})
	}

	code := handle.Wait()
	if timeoutTimer != nil {
		timeoutTimer.Stop()
	}

	s.mu.Lock()
	var outcome State
	switch {
	case s.timedOut:
		outcome = StateTimedOut
	case s.cancelRequested:
		outcome = StateCancelled
	case code == 0:
		outcome = StateCompleted
	default:
		outcome = StateFailed
	}
	s.mu.Unlock()

	r.finish(s, outcome, &code, nil)
}

// finish records the terminal outcome and retires the session: workspace
// reclaim, history write, slot release, delayed purge.
func (r *Registry) finish(s *session, outcome State, exitCode *int, cause error) {
	now := time.Now().UTC()

	s.mu.Lock()
	s.outcome = outcome
	s.state = StateFinalizing
	s.endedAt = &now
	s.exitCode = exitCode
	if cause != nil {
		s.errMsg = cause.Error()
	}
	path := s.workspacePath
	s.mu.Unlock()

	if cause != nil {
		s.buf.System(fmt.Sprintf("session failed: %v", cause))
	}
	// Closes streams for sessions whose process never started; a no-op
	// when the supervisor already closed the buffer on exit.
	s.buf.Close()

	if path != "" {
		if err := r.workspaces.Reclaim(path, r.cfg.RetainWorkspaces); err != nil {
			slog.Warn("Workspace reclaim failed", "sessionId", s.id, "path", path, "error", err)
		}
	}

	r.recordHistory(s, outcome)

	s.mu.Lock()
	s.state = StateRetired
	s.mu.Unlock()

	r.active.Add(-1)
	slog.Info("Session retired", "sessionId", s.id, "outcome", string(outcome), "active", r.active.Load())

	// Retired sessions stay queryable in memory for the retention
	// window, then are purged; history remains in the store.
	time.AfterFunc(r.cfg.Retention, func() {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
	})
}

func (r *Registry) recordHistory(s *session, outcome State) {
	if r.store == nil {
		return
	}

	snap := s.snapshot()
	rec := persistence.SessionRecord{
		ID:        s.id,
		State:     string(outcome),
		ExitCode:  snap.ExitCode,
		Error:     snap.Error,
		CreatedAt: snap.CreatedAt.Format(time.RFC3339),
		Retained:  r.cfg.RetainWorkspaces,
	}
	if snap.StartedAt != nil {
		rec.StartedAt = snap.StartedAt.Format(time.RFC3339)
	}
	if snap.EndedAt != nil {
		rec.EndedAt = snap.EndedAt.Format(time.RFC3339)
	}
	if err := r.store.RecordSession(rec); err != nil {
		slog.Warn("Session history write failed", "sessionId", s.id, "error", err)
	}
}

// Get returns a snapshot of the session, falling back to persisted
// history once the in-memory record has been purged.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s.snapshot(), nil
	}

	if r.store != nil {
		rec, err := r.store.GetSession(id)
		if err != nil {
			return Snapshot{}, fmt.Errorf("session history lookup: %w", err)
		}
		if rec != nil {
			return snapshotFromRecord(rec), nil
		}
	}

	return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func snapshotFromRecord(rec *persistence.SessionRecord) Snapshot {
	snap := Snapshot{
		ID:       rec.ID,
		State:    StateRetired,
		Outcome:  State(rec.State),
		ExitCode: rec.ExitCode,
		Error:    rec.Error,
	}
	if t, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
		snap.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, rec.StartedAt); err == nil {
		snap.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, rec.EndedAt); err == nil {
		snap.EndedAt = &t
	}
	return snap
}

// List returns snapshots of all in-memory sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	result := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Stream returns the session's ordered event stream, replaying from
// fromSeq and following live output until the session's buffer closes.
func (r *Registry) Stream(ctx context.Context, id string, fromSeq uint64) (<-chan supervisor.Event, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		// Events are not persisted: a purged session is known from
		// history but its stream is gone.
		if r.store != nil {
			if rec, err := r.store.GetSession(id); err == nil && rec != nil {
				return nil, fmt.Errorf("%w: events purged after retention", ErrInvalidState)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.buf.Stream(ctx, fromSeq), nil
}

// Cancel requests cooperative termination of a session. Idempotent while
// termination is in progress; ErrInvalidState once terminal.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		if r.store != nil {
			if rec, err := r.store.GetSession(id); err == nil && rec != nil {
				return fmt.Errorf("%w: session already %s", ErrInvalidState, rec.State)
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	if isTerminal(s.state) || s.state == StateFinalizing || s.state == StateRetired {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrInvalidState, state)
	}
	s.cancelRequested = true
	handle := s.handle
	grace := s.grace
	s.mu.Unlock()

	// Queued/provisioning sessions have no process yet; run() checks the
	// flag right after start.
	if handle != nil {
		handle.Cancel(grace)
	}
	return nil
}

// Retire forces retirement of a terminal session ahead of its retention
// purge. Sessions retire automatically; this exists for operators.
func (r *Registry) Retire(id string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRetired {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, state)
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

// ActiveCount returns the number of admitted sessions that have not yet
// retired.
func (r *Registry) ActiveCount() int {
	return int(r.active.Load())
}

// Draining reports whether shutdown has begun.
func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// Drain stops admission, cancels every live session with the given grace
// period, and waits for the active count to reach zero or the deadline.
// Returns the number of sessions that had to be force-killed past the
// grace period; zero means a clean drain.
func (r *Registry) Drain(grace time.Duration) int {
	r.draining.Store(true)

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Cancel(id); err != nil && !errors.Is(err, ErrInvalidState) {
			slog.Warn("Drain cancel failed", "sessionId", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	// Cancel escalates to SIGKILL at the grace deadline on its own; the
	// extra slack covers kill and reclaim latency.
	select {
	case <-done:
		return 0
	case <-time.After(grace + 3*time.Second):
	}

	forced := 0
	r.mu.RLock()
	for _, s := range r.sessions {
		s.mu.Lock()
		live := !isTerminal(s.state) && s.state != StateFinalizing && s.state != StateRetired
		handle := s.handle
		s.mu.Unlock()
		if live {
			forced++
			if handle != nil {
				handle.Kill()
			}
		}
	}
	r.mu.RUnlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Error("Drain did not complete after force kill")
	}

	return forced
}
