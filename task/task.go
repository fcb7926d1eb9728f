// Package task implements the Task Store: the indexed collection of
// in-flight jobs keyed by internal task id and by upstream prompt id, and the
// state machine that enforces the lifecycle transitions in spec.md §3.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comfylb/balancer/errs"
)

// State is one of the task lifecycle states in spec.md §3.
type State string

const (
	Pending     State = "pending"
	Dispatching State = "dispatching"
	Dispatched  State = "dispatched"
	Completed   State = "completed"
	Failed      State = "failed"
	Cancelled   State = "cancelled"
)

// terminal reports whether a state is frozen — no further transitions leave it.
func (s State) terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// allowedEdges encodes the transition graph in spec.md §3. The zero value of
// a missing "from" key means no transitions are allowed out of that state.
var allowedEdges = map[State]map[State]bool{
	Pending:     {Dispatching: true, Cancelled: true},
	Dispatching: {Dispatched: true, Pending: true, Cancelled: true, Failed: true},
	Dispatched:  {Completed: true, Failed: true, Pending: true, Cancelled: true},
}

// BackendRef identifies the pair a dispatched task is keyed by.
type BackendRef struct {
	Backend          string
	UpstreamPromptID string
}

// Task is a client-submitted prompt tracked from acceptance to terminal
// state. Payload is treated as an opaque blob per spec.md §9 — the core
// never parses node structure.
type Task struct {
	ID                string
	CreatedAt         time.Time
	State             State
	Payload           []byte
	ClientID          string
	AssignedBackend   string
	UpstreamPromptID  string
	DispatchedAt      time.Time
	Attempts          int
	LastError         string
	LastErrorKind     errs.Kind
}

// ref returns the (backend, upstream_prompt_id) key, valid only once set.
func (t *Task) ref() BackendRef {
	return BackendRef{Backend: t.AssignedBackend, UpstreamPromptID: t.UpstreamPromptID}
}

// snapshot returns a defensive copy safe to hand to callers outside the lock.
func (t *Task) snapshot() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append([]byte(nil), t.Payload...)
	}
	return &cp
}

// Store is the thread-safe, dual-indexed Task collection described in
// spec.md §4.5. The zero value is not usable; construct with NewStore.
type Store struct {
	mu      sync.Mutex
	maxSize int

	byID       map[string]*Task
	byUpstream map[BackendRef]*Task
}

// NewStore creates an empty Task Store bounded by maxSize live tasks.
func NewStore(maxSize int) *Store {
	return &Store{
		maxSize:    maxSize,
		byID:       make(map[string]*Task),
		byUpstream: make(map[BackendRef]*Task),
	}
}

// Create inserts a new task in state Pending with a freshly generated id.
// Fails with errs.QueueFull once the store holds maxSize live (non-terminal)
// tasks.
func (s *Store) Create(payload []byte, clientID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveCountLocked() >= s.maxSize {
		return nil, errs.New(errs.QueueFull, "task store at capacity")
	}

	t := &Task{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		State:     Pending,
		Payload:   payload,
		ClientID:  clientID,
	}
	s.byID[t.ID] = t
	return t.snapshot(), nil
}

func (s *Store) liveCountLocked() int {
	n := 0
	for _, t := range s.byID {
		if !t.State.terminal() {
			n++
		}
	}
	return n
}

// Get returns a snapshot of the task with the given id, or errs.NotFound.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "task not found: "+id)
	}
	return t.snapshot(), nil
}

// ByUpstream looks up a live task by its (backend, upstream_prompt_id) pair.
// Returns errs.NotFound once a task has moved to a terminal state via a path
// other than the matching upstream event — e.g. a cancelled dispatched task —
// so that a later, stale terminal event for that id is correctly ignored
// per spec.md §4.6.
func (s *Store) ByUpstream(backend, upstreamPromptID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byUpstream[BackendRef{Backend: backend, UpstreamPromptID: upstreamPromptID}]
	if !ok || t.State.terminal() {
		return nil, errs.New(errs.NotFound, "no live task for upstream id")
	}
	return t.snapshot(), nil
}

// List returns a snapshot of every task currently tracked.
func (s *Store) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t.snapshot())
	}
	return out
}

// TransitionOpt mutates fields that accompany a state transition.
type TransitionOpt func(*Task)

// WithBackendAssignment records the (backend, upstream_prompt_id) pair on a
// dispatching → dispatched transition.
func WithBackendAssignment(backend, upstreamPromptID string) TransitionOpt {
	return func(t *Task) {
		t.AssignedBackend = backend
		t.UpstreamPromptID = upstreamPromptID
	}
}

// WithError records the most recent failure on a transition to pending or a
// terminal state.
func WithError(kind errs.Kind, message string) TransitionOpt {
	return func(t *Task) {
		t.LastErrorKind = kind
		t.LastError = message
	}
}

// WithAttemptIncrement bumps Attempts; Attempts is monotone non-decreasing
// per spec.md §3.
func WithAttemptIncrement() TransitionOpt {
	return func(t *Task) { t.Attempts++ }
}

// Transition moves a task to newState, enforcing the edges in spec.md §3.
// An illegal transition returns errs.InvalidTransition and leaves the task
// untouched — it is a programming error, not a runtime condition callers
// should route around.
func (s *Store) Transition(id string, newState State, opts ...TransitionOpt) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, newState, opts...)
}

// transitionLocked performs the transition in allowedEdges; s.mu must
// already be held by the caller.
func (s *Store) transitionLocked(id string, newState State, opts ...TransitionOpt) (*Task, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "task not found: "+id)
	}
	if t.State.terminal() {
		// Terminal states are frozen; a redundant terminal event is a no-op,
		// not an error, per spec.md §5's terminal-transition critical section.
		if newState == t.State {
			return t.snapshot(), nil
		}
		return nil, errs.New(errs.InvalidTransition,
			"task "+id+" is terminal ("+string(t.State)+"), cannot move to "+string(newState))
	}
	if !allowedEdges[t.State][newState] {
		return nil, errs.New(errs.InvalidTransition,
			"illegal transition "+string(t.State)+" -> "+string(newState)+" for task "+id)
	}

	// Clear the upstream index entry before the old ref is overwritten, and
	// re-key afterward — the (backend, upstream_prompt_id) pair is only ever
	// populated on the dispatching -> dispatched edge.
	if t.AssignedBackend != "" && t.UpstreamPromptID != "" {
		delete(s.byUpstream, t.ref())
	}

	t.State = newState
	for _, opt := range opts {
		opt(t)
	}

	if t.State == Dispatched && t.AssignedBackend != "" && t.UpstreamPromptID != "" {
		t.DispatchedAt = time.Now()
		s.byUpstream[t.ref()] = t
	}

	return t.snapshot(), nil
}

// Cancel transitions a task to Cancelled. Cancelling an already-terminal
// task is a no-op that returns success, per spec.md §8.
func (s *Store) Cancel(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "task not found: "+id)
	}
	if t.State.terminal() {
		return t.snapshot(), nil
	}
	return s.transitionLocked(id, Cancelled)
}
