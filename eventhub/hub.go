// Package eventhub implements the Event Hub (spec.md §4.7): it fans
// upstream WebSocket frames from every backend out to subscribed downstream
// clients, rewriting ids via the Task Store, and mirrors terminal frames
// into the Dispatcher's completion path.
package eventhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/metrics"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/task"
)

// completer is the subset of *dispatcher.Dispatcher the Hub depends on;
// declared locally so eventhub does not import dispatcher and tests can
// supply a fake.
type completer interface {
	CompleteUpstream(backendName, promptID string, success bool, message string)
}

// downstreamBuffer bounds how far a client WebSocket writer may lag before
// being dropped as a slow consumer, per spec.md §4.7.
const downstreamBuffer = 32

type subscriber struct {
	clientID     string
	promptFilter string // empty = all prompts for this client
	send         chan []byte
}

// Hub is the Event Hub. Construct with New, call Start once with the
// backend pool whose upstream streams should be fanned in.
type Hub struct {
	tasks     *task.Store
	dispatch  completer
	reg       *registry.Registry
	frames    chan backend.Frame
	terminals map[string]bool

	mu        sync.Mutex
	subs      map[string]map[*subscriber]struct{} // keyed by client_id
	executing map[task.BackendRef]bool            // tasks already promoted to Running
}

// New creates an Event Hub. reg may be nil in tests that don't care about
// the running-count refinement described below Hub.HandleFrame.
func New(tasks *task.Store, dispatch completer, reg *registry.Registry) *Hub {
	return &Hub{
		tasks:    tasks,
		dispatch: dispatch,
		reg:      reg,
		frames:   make(chan backend.Frame, 256),
		terminals: map[string]bool{
			"execution_success": true,
			"execution_error":   true,
		},
		subs:      make(map[string]map[*subscriber]struct{}),
		executing: make(map[task.BackendRef]bool),
	}
}

// Start launches one upstream reader goroutine per backend in pool, plus
// the fan-out loop that consumes decoded frames.
func (h *Hub) Start(ctx context.Context, pool *backend.Pool) {
	for _, c := range pool.All() {
		go c.Subscribe(ctx, h.frames)
	}
	go h.run(ctx)
}

// Register adds a downstream subscriber keyed by clientID, optionally
// filtered to a single prompt id. It returns a channel of rewritten frame
// bytes and an unsubscribe function the caller must invoke on disconnect.
// If the Hub drops the subscriber as a slow consumer, the channel is closed
// — a read returning ok=false is the caller's signal to close the
// WebSocket with a slow_consumer reason.
func (h *Hub) Register(clientID, promptFilter string) (<-chan []byte, func()) {
	sub := &subscriber{
		clientID:     clientID,
		promptFilter: promptFilter,
		send:         make(chan []byte, downstreamBuffer),
	}

	h.mu.Lock()
	if h.subs[clientID] == nil {
		h.subs[clientID] = make(map[*subscriber]struct{})
	}
	h.subs[clientID][sub] = struct{}{}
	h.mu.Unlock()
	metrics.WSSubscribers.Inc()

	unregister := func() {
		h.mu.Lock()
		if set, ok := h.subs[clientID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, clientID)
			}
		}
		h.mu.Unlock()
		metrics.WSSubscribers.Dec()
	}
	return sub.send, unregister
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-h.frames:
			h.HandleFrame(frame)
		}
	}
}

// HandleFrame processes one decoded upstream frame: task lookup/rewrite,
// downstream fan-out, and terminal-frame mirroring into the Dispatcher. An
// "executing" frame promotes the backend's local Pending/Running split via
// registry.PromoteToRunning the first time it's seen for a given upstream
// id, so the Scheduler's prefer_idle check need not wait for the next
// health-probe reconciliation to notice a task has moved off the upstream
// queue — the promotion is cleared once the task reaches a terminal frame,
// at which point the Dispatcher's own ReleaseSlot call takes over.
// Called by run() for frames arriving over a live backend subscription;
// exported so callers that don't go through Start (tests, or a future
// synthetic-event source) can feed frames directly.
func (h *Hub) HandleFrame(frame backend.Frame) {
	clientID := ""
	outgoing := frame.Raw

	if frame.PromptID != "" {
		if t, err := h.tasks.ByUpstream(frame.Backend, frame.PromptID); err == nil {
			clientID = t.ClientID
			outgoing = rewriteFrame(frame, t.ID)
		}
	}

	if frame.Type == "executing" && frame.PromptID != "" {
		h.promoteOnce(frame.Backend, frame.PromptID)
	}

	if h.terminals[frame.Type] && frame.PromptID != "" {
		h.clearPromotion(frame.Backend, frame.PromptID)
		h.dispatch.CompleteUpstream(frame.Backend, frame.PromptID, frame.Type == "execution_success", "upstream "+frame.Type)
	}

	if clientID != "" {
		h.fanOut(clientID, frame.PromptID, outgoing)
	}
}

// rewriteFrame replaces the upstream prompt_id in the frame's data with the
// balancer's internal task id, so downstream clients see a consistent id
// regardless of which backend served the task.
func rewriteFrame(frame backend.Frame, taskID string) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(frame.Raw, &envelope); err != nil {
		return frame.Raw
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(envelope["data"], &data); err != nil {
		return frame.Raw
	}
	rewritten, err := json.Marshal(taskID)
	if err != nil {
		return frame.Raw
	}
	data["prompt_id"] = rewritten
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return frame.Raw
	}
	envelope["data"] = dataBytes
	out, err := json.Marshal(envelope)
	if err != nil {
		return frame.Raw
	}
	return out
}

// promoteOnce calls registry.PromoteToRunning the first time ref is seen
// executing; a no-op on every subsequent "executing" frame for the same
// upstream id (ComfyUI emits one per node as the graph runs).
func (h *Hub) promoteOnce(backendName, promptID string) {
	if h.reg == nil {
		return
	}
	ref := task.BackendRef{Backend: backendName, UpstreamPromptID: promptID}
	h.mu.Lock()
	already := h.executing[ref]
	h.executing[ref] = true
	h.mu.Unlock()
	if !already {
		h.reg.PromoteToRunning(backendName)
	}
}

func (h *Hub) clearPromotion(backendName, promptID string) {
	h.mu.Lock()
	delete(h.executing, task.BackendRef{Backend: backendName, UpstreamPromptID: promptID})
	h.mu.Unlock()
}

func (h *Hub) fanOut(clientID, promptID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[clientID] {
		if sub.promptFilter != "" && sub.promptFilter != promptID {
			continue
		}
		select {
		case sub.send <- payload:
		default:
			slog.Warn("eventhub: dropping slow consumer", "client_id", clientID)
			close(sub.send)
			delete(h.subs[clientID], sub)
		}
	}
}
