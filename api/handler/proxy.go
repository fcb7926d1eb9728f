package handler

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/dispatcher"
	"github.com/comfylb/balancer/errs"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/task"
)

// ProxyHandler implements the ComfyUI-compatible entrypoint in spec.md §4.9:
// it maps the client-facing /prompt, /queue, /history and /ws endpoints onto
// Dispatcher, Task Store and Backend Client operations. Payloads are
// carried as opaque byte blobs throughout, per spec.md §9 — this handler
// never parses prompt node structure, only the top-level client_id used for
// event routing.
type ProxyHandler struct {
	disp          *dispatcher.Dispatcher
	store         *task.Store
	reg           *registry.Registry
	pool          *backend.Pool
	submitTimeout time.Duration
}

// NewProxyHandler wires a ProxyHandler to the core components it fronts.
func NewProxyHandler(disp *dispatcher.Dispatcher, store *task.Store, reg *registry.Registry, pool *backend.Pool, submitTimeout time.Duration) *ProxyHandler {
	return &ProxyHandler{disp: disp, store: store, reg: reg, pool: pool, submitTimeout: submitTimeout}
}

// clientIDEnvelope extracts only the field this handler needs to route
// events; everything else in the body is forwarded untouched as Payload.
type clientIDEnvelope struct {
	ClientID string `json:"client_id"`
}

// Submit handles POST /prompt. It creates a Task and, per spec.md §4.9,
// blocks until the task is dispatched or submit_timeout elapses — whichever
// comes first — returning a 202-style queued response if the timeout wins.
func (h *ProxyHandler) Submit(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading request body: " + err.Error()})
		return
	}

	var envelope clientIDEnvelope
	_ = json.Unmarshal(raw, &envelope)

	t, err := h.disp.Submit(raw, envelope.ClientID)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.submitTimeout)
	defer cancel()
	final := h.disp.AwaitDispatch(ctx, t.ID)
	if final == nil {
		final = t
	}

	switch final.State {
	case task.Dispatched:
		c.JSON(http.StatusOK, gin.H{
			"task_id":            final.ID,
			"prompt_id":          final.UpstreamPromptID,
			"upstream_prompt_id": final.UpstreamPromptID,
			"number":             0,
			"node_errors":        gin.H{},
		})
	case task.Failed:
		c.JSON(http.StatusOK, gin.H{
			"task_id":     final.ID,
			"error":       final.LastError,
			"error_kind":  string(final.LastErrorKind),
			"node_errors": gin.H{},
		})
	default:
		// Still pending/dispatching when submit_timeout elapsed: the task
		// remains queued, reported with a 202-style body per spec.md §4.9.
		c.JSON(http.StatusAccepted, gin.H{
			"task_id":     final.ID,
			"state":       string(final.State),
			"node_errors": gin.H{},
		})
	}
}

// queueEntry is one row of the aggregated GET /queue response.
type queueEntry struct {
	TaskID           string `json:"task_id"`
	Backend          string `json:"backend,omitempty"`
	UpstreamPromptID string `json:"upstream_prompt_id,omitempty"`
}

// Queue handles GET /queue from the Task Store alone: dispatched tasks on
// every backend are listed under queue_running, whether or not the backend
// has started them, and pending/dispatching tasks under queue_pending.
// Backends' own /queue endpoints are not queried.
func (h *ProxyHandler) Queue(c *gin.Context) {
	var running, pending []queueEntry
	for _, t := range h.store.List() {
		switch t.State {
		case task.Dispatched:
			running = append(running, queueEntry{TaskID: t.ID, Backend: t.AssignedBackend, UpstreamPromptID: t.UpstreamPromptID})
		case task.Pending, task.Dispatching:
			pending = append(pending, queueEntry{TaskID: t.ID})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"queue_running": running,
		"queue_pending": pending,
	})
}

// cancelRequest mirrors ComfyUI's POST /queue delete body: a list of ids to
// cancel. Ids are resolved as balancer task ids (the task_id field of the
// POST /prompt response); upstream prompt ids are not recognised.
type cancelRequest struct {
	Delete []string `json:"delete"`
}

// CancelQueue handles POST /queue: resolves each id to a Task and cancels
// it, per spec.md §4.9. Unknown ids are skipped rather than failing the
// whole batch, matching ComfyUI's best-effort delete semantics.
func (h *ProxyHandler) CancelQueue(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cancelled := make([]string, 0, len(req.Delete))
	for _, id := range req.Delete {
		if _, err := h.disp.Cancel(id); err == nil {
			cancelled = append(cancelled, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// History handles GET /history by choosing a single healthy backend
// deterministically by name hash and returning that backend's name. The
// backend's history listing is not fetched or forwarded; this route carries
// no id to resolve against a specific task.
func (h *ProxyHandler) History(c *gin.Context) {
	b := h.pickReadBackend("")
	if b == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no healthy backend available"})
		return
	}
	client, ok := h.pool.Get(b.Name)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no client for backend " + b.Name})
		return
	}
	// The aggregate history listing has no single prompt id to query; report
	// which backend would serve detail lookups so clients can page directly.
	c.JSON(http.StatusOK, gin.H{"backend": client.Name})
}

// HistoryByID handles GET /history/{id}: resolves id as a balancer task id,
// then proxies to the backend it was dispatched to. An id unknown to the
// Task Store yields 404 — spec.md §4.9's "unknown id -> 404"; a known task
// with no upstream assignment is answered 200 with its balancer state.
func (h *ProxyHandler) HistoryByID(c *gin.Context) {
	id := c.Param("id")
	t, err := h.store.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if t.AssignedBackend == "" || t.UpstreamPromptID == "" {
		c.JSON(http.StatusOK, gin.H{"task_id": t.ID, "status": string(t.State)})
		return
	}
	client, ok := h.pool.Get(t.AssignedBackend)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	entry, err := client.QueryHistory(c.Request.Context(), t.UpstreamPromptID)
	if err != nil {
		kind, _ := errs.KindOf(err)
		if kind == errs.NotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": t.ID, "status": string(t.State), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":   t.ID,
		"prompt_id": entry.PromptID,
		"status":    entry.Status,
		"outputs":   entry.Outputs,
	})
}

// pickReadBackend deterministically selects a healthy, enabled backend by
// hashing key against the sorted backend name list, so repeated calls with
// the same key land on the same backend for cache-friendliness, per
// spec.md §4.9.
func (h *ProxyHandler) pickReadBackend(key string) *registry.Backend {
	snapshot := h.reg.Snapshot()
	var healthy []*registry.Backend
	for _, b := range snapshot {
		if b.Status == registry.Healthy && b.Enabled {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].Name < healthy[j].Name })

	h64 := fnv.New32a()
	_, _ = h64.Write([]byte(key))
	return healthy[h64.Sum32()%uint32(len(healthy))]
}
