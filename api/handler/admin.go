package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/comfylb/balancer/audit"
	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/dispatcher"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/scheduler"
	"github.com/comfylb/balancer/task"
)

// statsBroadcastTick is how often StartStatsBroadcast offers a fresh
// snapshot to the event bus; Bus.PublishStats coalesces these down to at
// most one stats_update per 200ms per spec.md §6, so this only needs to be
// frequent enough that a client polling at the coalesced rate never misses a
// beat.
const statsBroadcastTick = 200 * time.Millisecond

// AdminHandler implements the Admin API surface in spec.md §6: backend
// inventory CRUD, task inspection, scheduler control, and stats snapshots.
// Mutations go through the Registry, Dispatcher or Scheduler; the Registry
// and Dispatcher publish their own management-channel events. The handler's
// only direct use of the event bus is StartStatsBroadcast.
type AdminHandler struct {
	reg     *registry.Registry
	store   *task.Store
	sched   *scheduler.Scheduler
	disp    *dispatcher.Dispatcher
	pool    *backend.Pool
	monitor *backend.Monitor
	auditDB *audit.Log

	submitTimeout time.Duration
}

// NewAdminHandler wires an AdminHandler to the core components it fronts.
// auditDB may be nil, in which case GET /lb/audit reports it unavailable.
func NewAdminHandler(reg *registry.Registry, store *task.Store, sched *scheduler.Scheduler, disp *dispatcher.Dispatcher, pool *backend.Pool, monitor *backend.Monitor, auditDB *audit.Log, submitTimeout time.Duration) *AdminHandler {
	return &AdminHandler{
		reg: reg, store: store, sched: sched, disp: disp, pool: pool,
		monitor: monitor, auditDB: auditDB, submitTimeout: submitTimeout,
	}
}

// backendView is the admin-facing JSON projection of a registry.Backend.
type backendView struct {
	Name            string    `json:"name"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Weight          int       `json:"weight"`
	MaxQueue        int       `json:"max_queue"`
	Enabled         bool      `json:"enabled"`
	Status          string    `json:"status"`
	ConsecutiveOK   int       `json:"consecutive_ok"`
	ConsecutiveFail int       `json:"consecutive_fail"`
	Pending         int       `json:"pending"`
	Running         int       `json:"running"`
	Reserved        int       `json:"reserved"`
	LastProbeAt     time.Time `json:"last_probe_at"`
}

func toBackendView(b *registry.Backend) backendView {
	return backendView{
		Name: b.Name, Host: b.Host, Port: b.Port, Weight: b.Weight, MaxQueue: b.MaxQueue,
		Enabled: b.Enabled, Status: string(b.Status), ConsecutiveOK: b.ConsecutiveOK,
		ConsecutiveFail: b.ConsecutiveFail, Pending: b.Pending, Running: b.Running,
		Reserved: b.Reserved, LastProbeAt: b.LastProbeAt,
	}
}

// taskView is the admin-facing JSON projection of a task.Task.
type taskView struct {
	TaskID           string    `json:"task_id"`
	State            string    `json:"state"`
	ClientID         string    `json:"client_id"`
	AssignedBackend  string    `json:"assigned_backend,omitempty"`
	UpstreamPromptID string    `json:"upstream_prompt_id,omitempty"`
	Attempts         int       `json:"attempts"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorKind    string    `json:"last_error_kind,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func toTaskView(t *task.Task) taskView {
	return taskView{
		TaskID: t.ID, State: string(t.State), ClientID: t.ClientID,
		AssignedBackend: t.AssignedBackend, UpstreamPromptID: t.UpstreamPromptID,
		Attempts: t.Attempts, LastError: t.LastError, LastErrorKind: string(t.LastErrorKind),
		CreatedAt: t.CreatedAt,
	}
}

// StatsSnapshot builds the consistent backends+tasks+scheduler view spec.md
// §6/§8 describes, shared by GET /lb/stats and the management WS
// stats_update broadcaster so both read off the same computation.
func (h *AdminHandler) StatsSnapshot() gin.H {
	backends := h.reg.Snapshot()
	tasks := h.store.List()

	counts := map[string]int{}
	for _, t := range tasks {
		counts[string(t.State)]++
	}

	views := make([]backendView, 0, len(backends))
	for _, b := range backends {
		views = append(views, toBackendView(b))
	}

	strategy, preferIdle := h.sched.State()

	return gin.H{
		"backends":    views,
		"task_counts": counts,
		"total_tasks": len(tasks),
		"scheduler":   gin.H{"strategy": string(strategy), "prefer_idle": preferIdle},
	}
}

// Stats handles GET /lb/stats: a single consistent snapshot over the
// Registry and Task Store, satisfying the referential-transparency property
// in spec.md §8.
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.StatsSnapshot())
}

// StartStatsBroadcast periodically offers a fresh StatsSnapshot to bus as a
// stats_update event, per spec.md §6. Bus.PublishStats does the actual
// coalescing, so this loop's tick rate only bounds the worst-case staleness
// management WS subscribers see, not the publish rate itself. Runs until ctx
// is cancelled; call in its own goroutine.
func (h *AdminHandler) StartStatsBroadcast(ctx context.Context, bus *events.Bus) {
	ticker := time.NewTicker(statsBroadcastTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bus.PublishStats(h.StatsSnapshot())
		}
	}
}

// ListBackends handles GET /lb/backends.
func (h *AdminHandler) ListBackends(c *gin.Context) {
	backends := h.reg.Snapshot()
	views := make([]backendView, 0, len(backends))
	for _, b := range backends {
		views = append(views, toBackendView(b))
	}
	c.JSON(http.StatusOK, gin.H{"backends": views})
}

// createBackendRequest is the POST /lb/backends request body, matching the
// backend config fields in spec.md §3.
type createBackendRequest struct {
	Name     string `json:"name" binding:"required"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Weight   int    `json:"weight"`
	MaxQueue int    `json:"max_queue"`
	Enabled  bool   `json:"enabled"`
}

// CreateBackend handles POST /lb/backends: registers the backend with the
// Registry and opens an adapter for it in the client pool so the Dispatcher
// and Health Monitor can reach it immediately.
func (h *AdminHandler) CreateBackend(c *gin.Context) {
	var req createBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := h.reg.Add(registry.Backend{
		Name: req.Name, Host: req.Host, Port: req.Port,
		Weight: req.Weight, MaxQueue: req.MaxQueue, Enabled: req.Enabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	h.pool.Put(backend.New(b.Name, b.Host, b.Port, h.submitTimeout, rateInf))
	c.JSON(http.StatusCreated, toBackendView(b))
}

// DeleteBackend handles DELETE /lb/backends/{name}. Per spec.md §4.3 and
// SPEC_FULL.md's Open Question resolution, a backend must be disabled and
// drained first; the Registry enforces this and returns errs.BackendBusy
// otherwise.
func (h *AdminHandler) DeleteBackend(c *gin.Context) {
	name := c.Param("name")
	if err := h.reg.Remove(name); err != nil {
		writeError(c, err)
		return
	}
	h.pool.Remove(name)
	c.Status(http.StatusNoContent)
}

// EnableBackend handles POST /lb/backends/{name}/enable.
func (h *AdminHandler) EnableBackend(c *gin.Context) {
	b, err := h.reg.Enable(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBackendView(b))
}

// DisableBackend handles POST /lb/backends/{name}/disable.
func (h *AdminHandler) DisableBackend(c *gin.Context) {
	b, err := h.reg.Disable(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBackendView(b))
}

// ListTasks handles GET /lb/tasks.
func (h *AdminHandler) ListTasks(c *gin.Context) {
	tasks := h.store.List()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

// GetTask handles GET /lb/tasks/{task_id}.
func (h *AdminHandler) GetTask(c *gin.Context) {
	t, err := h.store.Get(c.Param("task_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(t))
}

// CancelTask handles DELETE /lb/tasks/{task_id}. Cancelling an
// already-terminal task is a no-op success per spec.md §8.
func (h *AdminHandler) CancelTask(c *gin.Context) {
	t, err := h.disp.Cancel(c.Param("task_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskView(t))
}

// TriggerHealthCheck handles POST /lb/health-check: runs one probe round
// immediately, outside the regular interval, and blocks until it completes
// so the response reflects the fresh state.
func (h *AdminHandler) TriggerHealthCheck(c *gin.Context) {
	h.monitor.ProbeAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"triggered": true})
}

// GetScheduler handles GET /lb/scheduler.
func (h *AdminHandler) GetScheduler(c *gin.Context) {
	strategy, preferIdle := h.sched.State()
	c.JSON(http.StatusOK, gin.H{"strategy": string(strategy), "prefer_idle": preferIdle})
}

// SetStrategy handles POST /lb/scheduler/strategy/{strategy}: switches the
// active selection policy live, effective on the Dispatcher's next Select
// call per spec.md §4.4.
func (h *AdminHandler) SetStrategy(c *gin.Context) {
	strategy := scheduler.Strategy(c.Param("strategy"))
	if err := h.sched.SetStrategy(strategy); err != nil {
		writeError(c, err)
		return
	}
	state, preferIdle := h.sched.State()
	c.JSON(http.StatusOK, gin.H{"strategy": string(state), "prefer_idle": preferIdle})
}

// setPreferIdleRequest is the POST /lb/scheduler/prefer-idle request body.
type setPreferIdleRequest struct {
	PreferIdle bool `json:"prefer_idle"`
}

// SetPreferIdle handles POST /lb/scheduler/prefer-idle: toggles the
// prefer_idle pre-filter live, effective on the Dispatcher's next Select
// call per spec.md §4.4.
func (h *AdminHandler) SetPreferIdle(c *gin.Context) {
	var req setPreferIdleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.sched.SetPreferIdle(req.PreferIdle)
	strategy, preferIdle := h.sched.State()
	c.JSON(http.StatusOK, gin.H{"strategy": string(strategy), "prefer_idle": preferIdle})
}

// Audit handles GET /lb/audit?task_id=...&limit=...: the supplementary
// append-only transition history described in SPEC_FULL.md's DOMAIN STACK
// section. Returns 503 if no audit database was configured.
func (h *AdminHandler) Audit(c *gin.Context) {
	if h.auditDB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail not configured"})
		return
	}

	if taskID := c.Query("task_id"); taskID != "" {
		entries, err := h.auditDB.ForTask(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.auditDB.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// rateInf is passed to every admin-created backend.Client, so newly added
// backends have no submit rate limit. Config-loaded backends are built with
// rate.Inf as well; neither the admin API nor the config file sets a rate.
var rateInf = rate.Inf
