// Package dispatcher implements the Dispatcher (spec.md §4.6): the
// match-maker pairing pending tasks with backend capacity, the FIFO
// waitlist and the single condition variable that signals both
// waitlist-non-empty and capacity-increased, and the completion/cancellation
// paths that drive tasks to a terminal state.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comfylb/balancer/audit"
	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/errs"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/metrics"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/scheduler"
	"github.com/comfylb/balancer/task"
)

// Config bundles the Dispatcher's tunables, sourced from config.Queue,
// config.HealthCheck and config.Server (SubmitTimeout).
type Config struct {
	RetryInterval       time.Duration
	MaxRetries          int
	SubmitTimeout       time.Duration
	HistoryPollInterval time.Duration
}

// Dispatcher owns the FIFO waitlist and runs the single dispatch loop
// described in spec.md §4.6. Construct with New and call Start once.
type Dispatcher struct {
	tasks   *task.Store
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	clients *backend.Pool
	bus     *events.Bus
	auditDB *audit.Log // optional; nil disables the supplementary history log
	cfg     Config

	mu           sync.Mutex
	cond         *sync.Cond // guards and signals both waitlist-non-empty and capacity-increased
	waitlist     []string
	shuttingDown bool

	waitersMu sync.Mutex
	waiters   map[string][]chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher wired to the given core components.
func New(tasks *task.Store, reg *registry.Registry, sched *scheduler.Scheduler, clients *backend.Pool, bus *events.Bus, cfg Config) *Dispatcher {
	d := &Dispatcher{
		tasks:   tasks,
		reg:     reg,
		sched:   sched,
		clients: clients,
		bus:     bus,
		cfg:     cfg,
		waiters: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetAuditLog attaches the supplementary append-only transition log
// described in SPEC_FULL.md's DOMAIN STACK section. Optional: a Dispatcher
// with no audit log attached behaves identically, just without history.
func (d *Dispatcher) SetAuditLog(auditDB *audit.Log) {
	d.auditDB = auditDB
}

// Start launches the dispatch loop and the history-poll fallback loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	// A cancelled context must wake goroutines blocked in cond.Wait, which
	// has no context-aware variant.
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	go func() {
		defer close(d.done)
		d.run(ctx)
	}()

	if d.cfg.HistoryPollInterval > 0 {
		go d.pollHistoryLoop(ctx)
	}
}

// Stop stops accepting new tasks and waits up to grace for dispatching
// tasks to settle, per spec.md §5. Dispatched tasks are left untouched.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.mu.Lock()
	d.shuttingDown = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	select {
	case <-d.done:
	case <-time.After(grace):
		slog.Warn("dispatcher: shutdown grace period elapsed with the dispatch loop still running")
	}
}

// Submit creates a new Task and enqueues it for dispatch. Returns
// errs.QueueFull if the Task Store is at capacity.
func (d *Dispatcher) Submit(payload []byte, clientID string) (*task.Task, error) {
	d.mu.Lock()
	shuttingDown := d.shuttingDown
	d.mu.Unlock()
	if shuttingDown {
		return nil, errs.New(errs.SubmitUnavailable, "balancer is shutting down")
	}

	t, err := d.tasks.Create(payload, clientID)
	if err != nil {
		return nil, err
	}
	d.enqueue(t.ID)
	d.publishTask(t)
	return t, nil
}

func (d *Dispatcher) enqueue(taskID string) {
	d.mu.Lock()
	d.waitlist = append(d.waitlist, taskID)
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Dispatcher) enqueueHead(taskID string) {
	d.mu.Lock()
	d.waitlist = append([]string{taskID}, d.waitlist...)
	d.cond.Broadcast()
	d.mu.Unlock()
}

// AwaitDispatch blocks until task taskID leaves the pending/dispatching
// states (it was dispatched, cancelled, or failed outright) or ctx is done,
// whichever comes first. The Proxy Facade uses this to implement the
// submit_timeout-bounded POST /prompt response described in spec.md §4.9.
func (d *Dispatcher) AwaitDispatch(ctx context.Context, taskID string) *task.Task {
	t, err := d.tasks.Get(taskID)
	if err != nil {
		return nil
	}
	if t.State != task.Pending && t.State != task.Dispatching {
		return t
	}

	ch := make(chan struct{})
	d.waitersMu.Lock()
	d.waiters[taskID] = append(d.waiters[taskID], ch)
	d.waitersMu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}

	t, err = d.tasks.Get(taskID)
	if err != nil {
		return nil
	}
	return t
}

func (d *Dispatcher) wakeWaiters(taskID string) {
	d.waitersMu.Lock()
	chans := d.waiters[taskID]
	delete(d.waiters, taskID)
	d.waitersMu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// Cancel cancels a task. Pending/dispatching tasks are cancelled directly;
// a dispatched task also gets a best-effort upstream cancel call.
func (d *Dispatcher) Cancel(taskID string) (*task.Task, error) {
	before, err := d.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}

	if before.State == task.Dispatched {
		if c, ok := d.clients.Get(before.AssignedBackend); ok {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SubmitTimeout)
			c.Cancel(ctx, before.UpstreamPromptID)
			cancel()
		}
	}

	t, err := d.tasks.Cancel(taskID)
	if err != nil {
		return nil, err
	}

	if t.State == task.Cancelled && before.State != task.Cancelled {
		d.removeFromWaitlist(taskID)
		if before.AssignedBackend != "" {
			d.reg.ReleaseSlot(before.AssignedBackend)
			d.notifyCapacity()
		}
		d.wakeWaiters(taskID)
		d.publishTask(t)
	}
	return t, nil
}

func (d *Dispatcher) removeFromWaitlist(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, id := range d.waitlist {
		if id == taskID {
			d.waitlist = append(d.waitlist[:i], d.waitlist[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) notifyCapacity() {
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// HandleBackendUnhealthy is the Health Monitor's hook for the
// healthy->unhealthy edge (spec.md §4.2): every task dispatched to name is
// re-queued if it still has retries left, else failed with BackendLost.
func (d *Dispatcher) HandleBackendUnhealthy(name string) {
	for _, t := range d.tasks.List() {
		if t.State != task.Dispatched || t.AssignedBackend != name {
			continue
		}
		d.reg.ReleaseSlot(name)

		if t.Attempts < d.cfg.MaxRetries {
			updated, err := d.tasks.Transition(t.ID, task.Pending,
				task.WithAttemptIncrement(),
				task.WithError(errs.BackendLost, "backend "+name+" went unhealthy"))
			if err != nil {
				continue
			}
			d.enqueueHead(updated.ID)
			d.publishTask(updated)
		} else {
			updated, err := d.tasks.Transition(t.ID, task.Failed,
				task.WithError(errs.BackendLost, "backend "+name+" went unhealthy, retries exhausted"))
			if err != nil {
				continue
			}
			d.wakeWaiters(updated.ID)
			d.publishTask(updated)
		}
	}
	d.notifyCapacity()
}

// CompleteUpstream drives a dispatched task to a terminal state on a
// successful or failed upstream execution result, whether observed via the
// Event Hub or the history-poll fallback. A stale id (already terminal, or
// unknown) is silently ignored, satisfying the cancellation-then-late-event
// case in spec.md §4.6.
func (d *Dispatcher) CompleteUpstream(backendName, promptID string, success bool, message string) {
	t, err := d.tasks.ByUpstream(backendName, promptID)
	if err != nil {
		return
	}

	newState := task.Completed
	var opts []task.TransitionOpt
	if !success {
		newState = task.Failed
		opts = append(opts, task.WithError(errs.SubmitRejected, message))
	}

	updated, err := d.tasks.Transition(t.ID, newState, opts...)
	if err != nil {
		return
	}

	d.reg.ReleaseSlot(backendName)
	d.notifyCapacity()
	d.wakeWaiters(updated.ID)
	d.publishTask(updated)
}

func (d *Dispatcher) publishTask(t *task.Task) {
	metrics.TaskTransitions.WithLabelValues(string(t.State)).Inc()

	if d.auditDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := d.auditDB.Record(ctx, t); err != nil {
			slog.Warn("dispatcher: audit record failed", "task_id", t.ID, "error", err)
		}
		cancel()
	}

	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Type: events.TaskUpdate, Data: t})
}

// run is the single dispatch loop described in spec.md §4.6.
func (d *Dispatcher) run(ctx context.Context) {
	for {
		d.mu.Lock()
		for len(d.waitlist) == 0 {
			if ctx.Err() != nil {
				d.mu.Unlock()
				return
			}
			d.cond.Wait()
			if ctx.Err() != nil {
				d.mu.Unlock()
				return
			}
		}
		taskID := d.waitlist[0]
		d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		t, err := d.tasks.Get(taskID)
		if err != nil || t.State != task.Pending {
			// Stale entry: already cancelled/handled by another path.
			d.removeFromWaitlist(taskID)
			continue
		}

		candidate, err := d.sched.Select(d.reg.Snapshot())
		if err != nil {
			// NoCapacity: wait for a capacity signal before retrying.
			d.mu.Lock()
			if ctx.Err() == nil {
				d.cond.Wait()
			}
			d.mu.Unlock()
			continue
		}

		d.removeFromWaitlist(taskID)
		d.dispatchOne(ctx, t, candidate.Name)
	}
}

// dispatchOne performs the reserve-or-reject critical section (Registry
// before Task Store, per the documented lock ordering) and the submit call.
func (d *Dispatcher) dispatchOne(ctx context.Context, t *task.Task, backendName string) {
	if _, err := d.reg.Reserve(backendName); err != nil {
		// Lost the race for capacity; put the task back at the head and let
		// the next loop iteration re-evaluate.
		d.enqueueHead(t.ID)
		return
	}

	dispatching, err := d.tasks.Transition(t.ID, task.Dispatching)
	if err != nil {
		// Task was cancelled concurrently; undo the reservation.
		d.reg.ReleaseReservation(backendName)
		return
	}
	d.publishTask(dispatching)

	client, ok := d.clients.Get(backendName)
	if !ok {
		d.reg.ReleaseReservation(backendName)
		d.requeueOrFail(t.ID, errs.SubmitUnavailable, "no client configured for backend "+backendName)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	upstreamID, err := client.Submit(submitCtx, dispatching.Payload)
	cancel()

	if err != nil {
		d.reg.ReleaseReservation(backendName)
		kind, _ := errs.KindOf(err)
		if kind == errs.SubmitRejected {
			updated, tErr := d.tasks.Transition(t.ID, task.Failed, task.WithError(errs.SubmitRejected, err.Error()))
			if tErr == nil {
				d.wakeWaiters(updated.ID)
				d.publishTask(updated)
			}
			return
		}
		d.requeueOrFail(t.ID, errs.SubmitUnavailable, err.Error())
		return
	}

	d.reg.ConfirmDispatch(backendName)
	dispatched, err := d.tasks.Transition(t.ID, task.Dispatched, task.WithBackendAssignment(backendName, upstreamID))
	if err != nil {
		return
	}
	metrics.DispatchLatency.WithLabelValues(backendName).Observe(time.Since(dispatched.CreatedAt).Seconds())
	d.wakeWaiters(dispatched.ID)
	d.publishTask(dispatched)
}

// requeueOrFail handles a retryable submit failure: re-queue after
// retry_interval if attempts remain, else fail with errs.SubmitExhausted.
func (d *Dispatcher) requeueOrFail(taskID string, kind errs.Kind, message string) {
	t, err := d.tasks.Get(taskID)
	if err != nil {
		return
	}
	if t.Attempts+1 < d.cfg.MaxRetries {
		updated, err := d.tasks.Transition(taskID, task.Pending, task.WithAttemptIncrement(), task.WithError(kind, message))
		if err != nil {
			return
		}
		d.publishTask(updated)
		time.AfterFunc(d.cfg.RetryInterval, func() {
			d.enqueue(updated.ID)
		})
		return
	}

	updated, err := d.tasks.Transition(taskID, task.Failed, task.WithAttemptIncrement(), task.WithError(errs.SubmitExhausted, message))
	if err != nil {
		return
	}
	d.wakeWaiters(updated.ID)
	d.publishTask(updated)
}

// pollHistoryLoop is the completion fallback for when Event Hub frames are
// unavailable (upstream WS disconnected): every interval, any dispatched
// task older than twice the interval is checked against the backend's
// history endpoint.
func (d *Dispatcher) pollHistoryLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HistoryPollInterval)
	defer ticker.Stop()

	threshold := 2 * d.cfg.HistoryPollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range d.tasks.List() {
				if t.State != task.Dispatched || time.Since(t.DispatchedAt) < threshold {
					continue
				}
				d.pollOne(ctx, t)
			}
		}
	}
}

func (d *Dispatcher) pollOne(ctx context.Context, t *task.Task) {
	client, ok := d.clients.Get(t.AssignedBackend)
	if !ok {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	entry, err := client.QueryHistory(pollCtx, t.UpstreamPromptID)
	cancel()
	if err != nil {
		return
	}
	success := entry.Status != "error"
	d.CompleteUpstream(t.AssignedBackend, t.UpstreamPromptID, success, "history poll: "+entry.Status)
}
