// Package registry implements the Backend Registry: the thread-safe source
// of truth for the backend set and each backend's derived health/load state,
// described in spec.md §4.3.
package registry

import (
	"sync"
	"time"

	"github.com/comfylb/balancer/errs"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/metrics"
)

// Status is a backend's health classification.
type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
)

// Backend is one ComfyUI instance known to the balancer. Fields are grouped
// as spec.md §3 describes them: identity, config, and derived state.
type Backend struct {
	// Identity
	Name string

	// Config
	Host     string
	Port     int
	Weight   int
	MaxQueue int
	Enabled  bool

	// Derived state
	Status          Status
	ConsecutiveOK   int
	ConsecutiveFail int
	Pending         int
	Running         int
	Reserved        int
	LastProbeAt     time.Time

	// insertionOrder fixes the registration order used by round_robin and
	// as the least_busy/weighted tie-break; it never changes after Add.
	insertionOrder int
}

// Load returns the backend's current total charged capacity: reservations
// not yet confirmed, plus the last-known pending/running counts.
func (b Backend) Load() int {
	return b.Reserved + b.Pending + b.Running
}

// Drained reports whether a backend has zero tasks still in flight on it.
func (b Backend) Drained() bool {
	return b.Reserved == 0 && b.Pending == 0 && b.Running == 0
}

func (b Backend) clone() *Backend {
	cp := b
	return &cp
}

// Registry is the thread-safe `name -> Backend` map described in spec.md
// §4.3. The zero value is not usable; construct with New.
type Registry struct {
	mu   sync.Mutex
	bus  *events.Bus
	next int
	byID map[string]*Backend
}

// New creates an empty Registry. bus may be nil, in which case mutations
// are silent (useful in tests that don't care about the management feed).
func New(bus *events.Bus) *Registry {
	return &Registry{bus: bus, byID: make(map[string]*Backend)}
}

// Add registers a new backend. Fails with errs.NameConflict if the name is
// already taken. Newly added backends start in Status Unknown.
func (r *Registry) Add(cfg Backend) (*Backend, error) {
	r.mu.Lock()
	if _, exists := r.byID[cfg.Name]; exists {
		r.mu.Unlock()
		return nil, errs.New(errs.NameConflict, "backend already registered: "+cfg.Name)
	}
	if cfg.Weight < 1 {
		cfg.Weight = 1
	}
	if cfg.MaxQueue < 1 {
		cfg.MaxQueue = 1
	}
	cfg.Status = Unknown
	cfg.insertionOrder = r.next
	r.next++
	r.byID[cfg.Name] = cfg.clone()
	snapshot := r.byID[cfg.Name].clone()
	r.mu.Unlock()

	r.publishUpdate(snapshot)
	return snapshot, nil
}

// Remove deletes a backend. Permitted only when disabled and drained;
// otherwise fails with errs.BackendBusy, per spec.md §4.3 and the Open
// Question resolution in SPEC_FULL.md.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	b, ok := r.byID[name]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.BackendNotFound, "no such backend: "+name)
	}
	if b.Enabled || !b.Drained() {
		r.mu.Unlock()
		return errs.New(errs.BackendBusy, "backend must be disabled and drained before removal: "+name)
	}
	delete(r.byID, name)
	r.mu.Unlock()

	r.publishUpdate(&Backend{Name: name, Enabled: false})
	return nil
}

// Enable marks a backend eligible for new reservations.
func (r *Registry) Enable(name string) (*Backend, error) {
	return r.setEnabled(name, true)
}

// Disable immediately prevents new reservations on a backend; tasks already
// reserved or dispatched to it keep draining.
func (r *Registry) Disable(name string) (*Backend, error) {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) (*Backend, error) {
	r.mu.Lock()
	b, ok := r.byID[name]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New(errs.BackendNotFound, "no such backend: "+name)
	}
	b.Enabled = enabled
	snapshot := b.clone()
	r.mu.Unlock()

	r.publishUpdate(snapshot)
	return snapshot, nil
}

// Get returns a snapshot of a single backend by name.
func (r *Registry) Get(name string) (*Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[name]
	if !ok {
		return nil, errs.New(errs.BackendNotFound, "no such backend: "+name)
	}
	return b.clone(), nil
}

// Snapshot returns every backend in stable insertion order. It is the input
// the Scheduler selects over.
func (r *Registry) Snapshot() []*Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Backend, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, b.clone())
	}
	sortByInsertionOrder(out)
	return out
}

func sortByInsertionOrder(backends []*Backend) {
	for i := 1; i < len(backends); i++ {
		for j := i; j > 0 && backends[j].insertionOrder < backends[j-1].insertionOrder; j-- {
			backends[j], backends[j-1] = backends[j-1], backends[j]
		}
	}
}

// Reserve atomically charges one reservation against a backend if doing so
// would not exceed MaxQueue. Called by the Dispatcher inside the
// reserve-or-reject critical section described in spec.md §5; callers must
// hold whatever external lock orders Registry ahead of the Task Store.
func (r *Registry) Reserve(name string) (*Backend, error) {
	r.mu.Lock()
	b, ok := r.byID[name]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New(errs.BackendNotFound, "no such backend: "+name)
	}
	if b.Load()+1 > b.MaxQueue {
		r.mu.Unlock()
		return nil, errs.New(errs.NoCapacity, "backend at capacity: "+name)
	}
	b.Reserved++
	snapshot := b.clone()
	recordLoadMetric(b)
	r.mu.Unlock()
	return snapshot, nil
}

// ReleaseReservation undoes a Reserve that did not result in a confirmed
// dispatch (submit failed, or was never attempted).
func (r *Registry) ReleaseReservation(name string) {
	r.mu.Lock()
	b, ok := r.byID[name]
	if ok && b.Reserved > 0 {
		b.Reserved--
		recordLoadMetric(b)
	}
	r.mu.Unlock()
}

// ConfirmDispatch moves one unit of charge from Reserved to Pending,
// following a successful submit call.
func (r *Registry) ConfirmDispatch(name string) {
	r.mu.Lock()
	b, ok := r.byID[name]
	if ok {
		if b.Reserved > 0 {
			b.Reserved--
		}
		b.Pending++
		recordLoadMetric(b)
	}
	r.mu.Unlock()
}

// ReleaseRunning decrements Running by one if it is positive. The
// Dispatcher's terminal-transition path releases a task's charge through
// ReleaseSlot, not through this method.
func (r *Registry) ReleaseRunning(name string) {
	r.mu.Lock()
	b, ok := r.byID[name]
	if ok && b.Running > 0 {
		b.Running--
		recordLoadMetric(b)
	}
	r.mu.Unlock()
}

// ReleaseSlot releases whichever locally-tracked charge a task still holds
// on a backend when it leaves play: Running if the task had been promoted,
// else Pending, else Reserved. Exact attribution is reconciled by the next
// Health Monitor probe, so this only needs to be approximately right.
func (r *Registry) ReleaseSlot(name string) {
	r.mu.Lock()
	b, ok := r.byID[name]
	if ok {
		switch {
		case b.Running > 0:
			b.Running--
		case b.Pending > 0:
			b.Pending--
		case b.Reserved > 0:
			b.Reserved--
		}
		recordLoadMetric(b)
	}
	r.mu.Unlock()
}

// PromoteToRunning moves one unit from Pending to Running, used when the
// Event Hub observes a task has started executing upstream. The Health
// Monitor does not call it; RecordProbe overwrites Pending/Running instead.
func (r *Registry) PromoteToRunning(name string) {
	r.mu.Lock()
	b, ok := r.byID[name]
	if ok {
		if b.Pending > 0 {
			b.Pending--
		}
		b.Running++
		recordLoadMetric(b)
	}
	r.mu.Unlock()
}

// RecordProbe applies a health-probe outcome to consecutive_ok/fail and
// derives the Status transitions in spec.md §4.2. It returns the backend's
// status before and after the probe so the caller (Health Monitor) can
// detect a healthy->unhealthy edge and trigger re-queue.
func (r *Registry) RecordProbe(name string, ok bool, healthyThreshold, unhealthyThreshold int, queuePending, queueRunning int) (before, after Status, err error) {
	r.mu.Lock()
	b, found := r.byID[name]
	if !found {
		r.mu.Unlock()
		return "", "", errs.New(errs.BackendNotFound, "no such backend: "+name)
	}
	before = b.Status
	b.LastProbeAt = time.Now()

	if ok {
		b.ConsecutiveOK++
		b.ConsecutiveFail = 0
		b.Pending = queuePending
		b.Running = queueRunning
		if (b.Status == Unknown || b.Status == Unhealthy) && b.ConsecutiveOK >= healthyThreshold {
			b.Status = Healthy
		}
	} else {
		b.ConsecutiveFail++
		b.ConsecutiveOK = 0
		if b.Status == Healthy && b.ConsecutiveFail >= unhealthyThreshold {
			b.Status = Unhealthy
		} else if b.Status == Unknown && b.ConsecutiveFail >= unhealthyThreshold {
			b.Status = Unhealthy
		}
	}
	after = b.Status
	snapshot := b.clone()
	recordLoadMetric(b)
	recordStatusMetric(b)
	r.mu.Unlock()

	if before != after {
		r.publishUpdate(snapshot)
	}
	return before, after, nil
}

func (r *Registry) publishUpdate(b *Backend) {
	recordLoadMetric(b)
	recordStatusMetric(b)
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Type: events.BackendUpdate, Data: b})
}

// recordLoadMetric refreshes the backend_queue_depth gauge; callers must
// hold the Registry lock, since it reads Reserved/Pending/Running off a
// live *Backend, not a snapshot.
func recordLoadMetric(b *Backend) {
	metrics.QueueDepth.WithLabelValues(b.Name).Set(float64(b.Load()))
}

// recordStatusMetric sets backend_status to 1 for b's current status label
// and 0 for the others, so a Prometheus query can select on the label.
func recordStatusMetric(b *Backend) {
	for _, s := range []Status{Unknown, Healthy, Unhealthy} {
		v := 0.0
		if b.Status == s {
			v = 1.0
		}
		metrics.BackendStatus.WithLabelValues(b.Name, string(s)).Set(v)
	}
}
