// Package scheduler implements the pure backend-selection policy described
// in spec.md §4.4. It holds no state of its own beyond the current strategy
// and round_robin's rotation cursor.
package scheduler

import (
	"sync"

	"github.com/comfylb/balancer/errs"
	"github.com/comfylb/balancer/registry"
)

// Strategy names the selection policy, runtime-switchable via the admin API.
type Strategy string

const (
	LeastBusy  Strategy = "least_busy"
	RoundRobin Strategy = "round_robin"
	Weighted   Strategy = "weighted"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case LeastBusy, RoundRobin, Weighted:
		return true
	}
	return false
}

// Scheduler selects a backend for a waiting task from a Registry snapshot.
// Safe for concurrent use; the only mutable state is the round_robin cursor.
type Scheduler struct {
	mu         sync.Mutex
	strategy   Strategy
	preferIdle bool
	rrCursor   int
}

// New creates a Scheduler with the given initial strategy and prefer_idle
// setting.
func New(strategy Strategy, preferIdle bool) *Scheduler {
	if !strategy.Valid() {
		strategy = LeastBusy
	}
	return &Scheduler{strategy: strategy, preferIdle: preferIdle}
}

// SetStrategy switches the active strategy live; it takes effect on the
// next Select call.
func (s *Scheduler) SetStrategy(strategy Strategy) error {
	if !strategy.Valid() {
		return errs.New(errs.ConfigInvalid, "unknown scheduler strategy: "+string(strategy))
	}
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
	return nil
}

// SetPreferIdle toggles the prefer_idle pre-filter.
func (s *Scheduler) SetPreferIdle(preferIdle bool) {
	s.mu.Lock()
	s.preferIdle = preferIdle
	s.mu.Unlock()
}

// State returns the current strategy and prefer_idle setting, for the admin
// API's GET /lb/scheduler.
func (s *Scheduler) State() (Strategy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy, s.preferIdle
}

// Select picks a backend to dispatch the next waiting task to, given the
// current registry snapshot. Returns errs.NoCapacity if no backend is
// eligible; that kind must never escape the Dispatcher.
func (s *Scheduler) Select(snapshot []*registry.Backend) (*registry.Backend, error) {
	s.mu.Lock()
	strategy := s.strategy
	preferIdle := s.preferIdle
	s.mu.Unlock()

	candidates := eligible(snapshot)
	if len(candidates) == 0 {
		return nil, errs.New(errs.NoCapacity, "no eligible backend")
	}

	if preferIdle {
		if idle := idleOnly(candidates); len(idle) > 0 {
			candidates = idle
		}
	}

	var chosen *registry.Backend
	switch strategy {
	case RoundRobin:
		chosen = s.selectRoundRobin(candidates)
	case Weighted:
		chosen = selectWeighted(candidates)
	default:
		chosen = selectLeastBusy(candidates)
	}
	return chosen, nil
}

// eligible returns backends with status healthy, enabled, and spare
// capacity, per spec.md §4.4.
func eligible(snapshot []*registry.Backend) []*registry.Backend {
	out := make([]*registry.Backend, 0, len(snapshot))
	for _, b := range snapshot {
		if b.Status == registry.Healthy && b.Enabled && b.Load() < b.MaxQueue {
			out = append(out, b)
		}
	}
	return out
}

func idleOnly(candidates []*registry.Backend) []*registry.Backend {
	out := make([]*registry.Backend, 0, len(candidates))
	for _, b := range candidates {
		if b.Pending+b.Running == 0 {
			out = append(out, b)
		}
	}
	return out
}

// selectLeastBusy minimises reserved+pending+running, tie-breaking on
// higher weight then insertion order (candidates already arrive in
// insertion order from registry.Snapshot).
func selectLeastBusy(candidates []*registry.Backend) *registry.Backend {
	best := candidates[0]
	for _, b := range candidates[1:] {
		switch {
		case b.Load() < best.Load():
			best = b
		case b.Load() == best.Load() && b.Weight > best.Weight:
			best = b
		}
	}
	return best
}

// selectWeighted minimises load/weight using real arithmetic, tie-breaking
// the same way as selectLeastBusy.
func selectWeighted(candidates []*registry.Backend) *registry.Backend {
	best := candidates[0]
	bestRatio := ratio(best)
	for _, b := range candidates[1:] {
		r := ratio(b)
		switch {
		case r < bestRatio:
			best, bestRatio = b, r
		case r == bestRatio && b.Weight > best.Weight:
			best, bestRatio = b, r
		}
	}
	return best
}

func ratio(b *registry.Backend) float64 {
	return float64(b.Load()) / float64(b.Weight)
}

// selectRoundRobin rotates through candidates by insertion order, resuming
// from the cursor left by the previous selection. The cursor indexes into
// the full eligible set each call, so it naturally skips backends that have
// dropped out since the last pick.
func (s *Scheduler) selectRoundRobin(candidates []*registry.Backend) *registry.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.rrCursor % len(candidates)
	chosen := candidates[idx]
	s.rrCursor = idx + 1
	return chosen
}
