package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comfylb/balancer/registry"
)

// RequeueFunc is called by the Health Monitor once per healthy->unhealthy
// edge, with the name of the backend that just went unhealthy. The
// Dispatcher supplies the real implementation; it re-queues or fails every
// task dispatched to that backend per spec.md §4.2.
type RequeueFunc func(backendName string)

// Monitor is the Health Monitor described in spec.md §4.2: it probes every
// known backend on a fixed interval and drives Registry status transitions
// from the rolling consecutive_ok/consecutive_fail counters.
type Monitor struct {
	reg      *registry.Registry
	pool     *Pool
	interval time.Duration
	timeout  time.Duration

	healthyThreshold   int
	unhealthyThreshold int

	onUnhealthy RequeueFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Health Monitor. onUnhealthy may be nil in tests that
// don't care about re-queue side effects.
func NewMonitor(reg *registry.Registry, pool *Pool, interval, timeout time.Duration, healthyThreshold, unhealthyThreshold int, onUnhealthy RequeueFunc) *Monitor {
	return &Monitor{
		reg:                reg,
		pool:               pool,
		interval:           interval,
		timeout:            timeout,
		healthyThreshold:   healthyThreshold,
		unhealthyThreshold: unhealthyThreshold,
		onUnhealthy:        onUnhealthy,
		done:               make(chan struct{}),
	}
}

// Start begins the background probe loop: an immediate round, then one
// every interval, until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	go func() {
		defer close(m.done)

		m.ProbeAll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(ctx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// ProbeAll pings every backend concurrently. Exported so the admin API's
// POST /lb/health-check can trigger an immediate round outside the regular
// interval.
func (m *Monitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.pool.All() {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			m.probeOne(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, c *Client) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snap, err := c.QueryQueue(probeCtx)

	ok := err == nil
	var pending, running int
	if ok {
		pending, running = len(snap.Pending), len(snap.Running)
	}

	before, after, regErr := m.reg.RecordProbe(c.Name, ok, m.healthyThreshold, m.unhealthyThreshold, pending, running)
	if regErr != nil {
		// Backend was removed between listing the pool and probing it.
		return
	}

	if !ok {
		slog.Warn("health monitor: probe failed", "backend", c.Name, "error", err)
	}

	if before == registry.Healthy && after == registry.Unhealthy {
		slog.Warn("health monitor: backend went unhealthy", "backend", c.Name)
		if m.onUnhealthy != nil {
			m.onUnhealthy(c.Name)
		}
	} else if before != registry.Healthy && after == registry.Healthy {
		slog.Info("health monitor: backend became healthy", "backend", c.Name)
	}
}
