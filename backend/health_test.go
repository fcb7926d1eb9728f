package backend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/registry"
)

var _ = Describe("Monitor", func() {
	It("drives unknown to healthy then healthy to unhealthy and signals requeue", func() {
		up := atomic.Bool{}
		up.Store(true)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !up.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"queue_running":[],"queue_pending":[]}`))
		}))
		defer srv.Close()

		u, _ := url.Parse(srv.URL)
		port, _ := strconv.Atoi(u.Port())

		reg := registry.New(events.NewBus())
		_, err := reg.Add(registry.Backend{Name: "comfy-1", Host: u.Hostname(), Port: port, Enabled: true, MaxQueue: 4})
		Expect(err).NotTo(HaveOccurred())

		pool := backend.NewPool()
		pool.Put(backend.New("comfy-1", u.Hostname(), port, time.Second, rate.Inf))

		var requeued atomic.Int32
		mon := backend.NewMonitor(reg, pool, time.Second, time.Second, 1, 2, func(name string) {
			requeued.Add(1)
		})

		mon.ProbeAll(context.Background())
		b, _ := reg.Get("comfy-1")
		Expect(b.Status).To(Equal(registry.Healthy))

		up.Store(false)
		mon.ProbeAll(context.Background())
		mon.ProbeAll(context.Background())

		b, _ = reg.Get("comfy-1")
		Expect(b.Status).To(Equal(registry.Unhealthy))
		Expect(requeued.Load()).To(Equal(int32(1)))
	})
})
