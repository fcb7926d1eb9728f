package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comfylb/balancer/api/handler"
	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/dispatcher"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/scheduler"
	"github.com/comfylb/balancer/task"
)

func newAdminHarness() (*gin.Engine, *registry.Registry) {
	gin.SetMode(gin.TestMode)

	bus := events.NewBus()
	reg := registry.New(bus)
	store := task.NewStore(10)
	sched := scheduler.New(scheduler.LeastBusy, false)
	pool := backend.NewPool()
	disp := dispatcher.New(store, reg, sched, pool, bus, dispatcher.Config{
		RetryInterval: time.Millisecond, MaxRetries: 1, SubmitTimeout: time.Second,
	})
	monitor := backend.NewMonitor(reg, pool, time.Second, time.Second, 1, 1, disp.HandleBackendUnhealthy)

	h := handler.NewAdminHandler(reg, store, sched, disp, pool, monitor, nil, time.Second)

	r := gin.New()
	r.GET("/lb/stats", h.Stats)
	r.GET("/lb/backends", h.ListBackends)
	r.POST("/lb/backends", h.CreateBackend)
	r.DELETE("/lb/backends/:name", h.DeleteBackend)
	r.POST("/lb/backends/:name/enable", h.EnableBackend)
	r.POST("/lb/backends/:name/disable", h.DisableBackend)
	r.GET("/lb/scheduler", h.GetScheduler)
	r.POST("/lb/scheduler/strategy/:strategy", h.SetStrategy)
	r.POST("/lb/scheduler/prefer-idle", h.SetPreferIdle)
	r.GET("/lb/audit", h.Audit)
	return r, reg
}

var _ = Describe("AdminHandler", func() {
	It("registers a new backend and lists it", func() {
		r, _ := newAdminHarness()

		body, _ := json.Marshal(map[string]any{
			"name": "comfy-1", "host": "10.0.0.1", "port": 8188, "max_queue": 4,
		})
		req := httptest.NewRequest(http.MethodPost, "/lb/backends", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusCreated))

		w2 := httptest.NewRecorder()
		r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/lb/backends", nil))
		Expect(w2.Code).To(Equal(http.StatusOK))

		var resp struct {
			Backends []struct {
				Name string `json:"name"`
			} `json:"backends"`
		}
		Expect(json.Unmarshal(w2.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Backends).To(HaveLen(1))
		Expect(resp.Backends[0].Name).To(Equal("comfy-1"))
	})

	It("rejects removing a backend that is still enabled", func() {
		r, reg := newAdminHarness()
		_, err := reg.Add(registry.Backend{Name: "comfy-1", Host: "h", Port: 1, Enabled: true, MaxQueue: 1})
		Expect(err).NotTo(HaveOccurred())

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/lb/backends/comfy-1", nil))
		Expect(w.Code).To(Equal(http.StatusConflict))
	})

	It("enables and disables a registered backend", func() {
		r, reg := newAdminHarness()
		_, err := reg.Add(registry.Backend{Name: "comfy-1", Host: "h", Port: 1, Enabled: false, MaxQueue: 1})
		Expect(err).NotTo(HaveOccurred())

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/lb/backends/comfy-1/enable", nil))
		Expect(w.Code).To(Equal(http.StatusOK))

		b, err := reg.Get("comfy-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Enabled).To(BeTrue())

		w2 := httptest.NewRecorder()
		r.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/lb/backends/comfy-1/disable", nil))
		Expect(w2.Code).To(Equal(http.StatusOK))
	})

	It("switches the scheduler strategy live", func() {
		r, _ := newAdminHarness()

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/lb/scheduler/strategy/round_robin", nil))
		Expect(w.Code).To(Equal(http.StatusOK))

		w2 := httptest.NewRecorder()
		r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/lb/scheduler", nil))
		Expect(w2.Code).To(Equal(http.StatusOK))
		Expect(w2.Body.String()).To(ContainSubstring("round_robin"))
	})

	It("rejects an unknown scheduler strategy", func() {
		r, _ := newAdminHarness()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/lb/scheduler/strategy/bogus", nil))
		Expect(w.Code).NotTo(Equal(http.StatusOK))
	})

	It("toggles prefer_idle live", func() {
		r, _ := newAdminHarness()

		body, _ := json.Marshal(map[string]any{"prefer_idle": true})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/lb/scheduler/prefer-idle", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"prefer_idle":true`))

		w2 := httptest.NewRecorder()
		r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/lb/scheduler", nil))
		Expect(w2.Body.String()).To(ContainSubstring(`"prefer_idle":true`))
	})

	It("reports the audit trail unavailable when no database is configured", func() {
		r, _ := newAdminHarness()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lb/audit", nil))
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
	})
})
