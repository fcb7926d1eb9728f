package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	"github.com/comfylb/balancer/api/handler"
	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/dispatcher"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/scheduler"
	"github.com/comfylb/balancer/task"
)

func newProxyHarness(upstream *httptest.Server) (*gin.Engine, *dispatcher.Dispatcher, func()) {
	gin.SetMode(gin.TestMode)

	u, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(u.Port())

	bus := events.NewBus()
	reg := registry.New(bus)
	_, _ = reg.Add(registry.Backend{Name: "comfy-1", Host: u.Hostname(), Port: port, Enabled: true, MaxQueue: 4})
	_, _ = reg.RecordProbe("comfy-1", true, 1, 3, 0, 0)

	pool := backend.NewPool()
	pool.Put(backend.New("comfy-1", u.Hostname(), port, time.Second, rate.Inf))

	store := task.NewStore(10)
	sched := scheduler.New(scheduler.LeastBusy, false)
	disp := dispatcher.New(store, reg, sched, pool, bus, dispatcher.Config{
		RetryInterval: time.Millisecond, MaxRetries: 1, SubmitTimeout: time.Second,
	})

	h := handler.NewProxyHandler(disp, store, reg, pool, time.Second)

	r := gin.New()
	r.POST("/prompt", h.Submit)
	r.GET("/queue", h.Queue)
	r.POST("/queue", h.CancelQueue)
	r.GET("/history", h.History)
	r.GET("/history/:id", h.HistoryByID)

	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	return r, disp, cancel
}

var _ = Describe("ProxyHandler", func() {
	It("dispatches a submitted prompt and reports the upstream prompt id", func() {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/prompt" {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"prompt_id":"up-1"}`))
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer upstream.Close()

		r, _, cancel := newProxyHarness(upstream)
		defer cancel()

		body, _ := json.Marshal(map[string]any{"client_id": "client-a", "prompt": map[string]any{}})
		req := httptest.NewRequest(http.MethodPost, "/prompt", bytes.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			PromptID string `json:"prompt_id"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.PromptID).To(Equal("up-1"))
	})

	It("reports no healthy backend as 503 on the aggregate history endpoint", func() {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer upstream.Close()

		gin.SetMode(gin.TestMode)
		bus := events.NewBus()
		reg := registry.New(bus)
		pool := backend.NewPool()
		store := task.NewStore(10)
		h := handler.NewProxyHandler(nil, store, reg, pool, time.Second)

		r := gin.New()
		r.GET("/history", h.History)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history", nil))
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("404s a history lookup for an unknown task id", func() {
		gin.SetMode(gin.TestMode)
		bus := events.NewBus()
		reg := registry.New(bus)
		pool := backend.NewPool()
		store := task.NewStore(10)
		h := handler.NewProxyHandler(nil, store, reg, pool, time.Second)

		r := gin.New()
		r.GET("/history/:id", h.HistoryByID)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history/does-not-exist", nil))
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})
})
