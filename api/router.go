// Package api assembles the Admin API and Proxy Facade handlers into the
// single HTTP server described in spec.md §4.8-4.9, mirroring the teacher's
// router composition (gin.Recovery, request-id/logging middleware, CORS,
// then route groups).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comfylb/balancer/api/handler"
	"github.com/comfylb/balancer/api/middleware"
	"github.com/comfylb/balancer/audit"
	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/dispatcher"
	"github.com/comfylb/balancer/eventhub"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/scheduler"
	"github.com/comfylb/balancer/task"
)

// Deps bundles every core component the router wires into handlers —
// the "explicit App value threaded through handlers" SPEC_FULL.md's
// AMBIENT STACK calls for in place of a process-wide singleton.
type Deps struct {
	Registry      *registry.Registry
	Store         *task.Store
	Scheduler     *scheduler.Scheduler
	Dispatcher    *dispatcher.Dispatcher
	Pool          *backend.Pool
	Monitor       *backend.Monitor
	Hub           *eventhub.Hub
	Bus           *events.Bus
	AuditDB       *audit.Log // nil if audit trail disabled
	SubmitTimeout time.Duration
	Debug         bool
}

// NewRouter builds the combined Admin API + Proxy Facade HTTP handler and
// starts the management channel's stats_update broadcaster, which runs
// until ctx is cancelled.
func NewRouter(ctx context.Context, d Deps) http.Handler {
	if !d.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "X-Request-Id"},
		MaxAge:          24 * time.Hour,
	}))

	adminH := handler.NewAdminHandler(d.Registry, d.Store, d.Scheduler, d.Dispatcher, d.Pool, d.Monitor, d.AuditDB, d.SubmitTimeout)
	proxyH := handler.NewProxyHandler(d.Dispatcher, d.Store, d.Registry, d.Pool, d.SubmitTimeout)

	registerAdminRoutes(r, adminH, d.Bus)
	registerProxyRoutes(r, proxyH, d.Hub)

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	go adminH.StartStatsBroadcast(ctx, d.Bus)

	return r
}

// registerAdminRoutes wires the management surface in spec.md §6.
func registerAdminRoutes(r *gin.Engine, h *handler.AdminHandler, bus *events.Bus) {
	lb := r.Group("/lb")
	{
		lb.GET("/stats", h.Stats)

		lb.GET("/backends", h.ListBackends)
		lb.POST("/backends", h.CreateBackend)
		lb.DELETE("/backends/:name", h.DeleteBackend)
		lb.POST("/backends/:name/enable", h.EnableBackend)
		lb.POST("/backends/:name/disable", h.DisableBackend)

		lb.GET("/tasks", h.ListTasks)
		lb.GET("/tasks/:task_id", h.GetTask)
		lb.DELETE("/tasks/:task_id", h.CancelTask)

		lb.POST("/health-check", h.TriggerHealthCheck)

		lb.GET("/scheduler", h.GetScheduler)
		lb.POST("/scheduler/strategy/:strategy", h.SetStrategy)
		lb.POST("/scheduler/prefer-idle", h.SetPreferIdle)

		lb.GET("/audit", h.Audit)
		lb.GET("/metrics", gin.WrapH(promhttp.Handler()))

		lb.GET("/ws", handler.ManagementWS(bus))
	}
}

// registerProxyRoutes wires the ComfyUI-compatible entrypoint in spec.md
// §4.9. Read-only passthrough endpoints (/object_info, /system_stats,
// /embeddings, /extensions) are out of scope per spec.md §1 and are not
// registered here.
func registerProxyRoutes(r *gin.Engine, h *handler.ProxyHandler, hub *eventhub.Hub) {
	r.POST("/prompt", h.Submit)
	r.GET("/queue", h.Queue)
	r.POST("/queue", h.CancelQueue)
	r.GET("/history", h.History)
	r.GET("/history/:id", h.HistoryByID)
	r.GET("/ws", handler.ClientWS(hub))
}
