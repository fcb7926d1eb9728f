package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/comfylb/balancer/api"
	"github.com/comfylb/balancer/audit"
	"github.com/comfylb/balancer/backend"
	"github.com/comfylb/balancer/config"
	"github.com/comfylb/balancer/dispatcher"
	"github.com/comfylb/balancer/eventhub"
	"github.com/comfylb/balancer/events"
	"github.com/comfylb/balancer/registry"
	"github.com/comfylb/balancer/scheduler"
	"github.com/comfylb/balancer/task"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to the balancer's YAML configuration file")
	auditPath := flag.String("audit-db", "", "path to the sqlite audit database (empty disables the audit trail)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cfg, *auditPath)
	if err != nil {
		slog.Error("failed to initialize balancer", "error", err)
		os.Exit(1)
	}

	app.monitor.Start(ctx)
	app.dispatcher.Start(ctx)
	app.hub.Start(ctx, app.pool)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("comfylb listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(2)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	app.monitor.Stop()
	app.dispatcher.Stop(cfg.Server.ShutdownGrace)
	if app.auditLog != nil {
		_ = app.auditLog.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("stopped")
}

// application bundles every core component for the lifetime of one process,
// the explicit App value SPEC_FULL.md's AMBIENT STACK section calls for in
// place of the teacher's process-wide singleton.
type application struct {
	registry   *registry.Registry
	store      *task.Store
	scheduler  *scheduler.Scheduler
	pool       *backend.Pool
	monitor    *backend.Monitor
	dispatcher *dispatcher.Dispatcher
	hub        *eventhub.Hub
	bus        *events.Bus
	auditLog   *audit.Log
	router     http.Handler
}

func buildApp(ctx context.Context, cfg config.Config, auditPath string) (*application, error) {
	bus := events.NewBus()
	reg := registry.New(bus)
	store := task.NewStore(cfg.Queue.MaxSize)
	sched := scheduler.New(scheduler.Strategy(cfg.Scheduler.Strategy), cfg.Scheduler.PreferIdle)
	pool := backend.NewPool()

	for _, b := range cfg.Backends {
		if _, err := reg.Add(registry.Backend{
			Name: b.Name, Host: b.Host, Port: b.Port,
			Weight: b.Weight, MaxQueue: b.MaxQueue, Enabled: b.Enabled,
		}); err != nil {
			return nil, fmt.Errorf("registering backend %q: %w", b.Name, err)
		}
		pool.Put(backend.New(b.Name, b.Host, b.Port, cfg.Server.SubmitTimeout, rate.Inf))
	}

	disp := dispatcher.New(store, reg, sched, pool, bus, dispatcher.Config{
		RetryInterval:       cfg.Queue.RetryInterval,
		MaxRetries:          cfg.Queue.MaxRetries,
		SubmitTimeout:       cfg.Server.SubmitTimeout,
		HistoryPollInterval: cfg.HealthCheck.Interval,
	})

	monitor := backend.NewMonitor(reg, pool, cfg.HealthCheck.Interval, cfg.HealthCheck.Timeout,
		cfg.HealthCheck.HealthyThreshold, cfg.HealthCheck.UnhealthyThreshold, disp.HandleBackendUnhealthy)

	hub := eventhub.New(store, disp, reg)

	var auditLog *audit.Log
	if auditPath != "" {
		var err error
		auditLog, err = audit.Open(auditPath)
		if err != nil {
			return nil, fmt.Errorf("opening audit database: %w", err)
		}
		disp.SetAuditLog(auditLog)
	}

	router := api.NewRouter(ctx, api.Deps{
		Registry:      reg,
		Store:         store,
		Scheduler:     sched,
		Dispatcher:    disp,
		Pool:          pool,
		Monitor:       monitor,
		Hub:           hub,
		Bus:           bus,
		AuditDB:       auditLog,
		SubmitTimeout: cfg.Server.SubmitTimeout,
		Debug:         cfg.Server.Debug,
	})

	return &application{
		registry: reg, store: store, scheduler: sched, pool: pool, monitor: monitor,
		dispatcher: disp, hub: hub, bus: bus, auditLog: auditLog, router: router,
	}, nil
}
