package service

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sllogging "github.com/R3E-Network/iorate/infrastructure/logging"
	slmetrics "github.com/R3E-Network/iorate/infrastructure/metrics"
	slmiddleware "github.com/R3E-Network/iorate/infrastructure/middleware"
	"github.com/R3E-Network/iorate/pkg/config"
)

// Runner is the interface each control application must implement.
// cmd/core's coreRunner and cmd/local's localRunner satisfy this by
// embedding *service.BaseService and overriding Stop.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
	Router() *mux.Router
}

// Factory creates a Runner from shared dependencies.
type Factory func(deps *SharedDeps) (Runner, error)

// Run is the unified control-application entry point. It loads
// configuration, builds the requested role via factory, applies standard
// middleware, starts the HTTP server, and handles graceful shutdown.
func Run(role config.Role, factory Factory) {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg.Controller.Role = role

	logger := sllogging.NewFromEnv(string(role))

	deps := &SharedDeps{
		Role:   role,
		Config: cfg,
		Logger: logger,
	}

	svc, err := factory(deps)
	if err != nil {
		log.Fatalf("failed to create %s service: %v", role, err)
	}

	stopRateLimiterCleanup := applyMiddleware(svc, string(role), logger, cfg.Controller)

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("failed to start %s service: %v", role, err)
	}

	port := config.GetPort(cfg.Server.Port)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           svc.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("%s control application listening on port %d", role, port)
		if listenErr := server.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			log.Fatalf("server error: %v", listenErr)
		}
	}()

	shutdown := slmiddleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		stopRateLimiterCleanup()
		if err := svc.Stop(); err != nil {
			log.Printf("service stop error: %v", err)
		}
	})
	shutdown.ListenForSignals()
	shutdown.Wait()
	log.Println("service stopped")
}

// applyMiddleware wires the standard chain onto every core/local control
// application's northbound RPC surface: trace/log every request, recover
// from panics in a handshake or enforcement handler without taking the
// process down, optionally rate-limit the RPC surface itself (a distinct
// concern from the domain's own I/O rate limiting), optionally emit
// Prometheus metrics, bound handler latency so a stalled stage or local
// can't pin an HTTP worker forever, harden response headers, and cap
// request bodies. Returns a stop function for the rate limiter's background
// cleanup goroutine (a no-op if rate limiting isn't enabled); callers should
// invoke it during shutdown.
func applyMiddleware(svc Runner, role string, logger *sllogging.Logger, ctrl config.ControllerConfig) (stopRateLimiterCleanup func()) {
	svc.Router().Use(slmiddleware.LoggingMiddleware(logger))
	svc.Router().Use(slmiddleware.NewRecoveryMiddleware(logger).Handler)

	stopRateLimiterCleanup = func() {}
	if ctrl.RPCRateLimitPerSecond > 0 {
		rlCfg := slmiddleware.RateLimiterConfig{
			RequestsPerSecond: ctrl.RPCRateLimitPerSecond,
			Burst:             ctrl.RPCRateLimitBurst,
			Logger:            logger,
		}
		rateLimiter := slmiddleware.NewRateLimiterFromConfig(rlCfg)
		svc.Router().Use(rateLimiter.Handler)
		stopRateLimiterCleanup = slmiddleware.StartCleanupFromConfig(rateLimiter, rlCfg)
	}

	if slmetrics.Enabled() {
		metricsCollector := slmetrics.Init(role)
		svc.Router().Use(slmiddleware.MetricsMiddleware(role, metricsCollector))
		svc.Router().Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	svc.Router().Use(slmiddleware.NewTimeoutMiddleware(0).Handler)
	svc.Router().Use(slmiddleware.NewSecurityHeadersMiddleware(nil).Handler)
	svc.Router().Use(slmiddleware.NewBodyLimitMiddleware(0).Handler)
	return stopRateLimiterCleanup
}
