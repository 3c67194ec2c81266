// Package app wires the full service: durable stores, the command core, the
// backpressure stack, and the HTTP router. main and the end-to-end tests
// share this assembly.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/config"
	"github.com/retailgrid/inventory-server/internal/http/handler"
	"github.com/retailgrid/inventory-server/internal/http/middleware"
	"github.com/retailgrid/inventory-server/internal/idempotency"
	"github.com/retailgrid/inventory-server/internal/infrastructure/fsjson"
	"github.com/retailgrid/inventory-server/internal/metrics"
	"github.com/retailgrid/inventory-server/internal/repo/eventlog"
	"github.com/retailgrid/inventory-server/internal/repo/stockstore"
	"github.com/retailgrid/inventory-server/internal/resilience"
	"github.com/retailgrid/inventory-server/internal/service"
)

// App is the assembled service.
type App struct {
	Log  *zap.Logger
	Cfg  *config.Config
	Sink *metrics.Sink

	Files  *fsjson.Files
	Events *eventlog.Log
	Stocks *stockstore.Store
	Idem   *idempotency.Cache

	Limiter  *resilience.RateLimiter
	APIPool  *resilience.Bulkhead
	SyncPool *resilience.Bulkhead
	FSPool   *resilience.Bulkhead
	Shedder  *resilience.LoadShedder
	Breaker  *resilience.Breaker

	Inventory *service.InventoryService
	Router    *gin.Engine
}

// New constructs the whole dependency graph, runs outbox crash recovery, and
// returns the ready-to-serve App. Call Close at teardown.
func New(ctx context.Context, log *zap.Logger, cfg *config.Config) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Log: log, Cfg: cfg, Sink: metrics.New()}

	// Backpressure stack. Pools are independent; the shedder observes the
	// api and sync queues only.
	a.APIPool = resilience.NewBulkhead("api", cfg.ConcurrencyAPI, config.QueueAPI)
	a.SyncPool = resilience.NewBulkhead("sync", cfg.ConcurrencySync, config.QueueSync)
	a.FSPool = resilience.NewBulkhead("fs", config.FSLimit, config.QueueFS)
	a.Shedder = resilience.NewLoadShedder(cfg.LoadShedQueueMax, a.APIPool, a.SyncPool)
	a.Limiter = resilience.NewRateLimiter(log, cfg.RateLimitRPS, cfg.RateLimitBurst)
	a.Breaker = resilience.NewBreaker(log, "persistence", cfg.BreakerThreshold, time.Minute, cfg.BreakerCooldown,
		func() { a.Sink.BreakerOpenings.Inc() })

	// Durable layers.
	a.Files = fsjson.New(log, fsjson.RetryPolicy{
		Times:  cfg.RetryTimes,
		Base:   cfg.RetryBase,
		Jitter: cfg.RetryJitter,
	}, func() { a.Sink.FSRetries.Inc() })

	var err error
	a.Events, err = eventlog.Open(ctx, log, a.Files, filepath.Join(cfg.DataDir, "event-log.json"), a.FSPool)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a.Stocks, err = stockstore.Open(ctx, log, a.Files, filepath.Join(cfg.DataDir, "store-inventory.json"), a.FSPool)
	if err != nil {
		return nil, fmt.Errorf("open stock store: %w", err)
	}

	a.Idem = idempotency.NewCache(log, cfg.IdempotencyTTL, 30*time.Second)
	a.Inventory = service.NewInventoryService(log, a.Events, a.Stocks, a.Idem, a.Breaker, a.Sink)

	// Outbox crash recovery must complete before the first write is admitted.
	if err := a.Inventory.Recover(ctx); err != nil {
		return nil, fmt.Errorf("outbox recovery: %w", err)
	}

	a.Router = a.buildRouter()
	return a, nil
}

// StartSync launches the central-inventory projection worker.
func (a *App) StartSync(ctx context.Context) (*service.CentralSyncService, error) {
	return service.StartCentralSync(
		ctx,
		a.Log,
		a.Events,
		a.Files,
		filepath.Join(a.Cfg.DataDir, "central-inventory.json"),
		a.SyncPool,
		a.Breaker,
		a.Cfg.SyncInterval,
		a.Cfg.SnapshotEveryNEvents,
	)
}

// Close stops the background sweepers.
func (a *App) Close() {
	a.Limiter.Stop()
	a.Idem.Stop()
}

func (a *App) buildRouter() *gin.Engine {
	if !a.Cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(gin.Recovery())         // Recovery first (outermost)
	r.Use(middleware.RequestID()) // request id early so it's available everywhere
	r.Use(middleware.Counting(a.Sink))

	if a.Cfg.IsDev() { // Enable CORS for local dashboard dev
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"X-Request-ID", "Content-Type", "If-Match", "Idempotency-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "ETag", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else { // Behind a TLS-terminating proxy
		r.SetTrustedProxies([]string{"127.0.0.1"})
		r.Use(secure.New(secure.Config{
			SSLProxyHeaders: map[string]string{
				"X-Forwarded-Proto": "https",
			},
		}))
	}

	r.Use(accessLog(a.Log))
	r.Use(func(c *gin.Context) {
		// Hard 1MB request body cap; commands are tiny.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	// Operational endpoints stay outside the backpressure stack so they keep
	// answering while the write path sheds.
	r.GET("/health", handler.Health)
	r.GET("/metrics", gin.WrapH(a.Sink.Handler()))

	inv := handler.NewInventoryHandler(a.Log, a.Inventory, a.APIPool)

	limited := r.Group("", middleware.RateLimit(a.Limiter, a.Sink))
	limited.GET("/stores/:storeId/inventory/:sku", inv.GetStock)
	limited.GET("/stores/:storeId/inventory", inv.ListStock)

	// Mutating commands additionally pass the load shedder; the api bulkhead
	// is applied inside the handler around the command execution.
	writes := limited.Group("", middleware.LoadShed(a.Shedder, a.Sink))
	writes.POST("/stores/:storeId/inventory/:sku/adjust", inv.Adjust)
	writes.POST("/stores/:storeId/inventory/:sku/reserve", inv.Reserve)

	return r
}

// accessLog records request/response details with zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetRequestID(c)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
