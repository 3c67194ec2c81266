package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/retailgrid/inventory-server/internal/app"
	"github.com/retailgrid/inventory-server/internal/config"
)

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Load config (optional YAML file + env overrides)
	cfg, err := config.Load("inventory-server.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger(cfg)
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Assemble the service. This loads the durable files and runs outbox
	// crash recovery; a torn log/store pair that cannot be reconciled is a
	// startup failure, not a degraded boot.
	a, err := app.New(ctx, log, cfg)
	if err != nil {
		log.Fatal("service assembly failed", zap.Error(err))
	}
	defer a.Close()

	syncsvc, err := a.StartSync(ctx)
	if err != nil {
		log.Fatal("central sync startup failed", zap.Error(err))
	}

	httpsrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      15 * time.Second, // avoid forever-hangs on writes
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpsrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	syncsvc.Wait()
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("inventory-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// buildLogger builds the process logger: colored console output in dev, JSON
// in prod, level driven by LOG_LEVEL.
func buildLogger(cfg *config.Config) *zap.Logger {
	var logConfig zap.Config
	if cfg.IsDev() {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.TimeKey = ""
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logConfig.DisableStacktrace = true
		logConfig.DisableCaller = true
	} else {
		logConfig = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if err := level.Set(cfg.LogLevel); err == nil {
		logConfig.Level.SetLevel(level)
	}
	return zap.Must(logConfig.Build())
}
