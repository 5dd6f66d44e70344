package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/renderd/internal/admission"
	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/internal/cache"
	"github.com/pagelens/renderd/internal/common/logger"
	"github.com/pagelens/renderd/internal/common/metricsserver"
	"github.com/pagelens/renderd/internal/config"
	"github.com/pagelens/renderd/internal/metrics"
	"github.com/pagelens/renderd/internal/render"
	"github.com/pagelens/renderd/internal/service"
	"github.com/pagelens/renderd/internal/stealth"
)

func main() {
	configPath := flag.String("c", "", "path to configuration file (defaults apply when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("renderd starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("max_sessions", cfg.Browser.MaxSessions),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, log)
	}
	metricsServer := metricsserver.Start(cfg.Metrics.Enabled,
		cfg.Metrics.Listen, cfg.Metrics.Path, collector, log)

	engine := browser.NewChromeEngine(cfg.Browser, log)
	pool := browser.NewPool(engine, cfg.Browser, poolObserver(collector), log)
	pool.StartSweeper()

	configurator := stealth.NewConfigurator(time.Now().UnixNano(), log)
	orchestrator := render.NewOrchestrator(pool, configurator, cfg.Render, renderObserver(collector), log)

	controller := admission.NewController(cfg.Admission, admissionObserver(collector), log)
	controller.StartSweeper()

	resultCache := cache.New(cfg.Cache, cacheObserver(collector), log)
	resultCache.StartSweeper()

	svc := service.New(cfg, pool, orchestrator, controller, resultCache, collector, log)
	server := svc.NewServer()

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("api server listening", zap.String("listen", cfg.Server.Listen))
		if err := server.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		log.Error("api server failed", zap.Error(err))
	}

	log.Info("shutting down")

	// Stop accepting work first, then drain the pipeline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("api server shutdown error", zap.Error(err))
	}

	controller.Stop()
	resultCache.Stop()
	pool.Shutdown(cfg.Server.ShutdownTimeout.Std())

	if metricsServer != nil {
		metricsCtx, metricsCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsCtx); err != nil {
			log.Error("metrics server shutdown error", zap.Error(err))
		}
		metricsCancel()
	}

	log.Info("renderd stopped")
}

// A nil *metrics.Collector inside a non-nil interface value would dodge the
// observers' nil checks, so each wiring helper keeps the interface nil when
// metrics are disabled.

func poolObserver(c *metrics.Collector) browser.PoolObserver {
	if c == nil {
		return nil
	}
	return c
}

func renderObserver(c *metrics.Collector) render.Observer {
	if c == nil {
		return nil
	}
	return c
}

func admissionObserver(c *metrics.Collector) admission.Observer {
	if c == nil {
		return nil
	}
	return c
}

func cacheObserver(c *metrics.Collector) cache.Observer {
	if c == nil {
		return nil
	}
	return c
}
