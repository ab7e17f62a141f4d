package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-engine/internal/api"
	"collab-engine/internal/config"
	"collab-engine/internal/engine"
	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Configuration layering (defaults, YAML file, env, CLI flags)
2. Dependency injection through the engine composition root
3. Distributed tracing with Jaeger and Prometheus metrics
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order

The HTTP server and the shutdown watcher run in one errgroup, so a failing
listener and a signal take the same path out.
*/

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const serviceName = "collab-engine"

func main() {
	log.SetReportTimestamp(true)

	if err := newCLIApp().Run(os.Args); err != nil {
		log.Fatal("❌ Server failed", "err", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	setLogLevel(cfg.LogLevel)
	log.Info("🚀 Starting collaboration engine...", "version", Version)

	telemetry.ServiceVersion = Version
	telemetry.InitMetrics(prometheus.Labels{"service": serviceName})

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	if cfg.TracingEnabled {
		jaegerShutdown, err := telemetry.InitJaeger(serviceName, cfg.JaegerEndpoint)
		if err != nil {
			log.Warn("⚠️  Failed to initialize Jaeger (continuing without tracing)", "err", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					log.Warn("⚠️  Failed to shutdown Jaeger", "err", err)
				}
			}()
		}
	}

	e, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e.Start(ctx)
	defer e.Shutdown()

	handler, err := e.HTTPHandler()
	if err != nil {
		return err
	}
	defer handler.Close()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.SetupRoutes(handler, cfg.CORSAllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("🌐 Server listening", "addr", "http://"+cfg.Addr())
		log.Info("📚 Endpoints",
			"websocket", "/ws/session",
			"sessions", "/api/sessions",
			"stats", "/api/stats",
			"metrics", "/metrics")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("🛑 Shutting down server...")

		// Learning: Give the server 30 seconds to finish existing requests
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("⚠️  Server forced to shutdown", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("✓ Server shutdown complete")
	return nil
}

func setLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warn("⚠️  Unknown log level, using info", "level", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
