package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"logarchive/pkg/bus"
	"logarchive/pkg/clock"
	"logarchive/pkg/config"
	"logarchive/pkg/db"
	"logarchive/pkg/logset"
	gos3 "logarchive/pkg/s3"
	"logarchive/pkg/telemetry"
	"logarchive/services/coordinator"
	"logarchive/services/coordinator/internal/inventory"
)

func main() {
	if err := run("logarchive-coordinator"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	configPath := flag.String("config", coordinator.ConfigPath, "path to coordinator configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	clk := clock.Real()
	cfg, err := config.Wait[coordinator.Config](ctx, *configPath, logger, clk)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	defs, err := config.Retry(ctx, "logsets "+cfg.LogsetsFile, logger, clk, func() ([]logset.Definition, error) {
		return loadDefinitions(cfg.LogsetsFile)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("load logsets: %w", err)
	}

	var source inventory.Source
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		if source, err = inventory.NewPostgres(pool); err != nil {
			return err
		}
	} else {
		logger.Printf("WARN database_url not set; using an in-memory inventory fed by sysinfo")
		source = inventory.NewMemory()
	}

	bundles, err := gos3.New(ctx, cfg.BundleStore(), nil)
	if err != nil {
		return fmt.Errorf("init bundle store: %w", err)
	}
	defer bundles.Close()

	svc, err := coordinator.New(cfg, defs, coordinator.Deps{Inventory: source, Bundles: bundles}, logger)
	if err != nil {
		return fmt.Errorf("initialize coordinator: %w", err)
	}
	if err := svc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	handler, err := svc.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:        svc.Addr(),
		Handler:     middleware(handler),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	supervisor := bus.NewSupervisor(cfg.NATSURL, svc.AttachBus, logger)
	go supervisor.Run(ctx)
	go svc.Run(ctx)

	logger.Printf("INFO listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

// loadDefinitions retries a file that cannot be read yet. Definitions that
// read but do not validate stop the coordinator.
func loadDefinitions(path string) ([]logset.Definition, error) {
	defs, err := logset.LoadDefinitions(path)
	var pathErr *fs.PathError
	if err != nil && !errors.As(err, &pathErr) {
		return nil, backoff.Permanent(err)
	}
	return defs, err
}
