// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/HazardHawk/pkg/logging"
	vision "github.com/AleutianAI/HazardHawk/services/vision"
	"github.com/AleutianAI/HazardHawk/services/vision/backends"
	"github.com/AleutianAI/HazardHawk/services/vision/budget"
	"github.com/AleutianAI/HazardHawk/services/vision/cache"
	"github.com/AleutianAI/HazardHawk/services/vision/config"
	"github.com/AleutianAI/HazardHawk/services/vision/coordinator"
	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
	"github.com/AleutianAI/HazardHawk/services/vision/device"
	"github.com/AleutianAI/HazardHawk/services/vision/observability"
	"github.com/AleutianAI/HazardHawk/services/vision/routes"
	"github.com/AleutianAI/HazardHawk/services/vision/security"
	"github.com/AleutianAI/HazardHawk/services/vision/strategy"
)

const (
	cloudKeyEnvVar     = "HAWK_OPENAI_API_KEY"
	cloudKeySecretPath = "/run/secrets/hawk_openai_key"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var logDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vision engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logDir)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config YAML (defaults used when empty)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for JSON log files (stderr only when empty)")
	return cmd
}

func runServe(configPath, logDir string) error {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  logDir,
		Service: "hawk",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	holder := config.NewHolder(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.OTLPEndpoint != "" {
		cleanup, err := initTracer(ctx, cfg.Server.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("setup OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	engine, budgetManager, coord, err := buildEngine(cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer budgetManager.Close()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, holder, func(next config.Config) {
			coord.SetThresholds(next.Thresholds)
		}, logger.Slog())
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("config watcher stopped", "error", err)
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("hawk-vision"))
	routes.SetupRoutes(router, engine)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("vision engine listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildEngine wires the full pipeline from configuration.
func buildEngine(cfg config.Config, logger *slog.Logger) (*vision.Engine, *budget.Manager, *coordinator.Coordinator, error) {
	trusted := make(map[datatypes.Tier][]string, len(cfg.Security.TrustedModelDigests))
	for tier, digests := range cfg.Security.TrustedModelDigests {
		trusted[datatypes.Tier(tier)] = digests
	}
	validator, err := security.NewValidator(security.ValidatorConfig{
		MaxImageBytes:       cfg.Security.MaxImageBytes,
		MaxDimension:        cfg.Security.MaxDimension,
		TrustedModelDigests: trusted,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	metrics := observability.NewEngineMetrics(nil)

	ttl, err := time.ParseDuration(cfg.Cache.TTL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cache ttl: %w", err)
	}
	results := cache.New(
		cache.WithCapacity(cfg.Cache.Capacity),
		cache.WithTTL(ttl),
		cache.WithCoalesceHook(metrics.RecordCacheCoalesced),
	)

	var store budget.Store
	if cfg.BudgetStorePath != "" {
		store, err = budget.OpenBadgerStore(cfg.BudgetStorePath)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	budgetManager, err := budget.NewManager(cfg.Budget, store, &budget.CheckedClock{Logger: logger}, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	registered, err := buildBackends(cfg, validator, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	selector := strategy.NewSelector(registered, validator, logger)
	coord := coordinator.NewCoordinator(cfg.Thresholds, budgetManager, metrics, logger)

	profiler := &device.SysinfoProfiler{
		AcceleratorPath:   os.Getenv("HAWK_ACCELERATOR_PATH"),
		MeteredInterfaces: []string{"wwan", "ppp", "usb"},
	}

	engine, err := vision.NewEngine(validator, results, profiler, budgetManager, selector, coord, metrics, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return engine, budgetManager, coord, nil
}

// buildBackends constructs every runnable backend. The cloud tier is
// skipped with a warning when no API key is available; the engine then
// runs local-only.
func buildBackends(cfg config.Config, validator *security.Validator, logger *slog.Logger) ([]backends.Backend, error) {
	var registered []backends.Backend

	keys, err := backends.NewEnclaveKeyProviderFromEnv(cloudKeyEnvVar, cloudKeySecretPath)
	if err != nil {
		logger.Warn("cloud tier disabled: no API key", "error", err)
	} else {
		gate := backends.NewCloudGate(4, 2, 4)
		cloud, err := backends.NewCloudVisionBackend(cfg.Cloud, keys, gate, validator, logger)
		if err != nil {
			return nil, err
		}
		registered = append(registered, cloud)
	}

	accel := backends.NewAcceleratorGate()
	large, err := backends.NewLocalDetectorBackend(cfg.LocalLarge, validator, accel, logger)
	if err != nil {
		return nil, err
	}
	small, err := backends.NewLocalDetectorBackend(cfg.LocalSmall, validator, accel, logger)
	if err != nil {
		return nil, err
	}
	registered = append(registered, large, small, backends.NewEmergencyBackend(logger))

	return registered, nil
}

// initTracer configures the OTLP trace exporter over gRPC.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("hawk-vision")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
