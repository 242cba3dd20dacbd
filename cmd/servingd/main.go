// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command servingd starts the AleutianServe LLM serving backbone.
//
// # Environment Variables
//
//   - ALEUTIAN_SERVING_CONFIG: configuration file path (default: ./serving.yaml)
//   - ALEUTIAN_LISTEN_ADDR, OLLAMA_URL, ALEUTIAN_OTLP_ENDPOINT and friends
//     override the corresponding document fields, see the config package.
//
// # Usage
//
//	go build -o servingd ./cmd/servingd
//	./servingd
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianServe/pkg/logging"
	"github.com/AleutianAI/AleutianServe/services/serving/agent"
	"github.com/AleutianAI/AleutianServe/services/serving/backend"
	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/config"
	"github.com/AleutianAI/AleutianServe/services/serving/fetch"
	"github.com/AleutianAI/AleutianServe/services/serving/observability"
	"github.com/AleutianAI/AleutianServe/services/serving/orchestrate"
	"github.com/AleutianAI/AleutianServe/services/serving/profile"
	"github.com/AleutianAI/AleutianServe/services/serving/queue"
	"github.com/AleutianAI/AleutianServe/services/serving/router"
	"github.com/AleutianAI/AleutianServe/services/serving/store"
	"github.com/AleutianAI/AleutianServe/services/serving/vram"
	"github.com/AleutianAI/AleutianServe/services/serving/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const reconcileInterval = 60 * time.Second

func main() {
	logger := logging.New(logging.Config{JSON: true, Service: "servingd"})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	configPath := os.Getenv("ALEUTIAN_SERVING_CONFIG")
	if configPath == "" {
		configPath = "serving.yaml"
	}
	doc, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if doc.Server.OTLPEndpoint != "" {
		cleanup, err := initTracer(doc.Server.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	app, err := buildApp(doc)
	if err != nil {
		log.Fatalf("failed to build serving core: %v", err)
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.warmRouterModel(ctx)

	if err := app.run(ctx, configPath); err != nil {
		log.Fatalf("serving core error: %v", err)
	}
	slog.Info("Shutdown complete")
}

// app holds the wired components.
type app struct {
	doc      *config.Document
	caps     *capabilities.Registry
	backends *backend.Manager
	tracker  *vram.CrashTracker
	vram     *vram.Orchestrator
	profiles *profile.Manager
	queue    *queue.Queue
	worker   *queue.Worker
	hub      *ws.Hub
	handler  *ws.Handler
	metrics  *observability.ServingMetrics
	storage  *store.BadgerStore
}

func buildApp(doc *config.Document) (*app, error) {
	records, err := doc.CapabilityRecords()
	if err != nil {
		return nil, err
	}
	caps, err := capabilities.NewRegistry(records)
	if err != nil {
		return nil, err
	}

	backends := backend.NewManager()
	if doc.Backends.OllamaURL != "" {
		backends.Register(backend.NewOllamaBackend(doc.Backends.OllamaURL))
	}
	if doc.Backends.OpenAIURL != "" {
		backends.Register(backend.NewOpenAICompatBackend(doc.Backends.OpenAIURL, doc.Backends.OpenAIAPIKey))
	}
	if doc.Backends.ExternalURL != "" {
		backends.Register(backend.NewExternalBackend(doc.Backends.ExternalURL, doc.Backends.ExternalAPIKey))
	}

	window := time.Duration(doc.Breaker.WindowSeconds) * time.Second
	if window == 0 {
		window = 10 * time.Minute
	}
	threshold := doc.Breaker.Threshold
	if threshold == 0 {
		threshold = 3
	}
	tracker := vram.NewCrashTracker(window, threshold)

	profileSet := doc.ProfileSet()
	active, ok := profileSet[doc.ActiveProfile]
	if !ok {
		// NewManager reports the full error; this just avoids zero limits.
		active = profile.Profile{}
	}

	orch := vram.NewOrchestrator(caps, backends, tracker, vram.NewProcMemoryMonitor(), vram.Config{
		SoftLimitGB:          active.SoftLimitGB,
		HardLimitGB:          active.HardLimitGB,
		BufferGB:             doc.VRAM.BufferGB,
		BreakerEnabled:       doc.Breaker.Enabled,
		FlushThresholdGB:     doc.VRAM.FlushThresholdGB,
		PressureThresholdPct: doc.VRAM.PressureThresholdPct,
	})

	profiles, err := profile.NewManager(profileSet, doc.ActiveProfile, caps, orch, tracker)
	if err != nil {
		return nil, err
	}

	var storage *store.BadgerStore
	if doc.Store.Path != "" {
		storage, err = store.Open(store.DefaultConfig(doc.Store.Path))
		if err != nil {
			return nil, err
		}
	}
	var history store.ConversationStore
	if storage != nil {
		history = storage
	}

	var fetcher agent.Fetcher
	if doc.Fetcher.URL != "" {
		fetcher = fetch.NewClient(doc.Fetcher.URL)
	}

	metrics := observability.NewServingMetrics()
	orch.SetMetrics(metrics)
	if storage != nil {
		orch.SetCrashAuditor(crashAudit{store: storage})
	}
	classifier := router.NewClassifier(backends, caps, profiles)
	resolver := router.NewResolver(caps, profiles)
	runner := agent.NewRunner(backends, caps, orch)
	pipeline := orchestrate.New(classifier, resolver, profiles, orch, runner,
		fetcher, nil, history, metrics)

	maxRetries := doc.Queue.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	q := queue.New(doc.Queue.MaxSize, maxRetries)
	hub := ws.NewHub()
	worker := queue.NewWorker(q, pipeline, hub, profiles, doc.Queue.Streaming)

	return &app{
		doc:      doc,
		caps:     caps,
		backends: backends,
		tracker:  tracker,
		vram:     orch,
		profiles: profiles,
		queue:    q,
		worker:   worker,
		hub:      hub,
		handler:  ws.NewHandler(hub, q, history),
		metrics:  metrics,
		storage:  storage,
	}, nil
}

// crashAudit adapts the badger store to the orchestrator's audit interface.
type crashAudit struct {
	store store.CrashAuditStore
}

func (a crashAudit) RecordCrash(ctx context.Context, modelID, reason string) error {
	return a.store.RecordCrash(ctx, store.CrashEvent{
		ModelID:   modelID,
		Reason:    reason,
		CrashedAt: time.Now(),
	})
}

func (a *app) close() {
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Warn("Closing store failed", "error", err)
		}
	}
}

// warmRouterModel preloads the router model so the first request does not
// pay the classification cold start. Best effort.
func (a *app) warmRouterModel(ctx context.Context) {
	routerModel := a.profiles.ActiveProfile().ModelForRole(profile.RoleRouter)
	if routerModel == "" {
		return
	}
	if err := a.vram.RequestModelLoad(ctx, routerModel, vram.LoadOptions{}); err != nil {
		slog.Warn("Router model admission failed during warm-up", "model", routerModel, "error", err)
		return
	}
	cap, err := a.caps.Get(routerModel)
	if err != nil {
		return
	}
	b, err := a.backends.Get(cap.Backend)
	if err != nil {
		slog.Warn("No backend for router model", "model", routerModel, "error", err)
		return
	}
	if err := b.Load(ctx, routerModel, cap.KeepAliveSeconds); err != nil {
		slog.Warn("Router model warm-up failed", "model", routerModel, "error", err)
	}
}

func (a *app) run(ctx context.Context, configPath string) error {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("aleutian-serving"))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "aleutian-serving"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/v1/status", a.handleStatus)
	engine.POST("/v1/vram/flush", a.handleFlush)
	engine.GET("/ws/chat", a.handler.Serve())

	server := &http.Server{
		Addr:              a.doc.Server.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher := config.NewWatcher(configPath, a.applyReload)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.worker.Run(ctx) })
	group.Go(func() error {
		a.profiles.RunBreakerSupervisor(ctx, a.tracker.Notifications())
		return nil
	})
	group.Go(func() error { return a.reconcileLoop(ctx) })
	group.Go(func() error { return watcher.Run(ctx) })
	group.Go(func() error {
		slog.Info("Serving HTTP", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// reconcileLoop periodically reconciles the VRAM registry against backend
// reality and refreshes the resource gauges.
func (a *app) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.vram.ReconcileRegistry(ctx)
			if result := a.vram.CheckMemoryPressure(ctx); result.Evicted {
				slog.Warn("Pressure relief evicted a model",
					"model", result.ModelID, "freed_gb", result.FreedGB)
			}
			status := a.vram.GetStatus()
			a.metrics.SetVRAMUsage(status.ManageableUsageGB, status.TotalUsageGB)
			a.metrics.QueueDepth.Set(float64(a.queue.Size()))
		}
	}
}

// applyReload swaps the capability registry on a config change. Profile
// and limit changes require a restart; model records are hot.
func (a *app) applyReload(doc *config.Document) error {
	records, err := doc.CapabilityRecords()
	if err != nil {
		return err
	}
	return a.caps.Replace(records)
}

func (a *app) handleStatus(c *gin.Context) {
	status := a.vram.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"vram":           status,
		"queue_size":     a.queue.Size(),
		"active_profile": a.profiles.ActiveProfile().Name,
		"in_fallback":    a.profiles.IsInFallback(),
		"models":         a.caps.List(),
		"crash_history":  a.crashHistory(c.Request.Context()),
	})
}

// crashHistory collects the newest persisted crash events per configured
// model. Empty without a store.
func (a *app) crashHistory(ctx context.Context) map[string][]store.CrashEvent {
	if a.storage == nil {
		return nil
	}
	history := make(map[string][]store.CrashEvent)
	for _, cap := range a.caps.List() {
		events, err := a.storage.CrashHistory(ctx, cap.ModelID, 5)
		if err != nil {
			slog.Warn("Crash history lookup failed", "model", cap.ModelID, "error", err)
			continue
		}
		if len(events) > 0 {
			history[cap.ModelID] = events
		}
	}
	return history
}

func (a *app) handleFlush(c *gin.Context) {
	if err := a.vram.FlushBufferCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

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
		resource.WithAttributes(semconv.ServiceNameKey.String("aleutian-serving")))
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
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
