package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slidecore/orchestrator/internal/config"
	"github.com/slidecore/orchestrator/internal/eventbus"
	"github.com/slidecore/orchestrator/internal/httpapi"
	"github.com/slidecore/orchestrator/internal/layout"
	"github.com/slidecore/orchestrator/internal/metadata"
	"github.com/slidecore/orchestrator/internal/observability"
	"github.com/slidecore/orchestrator/internal/orchestrator"
	"github.com/slidecore/orchestrator/internal/pipeline"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/scheduler"
	"github.com/slidecore/orchestrator/internal/slide"
	"github.com/slidecore/orchestrator/internal/tool"
	"github.com/slidecore/orchestrator/internal/watcher"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.LoadFromEnv(log)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownOTel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "slidecore-orchestrator",
		Environment: logMode,
	})
	defer shutdownOTel(context.Background())

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	lay := layout.NewManager(cfg.SlidesRoot, cfg.DZIRoot, log)
	toolDriver := tool.NewDriver(cfg.ToolBinary, cfg.ToolProgressStallTimeout, cfg.ProgressDebounce, log)
	extractor := metadata.NewExtractor(cfg.ToolBinary, cfg.MetadataProbeTimeout, log)

	pipe := pipeline.New(pipeline.Deps{
		Layout:   lay,
		Tool:     toolDriver,
		Metadata: extractor,
		Config:   cfg,
	}, log)

	bus := eventbus.NewHub(log)
	defer bus.Close()

	sched := scheduler.New(cfg, lay, pipe, bus, log)
	defer sched.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		channel := os.Getenv("REDIS_EVENTS_CHANNEL")
		if channel == "" {
			channel = "slidecore.events"
		}
		dbus, err := eventbus.NewDistributedBus(addr, channel, bus, log)
		if err != nil {
			log.Warn("failed to init distributed event bus; continuing local-only", "error", err)
		} else {
			defer dbus.Close()
			if err := dbus.StartForwarder(ctx); err != nil {
				log.Warn("failed to start redis forwarder", "error", err)
			}
			sub := bus.Subscribe()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-sub.C:
						if !ok {
							return
						}
						if err := dbus.Publish(ctx, ev); err != nil {
							log.Warn("failed to publish event to redis", "error", err)
						}
					}
				}
			}()
		}
	}

	reconciler := scheduler.NewReconciler(cfg.DZIRoot, cfg.SlidesRoot, cfg.ToolBinary, log)
	decisions, err := reconciler.Reconcile(cfg.OrphanStagingMaxAge)
	if err != nil {
		log.Warn("reconciliation scan failed; starting with no restored jobs", "error", err)
	}
	sources := &dirSourceLister{slidesRoot: cfg.SlidesRoot}
	knownSources, err := sources.ListSources()
	if err != nil {
		log.Warn("failed to list slide sources at startup", "error", err)
	}
	sourcePathByBase := map[slide.BaseName]string{}
	for _, src := range knownSources {
		sourcePathByBase[src.BaseName] = src.Path
	}

	for _, d := range decisions {
		if !d.Matched {
			continue
		}
		base := d.Candidate.BaseName
		if err := sched.Restore(base, sourcePathByBase[base], d.Candidate.Kind, d.Candidate.StagingDir); err != nil {
			log.Warn("failed to restore reconciled job", "base_name", base, "error", err)
		}
	}

	sweeper := layout.NewSweeper(lay, log, cfg.SweepInterval, cfg.OrphanStagingMaxAge, func() map[string]bool {
		active := map[string]bool{}
		for _, snap := range sched.ListActive() {
			active[string(snap.BaseName)] = true
		}
		return active
	})
	go sweeper.Run(ctx)
	go reportMetrics(ctx, sched, metrics)

	w := watcher.New(cfg.SlidesRoot, cfg.StabilitySampleInterval, cfg.StabilityCooldown, log,
		func(src slide.Source) {
			bus.Publish(eventbus.Simple(eventbus.TypeFileDetected, src.BaseName))
			if _, _, err := sched.Submit(src.BaseName, src.Path, slide.KindInitial); err != nil {
				log.Warn("failed to admit detected slide", "base_name", src.BaseName, "error", err)
			}
		},
		func(base slide.BaseName) bool {
			if lay.ArtifactExists(base) {
				return true
			}
			_, active := sched.Status(base)
			return active
		},
	)
	go w.Run(ctx)

	facade := orchestrator.New(sched, lay, bus, sources)
	router := httpapi.NewRouter(facade, registry, cfg.HeartbeatInterval, log)

	runServer := envTrue("RUN_SERVER", true)
	if !runServer {
		<-ctx.Done()
		return
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	log.Info("server listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("server failed", "error", err)
	}
}

// reportMetrics samples the scheduler's active job count into the
// Prometheus gauges on a short tick; the scheduler itself has no
// observability dependency.
func reportMetrics(ctx context.Context, sched *scheduler.Scheduler, m *observability.Metrics) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := sched.ListActive()
			m.ActiveJobs.Set(float64(len(active)))
		}
	}
}
