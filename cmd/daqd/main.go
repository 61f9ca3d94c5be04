// Command daqd runs the photonics-lab DAQ daemon core: it wires the device
// registry, the config-driven serial driver, the module runtime, the
// document archive, and the central actor, then serves health/metrics over
// HTTP until signalled to stop.
//
// Grounded on the teacher's root main.go: flag-parsed entrypoint,
// context cancelled on SIGINT/SIGTERM with a forced-exit second signal,
// deferred best-effort shutdown.
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

	daqconfig "github.com/labdaq/daqd/config"
	"github.com/labdaq/daqd/internal/actor"
	actorhttp "github.com/labdaq/daqd/internal/adapters/actorhttp"
	"github.com/labdaq/daqd/internal/daemon"
	"github.com/labdaq/daqd/internal/docwriter"
	"github.com/labdaq/daqd/internal/driver/serial"
	"github.com/labdaq/daqd/internal/fanout"
	"github.com/labdaq/daqd/internal/module"
	"github.com/labdaq/daqd/internal/module/powermonitor"
	"github.com/labdaq/daqd/internal/registry"
	"github.com/labdaq/daqd/internal/telemetry/metrics"
	"github.com/labdaq/daqd/internal/telemetry/tracing"
)

func main() {
	var (
		instrumentDir  string
		dbPath         string
		httpAddr       string
		metricsBackend string
		catalogPath    string
		showVersion    bool
	)
	flag.StringVar(&instrumentDir, "instruments", "instruments", "Directory of instrument TOML configs, watched for hot-reload")
	flag.StringVar(&dbPath, "archive", "daqd.bolt", "Path to the bbolt document archive")
	flag.StringVar(&httpAddr, "http", ":8090", "Health/metrics HTTP listen address")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom, otel, noop")
	flag.StringVar(&catalogPath, "module-catalog", "configs/module_catalog.yaml", "Path to the declarative module type catalog, for startup documentation")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("daqd (photonics DAQ daemon core)")
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := daemon.New(
		daemon.WithInstrumentConfigDir(instrumentDir),
		daemon.WithDocWriterPath(dbPath),
		daemon.WithHTTPListenAddr(httpAddr),
		daemon.WithMetricsBackend(metricsBackend),
		daemon.WithModuleCatalogPath(catalogPath),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("daqd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg daemon.Config, logger *slog.Logger) error {
	provider := buildMetricsProvider(cfg)

	if err := os.MkdirAll(cfg.InstrumentConfigDir, 0o755); err != nil {
		return fmt.Errorf("create instrument config dir: %w", err)
	}

	ports := serial.NewPortPool()
	reg := registry.New(serial.PeekDriverType)
	reg.RegisterFactory("serial", serial.Factory(ports, logger))

	bus := fanout.New(fanout.Config{
		WarnDropRatePercent:    5,
		ErrorSaturationPercent: 90,
		WindowDuration:         cfg.FanoutAlertWindow,
	}, provider, logger)

	types := module.NewTypeRegistry(bus)
	types.RegisterType(powermonitor.Descriptor(), powermonitor.NewFactory())

	if catalog, err := module.LoadCatalog(cfg.ModuleCatalogPath); err != nil {
		logger.Warn("module catalog unavailable; continuing with code-registered types only", "error", err)
	} else {
		for _, d := range catalog {
			logger.Info("module type catalog entry", "type_id", d.TypeID, "display_name", d.DisplayName, "version", d.Version)
		}
	}

	writer, err := docwriter.Open(cfg.DocWriterPath, cfg.DocWriterQueueDepth, logger)
	if err != nil {
		return fmt.Errorf("open document archive: %w", err)
	}
	defer func() {
		if cerr := writer.Close(); cerr != nil {
			logger.Error("document archive close failed", "error", cerr)
		}
	}()

	a := actor.New(reg, types, bus, writer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Run(ctx)
	defer a.Stop()

	var reloader *daqconfig.Reloader
	if cfg.HotReloadEnabled {
		reloader = daqconfig.NewReloader(cfg.InstrumentConfigDir, actorRegistrar{a: a, ctx: ctx}, logger)
		if err := reloader.Start(ctx); err != nil {
			logger.Warn("instrument config hot-reload disabled", "error", err)
		} else {
			defer reloader.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/snapshot", actorhttp.NewSnapshotHandler(actorhttp.SnapshotHandlerOptions{
		Actor:  a,
		Tracer: tracing.NewTracer(cfg.TracingEnabled),
		Logger: logger,
	}))
	mux.Handle("/metrics", actorhttp.NewMetricsHandler(provider))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := provider.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("signal received; shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ModuleStopTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	if err := reg.ShutdownAll(shutdownCtx); err != nil {
		logger.Error("device shutdown reported partial failure", "error", err)
	}
	if err := ports.CloseAll(); err != nil {
		logger.Error("serial port close failed", "error", err)
	}

	go func() {
		<-sigCh
		logger.Warn("second signal received; forcing exit")
		os.Exit(1)
	}()

	return nil
}

func buildMetricsProvider(cfg daemon.Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "daqd"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// actorRegistrar adapts Actor.RegisterFromTOML (which is context-aware,
// since it is serialized through the command queue) to the context-free
// config.Registrar contract the hot-reload watcher drives.
type actorRegistrar struct {
	a   *actor.Actor
	ctx context.Context
}

func (r actorRegistrar) RegisterFromTOML(path string) error {
	return r.a.RegisterFromTOML(r.ctx, path)
}
