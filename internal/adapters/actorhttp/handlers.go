// Package actorhttp exposes the central actor's Snapshot and the metrics
// provider's scrape endpoint over plain net/http handlers.
//
// Grounded on the teacher's adapters/telemetryhttp/handlers.go: a
// HandlerOptions struct carrying the facade plus a clock, JSON-encoded
// responses, and a MetricsHandler type-assertion against the concrete
// provider rather than a hard Prometheus import.
package actorhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/labdaq/daqd/internal/actor"
	"github.com/labdaq/daqd/telemetry/logging"
	"github.com/labdaq/daqd/internal/telemetry/metrics"
	"github.com/labdaq/daqd/internal/telemetry/tracing"
)

// SnapshotHandlerOptions configures NewSnapshotHandler.
type SnapshotHandlerOptions struct {
	Actor *actor.Actor
	Clock func() time.Time

	// Tracer starts a span around the request for trace/span IDs that
	// Logger then attaches to its log lines. Nil is equivalent to a
	// disabled tracer (tracing.NewTracer(false)).
	Tracer tracing.Tracer
	Logger *slog.Logger
}

// NewSnapshotHandler serves the actor's device/module/fan-out Snapshot as
// JSON.
func NewSnapshotHandler(opts SnapshotHandlerOptions) http.Handler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.NewTracer(false)
	}
	log := logging.New(opts.Logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := opts.Tracer.StartSpan(r.Context(), "actorhttp.snapshot")
		defer span.End()

		if opts.Actor == nil {
			log.ErrorCtx(ctx, "snapshot requested with nil actor")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "actor nil"})
			return
		}
		snap := opts.Actor.GetMetrics()
		log.InfoCtx(ctx, "snapshot served", "device_count", snap.DeviceCount, "instance_count", len(snap.Instances))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// NewMetricsHandler delegates to the metrics provider's own scrape handler
// when it exposes one (the Prometheus backend does); otherwise responds
// 501 so callers can detect a disabled metrics backend instead of parsing
// an unexpectedly empty body.
func NewMetricsHandler(p metrics.Provider) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	}
	if mp, ok := p.(interface{ MetricsHandler() http.Handler }); ok {
		return mp.MetricsHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics handler unavailable", http.StatusNotImplemented)
	})
}
