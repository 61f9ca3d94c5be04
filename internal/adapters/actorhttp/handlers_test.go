package actorhttp

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/actor"
	"github.com/labdaq/daqd/internal/fanout"
	"github.com/labdaq/daqd/internal/module"
	"github.com/labdaq/daqd/internal/registry"
	"github.com/labdaq/daqd/internal/telemetry/tracing"
)

func newTestActor(t *testing.T) *actor.Actor {
	t.Helper()
	bus := fanout.New(fanout.Config{}, nil, nil)
	reg := registry.New(nil)
	types := module.NewTypeRegistry(bus)
	return actor.New(reg, types, bus, nil, nil)
}

func TestSnapshotHandlerServesJSONWithTracerEnabled(t *testing.T) {
	a := newTestActor(t)
	handler := NewSnapshotHandler(SnapshotHandlerOptions{Actor: a, Tracer: tracing.NewTracer(true)})

	req := httptest.NewRequest("GET", "/snapshot", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Content-Type"), "application/json"))
	assert.Contains(t, rec.Body.String(), "Fanout")
}

func TestSnapshotHandlerRejectsNilActor(t *testing.T) {
	handler := NewSnapshotHandler(SnapshotHandlerOptions{})

	req := httptest.NewRequest("GET", "/snapshot", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, 503, rec.Code)
}
