// Package daemon holds the process-wide configuration surface for daqd,
// the direct descendant of the teacher's engine.Config: a narrow, typed
// struct with a Defaults() constructor, normalizing the tunables every
// subsystem needs at construction time.
package daemon

import "time"

// Config is the public configuration surface for the daqd process.
type Config struct {
	// Command queue sizing for the central actor (§4.10).
	ActorQueueDepth int

	// Fan-out bus sizing (§4.7).
	FanoutSubscriberBuffer int
	FanoutAlertThreshold   int
	FanoutAlertWindow      time.Duration

	// Frame pool sizing (§4.5).
	FramePoolSize      int
	FramePoolFrameSize int
	FramePoolAcquireTimeout time.Duration

	// Ring buffer sizing (§4.6).
	RingBufferSlots   int
	RingBufferSlotLen int

	// Document writer (§4.9).
	DocWriterPath        string
	DocWriterQueueDepth  int

	// Instrument config directory, hot-reloaded via fsnotify (§4.1.1).
	InstrumentConfigDir string
	HotReloadEnabled    bool

	// Declarative module type catalog, decoded for startup documentation
	// (§4.8/C9); factories themselves still register in Go.
	ModuleCatalogPath string

	// Module shutdown grace period (§4.8).
	ModuleStopTimeout time.Duration

	// Telemetry toggles.
	MetricsEnabled bool
	// MetricsBackend selects the implementation when MetricsEnabled is
	// true. Supported: "prom" (default), "otel", "noop".
	MetricsBackend string
	MetricsListenAddr string
	TracingEnabled    bool

	// HTTP surface for adapters/actorhttp.
	HTTPListenAddr string
}

// Option mutates a Config at construction, following the teacher's
// functional-options convention used across its adapters packages.
type Option func(*Config)

// WithInstrumentConfigDir overrides the directory scanned/watched for
// InstrumentConfig TOML files.
func WithInstrumentConfigDir(dir string) Option {
	return func(c *Config) { c.InstrumentConfigDir = dir }
}

// WithDocWriterPath overrides the bbolt archive path.
func WithDocWriterPath(path string) Option {
	return func(c *Config) { c.DocWriterPath = path }
}

// WithHTTPListenAddr overrides the actorhttp listen address.
func WithHTTPListenAddr(addr string) Option {
	return func(c *Config) { c.HTTPListenAddr = addr }
}

// WithMetricsBackend overrides the telemetry metrics backend.
func WithMetricsBackend(backend string) Option {
	return func(c *Config) { c.MetricsBackend = backend; c.MetricsEnabled = backend != "noop" }
}

// WithModuleCatalogPath overrides the declarative module type catalog path.
func WithModuleCatalogPath(path string) Option {
	return func(c *Config) { c.ModuleCatalogPath = path }
}

// Defaults returns a Config with reasonable defaults for a single-process
// lab deployment, mirroring the teacher's Defaults() conventions.
func Defaults() Config {
	return Config{
		ActorQueueDepth:         256,
		FanoutSubscriberBuffer:  64,
		FanoutAlertThreshold:    32,
		FanoutAlertWindow:       10 * time.Second,
		FramePoolSize:           16,
		FramePoolFrameSize:      4 << 20,
		FramePoolAcquireTimeout: 500 * time.Millisecond,
		RingBufferSlots:         64,
		RingBufferSlotLen:       4 << 20,
		DocWriterPath:           "daqd.bolt",
		DocWriterQueueDepth:     64,
		InstrumentConfigDir:     "instruments",
		HotReloadEnabled:        true,
		ModuleCatalogPath:       "configs/module_catalog.yaml",
		ModuleStopTimeout:       5 * time.Second,
		MetricsEnabled:          true,
		MetricsBackend:          "prom",
		MetricsListenAddr:       ":2112",
		TracingEnabled:          false,
		HTTPListenAddr:          ":8090",
	}
}

// New builds a Config from Defaults() with opts applied.
func New(opts ...Option) Config {
	c := Defaults()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
