// Package fanout implements the single-producer, many-consumer measurement
// and document bus described in §4.7: broadcast never blocks on a slow
// subscriber, drops are counted rather than hidden, and two per-subscriber
// alert thresholds surface sustained backpressure and instantaneous
// saturation.
//
// Generalized from the teacher's internal/telemetry/events.eventBus
// (non-blocking per-subscriber try-send over a bounded channel, atomic
// published/dropped counters, metrics.Provider wiring) to carry typed
// Measurement/Document payloads instead of a single flat event struct, and
// to add windowed rate accounting and alert thresholds the original bus
// didn't need.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/document"
	"github.com/labdaq/daqd/internal/measurement"
	"github.com/labdaq/daqd/internal/telemetry/metrics"
)

// Kind discriminates a Message's payload.
type Kind string

const (
	KindMeasurement Kind = "measurement"
	KindDocument    Kind = "document"
)

// Message is the tagged envelope broadcast to every subscriber. Exactly one
// of Measurement/Document is populated.
type Message struct {
	Time        time.Time
	Kind        Kind
	Measurement *measurement.Measurement
	Document    *document.Document
}

func NewMeasurementMessage(m measurement.Measurement) Message {
	return Message{Time: time.Now(), Kind: KindMeasurement, Measurement: &m}
}

func NewDocumentMessage(d document.Document) Message {
	return Message{Time: time.Now(), Kind: KindDocument, Document: &d}
}

// Config tunes the alert thresholds and windowing of a Bus.
type Config struct {
	// WarnDropRatePercent triggers a warning log, once per window, when a
	// subscriber's windowed drop rate exceeds this percentage.
	WarnDropRatePercent float64
	// ErrorSaturationPercent triggers an error log, once per window, when a
	// subscriber's instantaneous queue occupancy exceeds this percentage.
	ErrorSaturationPercent float64
	// WindowDuration bounds how often either alert may fire per subscriber.
	WindowDuration time.Duration
}

// DefaultConfig matches the thresholds called out in the design notes:
// sustained drops above 5% warn, instantaneous saturation above 90% errors.
func DefaultConfig() Config {
	return Config{WarnDropRatePercent: 5, ErrorSaturationPercent: 90, WindowDuration: 10 * time.Second}
}

// Subscription is a live handle on one subscriber's inbound channel.
type Subscription interface {
	C() <-chan Message
	Close() error
	ID() int64
	Name() string
}

// SubscriberSnapshot is the point-in-time view of one subscriber's counters
// returned by Bus.Snapshot.
type SubscriberSnapshot struct {
	ID              int64
	Name            string
	TotalSent       uint64
	TotalDropped    uint64
	WindowSent      uint64
	WindowDropped   uint64
	LastOccupancy   int
	QueueCapacity   int
}

// Snapshot is the aggregate state of every live subscriber.
type Snapshot struct {
	Subscribers []SubscriberSnapshot
}

// Bus is the broadcast contract.
type Bus interface {
	Broadcast(msg Message)
	Subscribe(name string, buffer int) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Snapshot() Snapshot
}

// New constructs a Bus. provider may be nil to disable metrics export.
func New(cfg Config, provider metrics.Provider, logger *slog.Logger) Bus {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &bus{subs: make(map[int64]*subscriber), cfg: cfg, logger: logger, provider: provider}
	b.initMetrics()
	return b
}

type bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	cfg    Config
	logger *slog.Logger

	provider   metrics.Provider
	mBroadcast metrics.Counter
	mDropped   metrics.Counter
}

func (b *bus) initMetrics() {
	if b.provider == nil {
		return
	}
	b.mBroadcast = b.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "daqd", Subsystem: "fanout", Name: "broadcast_total", Help: "Total messages broadcast",
	}})
	b.mDropped = b.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "daqd", Subsystem: "fanout", Name: "dropped_total", Help: "Total messages dropped due to subscriber backpressure",
		Labels: []string{"subscriber"},
	}})
}

// Broadcast walks every live subscriber and attempts a non-blocking send.
// It never blocks on a slow subscriber: a full queue increments that
// subscriber's drop counters instead.
func (b *bus) Broadcast(msg Message) {
	if b.mBroadcast != nil {
		b.mBroadcast.Inc(1)
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
			s.totalSent.Add(1)
			s.windowSent.Add(1)
		default:
			s.totalDropped.Add(1)
			s.windowDropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1, s.idLabel)
			}
		}
		occupancy := len(s.ch) * 100 / cap(s.ch)
		s.lastOccupancy.Store(int64(occupancy))
		b.checkAlerts(s, occupancy)
	}
}

// checkAlerts rolls a subscriber's window over once WindowDuration has
// elapsed since it last opened, evaluating both thresholds against the
// window that just closed before resetting its counters. Broadcast may be
// called concurrently by many module goroutines sharing one bus, so the
// window-rollover decision (read-then-reset of windowStart) is guarded by a
// per-subscriber mutex; the hot counters themselves stay lock-free atomics.
func (b *bus) checkAlerts(s *subscriber, occupancy int) {
	if occupancy > int(b.cfg.ErrorSaturationPercent) && s.erroredThisWindow.CompareAndSwap(false, true) {
		b.logger.Error("fanout subscriber saturated", "subscriber", s.name, "occupancy_percent", occupancy)
	}

	s.windowMu.Lock()
	if time.Since(s.windowStart) < b.cfg.WindowDuration {
		s.windowMu.Unlock()
		return
	}
	s.windowStart = time.Now()
	s.windowMu.Unlock()

	sent := s.windowSent.Swap(0)
	dropped := s.windowDropped.Swap(0)
	s.erroredThisWindow.Store(false)

	total := sent + dropped
	if total == 0 {
		return
	}
	rate := float64(dropped) / float64(total) * 100
	if rate > b.cfg.WarnDropRatePercent {
		b.logger.Warn("fanout subscriber sustained drop rate exceeded threshold",
			"subscriber", s.name, "drop_rate_percent", rate, "window_sent", sent, "window_dropped", dropped)
	}
}

func (b *bus) Subscribe(name string, buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	id := atomic.AddInt64(&b.nextID, 1)
	s := &subscriber{
		id: id, name: name, ch: make(chan Message, buffer), bus: b,
		idLabel: fmt.Sprintf("%d", id), windowStart: time.Now(),
	}
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	return s, nil
}

func (b *bus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	id := sub.ID()
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return daqerr.Lifecycle("fanout.unsubscribe", fmt.Errorf("unknown subscriber %d", id))
	}
	close(s.ch)
	return nil
}

func (b *bus) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := Snapshot{Subscribers: make([]SubscriberSnapshot, 0, len(b.subs))}
	for _, s := range b.subs {
		out.Subscribers = append(out.Subscribers, SubscriberSnapshot{
			ID:            s.id,
			Name:          s.name,
			TotalSent:     s.totalSent.Load(),
			TotalDropped:  s.totalDropped.Load(),
			WindowSent:    s.windowSent.Load(),
			WindowDropped: s.windowDropped.Load(),
			LastOccupancy: int(s.lastOccupancy.Load()),
			QueueCapacity: cap(s.ch),
		})
	}
	return out
}

type subscriber struct {
	id      int64
	name    string
	ch      chan Message
	bus     *bus
	idLabel string

	totalSent     atomic.Uint64
	totalDropped  atomic.Uint64
	windowSent    atomic.Uint64
	windowDropped atomic.Uint64
	lastOccupancy atomic.Int64

	windowMu          sync.Mutex
	windowStart       time.Time
	erroredThisWindow atomic.Bool
}

func (s *subscriber) C() <-chan Message { return s.ch }
func (s *subscriber) ID() int64         { return s.id }
func (s *subscriber) Name() string      { return s.name }
func (s *subscriber) Close() error      { return s.bus.Unsubscribe(s) }

// WaitDrain blocks until ctx is done or the subscriber's queue is empty,
// useful in tests and in module shutdown paths that want to avoid dropping
// the final few messages of a run.
func (s *subscriber) WaitDrain(ctx context.Context) error {
	for len(s.ch) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
