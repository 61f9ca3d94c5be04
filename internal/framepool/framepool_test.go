package framepool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/telemetry/metrics"
)

// recordingProvider captures the last value set on each named gauge, enough
// to assert occupancy reporting without depending on a real backend.
type recordingProvider struct {
	mu     sync.Mutex
	gauges map[string]float64
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{gauges: make(map[string]float64)}
}

func (p *recordingProvider) get(name string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gauges[name]
}

func (p *recordingProvider) NewCounter(metrics.CounterOpts) metrics.Counter { return recordingCounter{} }
func (p *recordingProvider) NewGauge(opts metrics.GaugeOpts) metrics.Gauge {
	return &recordingGauge{p: p, name: fqName(opts.CommonOpts)}
}

func fqName(c metrics.CommonOpts) string {
	name := c.Name
	if c.Subsystem != "" {
		name = c.Subsystem + "_" + name
	}
	if c.Namespace != "" {
		name = c.Namespace + "_" + name
	}
	return name
}
func (p *recordingProvider) NewHistogram(metrics.HistogramOpts) metrics.Histogram {
	return recordingHistogram{}
}
func (p *recordingProvider) NewTimer(metrics.HistogramOpts) func() metrics.Timer {
	return func() metrics.Timer { return recordingTimer{} }
}
func (p *recordingProvider) Health(context.Context) error { return nil }

type recordingGauge struct {
	p    *recordingProvider
	name string
}

func (g *recordingGauge) Set(v float64, _ ...string) {
	g.p.mu.Lock()
	defer g.p.mu.Unlock()
	g.p.gauges[g.name] = v
}
func (g *recordingGauge) Add(delta float64, _ ...string) {
	g.p.mu.Lock()
	defer g.p.mu.Unlock()
	g.p.gauges[g.name] += delta
}

type recordingCounter struct{}

func (recordingCounter) Inc(float64, ...string) {}

type recordingHistogram struct{}

func (recordingHistogram) Observe(float64, ...string) {}

type recordingTimer struct{}

func (recordingTimer) ObserveDuration(...string) {}

func newTestPool(size int) *Pool {
	var counter atomic.Uint64
	return New(size, func() *Frame {
		n := counter.Add(1)
		return &Frame{PixelData: make([]byte, 16), FrameNumber: n}
	}, nil, nil, nil)
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(2)
	live, total := p.Occupancy()
	require.Equal(t, 0, live)
	require.Equal(t, 2, total)

	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)
	live, _ = p.Occupancy()
	assert.Equal(t, 1, live)

	loan.Release()
	live, _ = p.Occupancy()
	assert.Equal(t, 0, live)
}

func TestTryAcquireFailsWhenExhausted(t *testing.T) {
	p := newTestPool(1)
	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, ok := p.TryAcquire()
	assert.False(t, ok)

	loan.Release()
	_, ok = p.TryAcquire()
	assert.True(t, ok)
}

func TestCachedAddressSurvivesGrowth(t *testing.T) {
	p := newTestPool(1)
	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)

	before := loan.Frame()
	p.grow(4)
	after := loan.Frame()
	assert.Same(t, before, after, "cached frame pointer must survive growth")
}

// TestPoolUnderLoad mirrors the spec scenario: a pool of 4, 6 concurrent
// acquirers each holding their loan 10ms, no leaked frames afterward.
func TestPoolUnderLoad(t *testing.T) {
	p := newTestPool(4)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loan, err := p.Acquire(context.Background())
			require.NoError(t, err)
			time.Sleep(10 * time.Millisecond)
			loan.Release()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond, "6 acquirers over 4 slots must serialize into at least 2 waves")
	live, total := p.Occupancy()
	assert.Equal(t, 0, live)
	assert.Equal(t, 4, total, "pool must not have grown under ordinary contention")
}

func TestAcquireTimeoutGrowsPool(t *testing.T) {
	p := newTestPool(1)
	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer loan.Release()

	grown, err := p.TryAcquireWithTimeout(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, grown)
	defer grown.Release()

	_, total := p.Occupancy()
	assert.Greater(t, total, 1, "timeout must trigger growth")
}

func TestResetHookRunsOnRelease(t *testing.T) {
	var resetCount atomic.Int32
	p := New(1, func() *Frame {
		return &Frame{PixelData: make([]byte, 4)}
	}, func(f *Frame) {
		resetCount.Add(1)
		f.Len = 0
		f.FrameNumber = 0
	}, nil, nil)

	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)
	loan.Frame().Len = 4
	loan.Frame().FrameNumber = 7
	loan.Release()

	assert.Equal(t, int32(1), resetCount.Load())

	reacquired, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, reacquired.Frame().Len)
}

func TestCloneAcquiresDistinctSlotWithCopiedContents(t *testing.T) {
	p := newTestPool(2)
	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)
	loan.Frame().Len = copy(loan.Frame().PixelData, []byte("hello world!!!!"))
	loan.Frame().Width, loan.Frame().Height, loan.Frame().BitDepth = 4, 4, 16

	clone, err := loan.Clone()
	require.NoError(t, err)

	assert.NotSame(t, loan.Frame(), clone.Frame(), "clone must not share the source slot")
	assert.Equal(t, loan.Frame().PixelData[:loan.Frame().Len], clone.Frame().PixelData[:clone.Frame().Len])
	assert.Equal(t, loan.Frame().Width, clone.Frame().Width)
	assert.Equal(t, loan.Frame().Height, clone.Frame().Height)
	assert.Equal(t, loan.Frame().BitDepth, clone.Frame().BitDepth)

	live, _ := p.Occupancy()
	assert.Equal(t, 2, live, "clone must hold its own permit, not share the source's")

	loan.Release()
	clone.Frame().PixelData[0] = 'X'
	assert.NotEqual(t, loan.Frame().PixelData[0], clone.Frame().PixelData[0],
		"releasing the source loan must not affect the clone's independent slot")
	clone.Release()
}

func TestCloneGrowsPoolWhenExhausted(t *testing.T) {
	p := newTestPool(1)
	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer loan.Release()

	_, total := p.Occupancy()
	require.Equal(t, 1, total)

	clone, err := loan.Clone()
	require.NoError(t, err)
	defer clone.Release()

	_, total = p.Occupancy()
	assert.Greater(t, total, 1, "clone must grow the pool rather than reuse the source's slot")
}

func TestOccupancyGaugesTrackAcquireAndRelease(t *testing.T) {
	prov := newRecordingProvider()
	var counter atomic.Uint64
	p := New(2, func() *Frame {
		n := counter.Add(1)
		return &Frame{PixelData: make([]byte, 16), FrameNumber: n}
	}, nil, nil, prov)

	assert.Equal(t, float64(2), prov.get("daqd_framepool_total_slots"))
	assert.Equal(t, float64(0), prov.get("daqd_framepool_live_slots"))

	loan, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), prov.get("daqd_framepool_live_slots"))

	loan.Release()
	assert.Equal(t, float64(0), prov.get("daqd_framepool_live_slots"))
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p := newTestPool(0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
