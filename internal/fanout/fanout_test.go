package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/measurement"
)

func TestBroadcastDeliversToEverySubscriber(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub1, err := b.Subscribe("writer", 4)
	require.NoError(t, err)
	sub2, err := b.Subscribe("rpc", 4)
	require.NoError(t, err)

	b.Broadcast(NewMeasurementMessage(measurement.NewScalar("det1", 42)))

	msg1 := <-sub1.C()
	msg2 := <-sub2.C()
	assert.Equal(t, KindMeasurement, msg1.Kind)
	assert.Equal(t, 42.0, msg2.Measurement.Scalar)
}

func TestBroadcastNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, err := b.Subscribe("slow", 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Broadcast(NewMeasurementMessage(measurement.NewScalar("det1", float64(i))))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}

	snap := b.Snapshot()
	require.Len(t, snap.Subscribers, 1)
	assert.Greater(t, snap.Subscribers[0].TotalDropped, uint64(0))
	_ = sub
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, err := b.Subscribe("temp", 4)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub))

	_, open := <-sub.C()
	assert.False(t, open)

	snap := b.Snapshot()
	assert.Len(t, snap.Subscribers, 0)
}

func TestSnapshotTracksOccupancy(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	_, err := b.Subscribe("reader", 4)
	require.NoError(t, err)

	b.Broadcast(NewMeasurementMessage(measurement.NewScalar("det1", 1)))
	b.Broadcast(NewMeasurementMessage(measurement.NewScalar("det1", 2)))

	snap := b.Snapshot()
	require.Len(t, snap.Subscribers, 1)
	assert.Equal(t, uint64(2), snap.Subscribers[0].TotalSent)
	assert.Equal(t, 50, snap.Subscribers[0].LastOccupancy) // 2 of 4 slots filled
}

func TestDisconnectedSubscriberRemovedOnUnsubscribe(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, err := b.Subscribe("gone", 2)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub))
	require.Error(t, b.Unsubscribe(sub))
}
