package docwriter

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/document"
)

func TestWriterPersistsFullRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	w, err := Open(path, 4, nil)
	require.NoError(t, err)

	runUID := "run-1"
	require.NoError(t, w.Submit(document.NewStart(document.Start{RunUID: runUID, PlanType: "scan", PlanName: "test"})))

	descDoc := document.NewDescriptor(document.Descriptor{
		RunUID:        runUID,
		DescriptorUID: "desc-1",
		StreamName:    "primary",
		DataKeys: map[string]document.DataKeySpec{
			"det1": {Dtype: document.DtypeF64},
			"cam1": {Dtype: document.DtypeU16, Shape: []int{4, 4}},
		},
	})
	require.NoError(t, w.Submit(descDoc))

	bulk := make([]byte, 32)
	require.NoError(t, w.Submit(document.NewEvent(document.Event{
		DescriptorUID: "desc-1",
		Data:          map[string]any{"det1": 12.5},
		BulkData:      map[string][]byte{"cam1": bulk},
	})))
	require.NoError(t, w.Submit(document.NewEvent(document.Event{
		DescriptorUID: "desc-1",
		Data:          map[string]any{"det1": 13.5},
		BulkData:      map[string][]byte{"cam1": bulk},
	})))

	require.NoError(t, w.Submit(document.NewStop(document.Stop{RunUID: runUID, ExitStatus: document.ExitSuccess, NumEvents: 2})))
	require.NoError(t, w.Submit(document.NewManifest(document.Manifest{RunUID: runUID, Files: map[string]string{"raw": "/data/run-1.raw"}})))
	require.NoError(t, w.Close())

	db, err := bolt.Open(path, 0o644, nil)
	require.NoError(t, err)
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		run := tx.Bucket(bucketRuns).Bucket([]byte(runUID))
		require.NotNil(t, run)
		assert.NotNil(t, run.Get(keyMeta))
		assert.NotNil(t, run.Get(keyStop))
		assert.NotNil(t, run.Get(keyManifest))

		stream := run.Bucket(bucketStreams).Bucket([]byte("primary"))
		require.NotNil(t, stream)
		assert.NotNil(t, stream.Get(keyDescriptor))

		data := stream.Bucket(bucketData)
		det1 := data.Bucket([]byte("det1"))
		require.NotNil(t, det1)
		assert.Equal(t, 2, det1.Stats().KeyN)

		cam1 := data.Bucket([]byte("cam1"))
		require.NotNil(t, cam1)
		assert.Equal(t, 2, cam1.Stats().KeyN)

		ts := data.Bucket([]byte(streamTimestamps))
		require.NotNil(t, ts)
		assert.Equal(t, 2, ts.Stats().KeyN)
		return nil
	})
	require.NoError(t, err)
}

func TestEventRejectsUnknownDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	w, err := Open(path, 4, nil)
	require.NoError(t, err)
	defer w.Close()

	err = w.Submit(document.NewEvent(document.Event{DescriptorUID: "missing", Data: map[string]any{}}))
	assert.Error(t, err)
}

func TestDepthOneQueueHandlesSequentialSubmits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	w, err := Open(path, 1, nil)
	require.NoError(t, err)
	defer w.Close()

	// Submit is synchronous (blocks for the reply), so this mostly exercises
	// that a depth-1 queue doesn't deadlock under sequential submission.
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Submit(document.NewStart(document.Start{RunUID: "r", PlanType: "t", PlanName: "n"})))
	}
}
