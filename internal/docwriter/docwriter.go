// Package docwriter persists the document protocol stream of §4.6 into a
// bbolt-backed hierarchical container per §4.9: one top-level bucket per
// run uid, one nested stream bucket per Descriptor, one nested dataset
// bucket per declared data key (plus a lazily created "timestamps" series),
// each an extendable append-only log keyed by bbolt's own auto-incrementing
// sequence.
//
// Grounded on the teacher's resources.Manager checkpoint loop: a bounded
// channel feeding a single dedicated goroutine that does blocking I/O, so a
// full channel makes backpressure visible to the producer rather than
// silently buffering or dropping.
package docwriter

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/document"
)

var (
	bucketRuns    = []byte("runs")
	keyMeta       = []byte("_meta")
	keyStop       = []byte("_stop")
	keyManifest   = []byte("_manifest")
	bucketStreams = []byte("streams")
	bucketData    = []byte("data")
	keyDescriptor = []byte("_descriptor")
	streamTimestamps = "timestamps"
)

// Writer is a single dedicated-goroutine consumer of document.Document
// values, applied to an on-disk bbolt database.
type Writer struct {
	db     *bolt.DB
	logger *slog.Logger

	cmdCh chan writeCmd
	wg    sync.WaitGroup

	// descriptorCache remembers each descriptor_uid -> (run_uid, stream_name,
	// data_keys) so Event documents (which only carry descriptor_uid) can be
	// routed without a bbolt read per event.
	mu          sync.Mutex
	descriptors map[string]cachedDescriptor
}

type cachedDescriptor struct {
	runUID     string
	streamName string
	dataKeys   map[string]document.DataKeySpec
}

type writeCmd struct {
	doc  document.Document
	done chan error
}

// Open creates or opens a bbolt database at path and starts the writer's
// background goroutine. queueDepth bounds the command channel.
func Open(path string, queueDepth int, logger *slog.Logger) (*Writer, error) {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, daqerr.Resource("docwriter.open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, daqerr.Resource("docwriter.open", err)
	}

	w := &Writer{
		db:          db,
		logger:      logger,
		cmdCh:       make(chan writeCmd, queueDepth),
		descriptors: make(map[string]cachedDescriptor),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Submit hands doc to the writer. It blocks while the command channel is
// full, making backpressure visible to the caller instead of hiding it
// behind an unbounded buffer.
func (w *Writer) Submit(doc document.Document) error {
	done := make(chan error, 1)
	w.cmdCh <- writeCmd{doc: doc, done: done}
	return <-done
}

// Close drains the command channel and closes the underlying database.
// Blocks until every already-submitted document has been applied.
func (w *Writer) Close() error {
	close(w.cmdCh)
	w.wg.Wait()
	return w.db.Close()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for cmd := range w.cmdCh {
		cmd.done <- w.apply(cmd.doc)
	}
}

func (w *Writer) apply(doc document.Document) error {
	switch doc.Kind {
	case document.KindStart:
		return w.applyStart(doc.Start)
	case document.KindDescriptor:
		return w.applyDescriptor(doc.Descriptor)
	case document.KindEvent:
		return w.applyEvent(doc.Event)
	case document.KindStop:
		return w.applyStop(doc.Stop)
	case document.KindManifest:
		return w.applyManifest(doc.Manifest)
	default:
		return daqerr.Protocol("docwriter.apply", fmt.Errorf("unknown document kind %q", doc.Kind))
	}
}

func (w *Writer) applyStart(s *document.Start) error {
	if s == nil {
		return daqerr.Protocol("docwriter.start", fmt.Errorf("nil start document"))
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		run, err := runs.CreateBucketIfNotExists([]byte(s.RunUID))
		if err != nil {
			return err
		}
		if _, err := run.CreateBucketIfNotExists(bucketStreams); err != nil {
			return err
		}
		return run.Put(keyMeta, encodeStart(s))
	})
}

func (w *Writer) applyDescriptor(d *document.Descriptor) error {
	if d == nil {
		return daqerr.Protocol("docwriter.descriptor", fmt.Errorf("nil descriptor document"))
	}
	err := w.db.Update(func(tx *bolt.Tx) error {
		run := tx.Bucket(bucketRuns).Bucket([]byte(d.RunUID))
		if run == nil {
			return daqerr.Protocol("docwriter.descriptor", fmt.Errorf("descriptor for unknown run %s", d.RunUID))
		}
		streams := run.Bucket(bucketStreams)
		stream, err := streams.CreateBucketIfNotExists([]byte(d.StreamName))
		if err != nil {
			return err
		}
		if err := stream.Put(keyDescriptor, encodeDescriptor(d)); err != nil {
			return err
		}
		data, err := stream.CreateBucketIfNotExists(bucketData)
		if err != nil {
			return err
		}
		for key := range d.DataKeys {
			if _, err := data.CreateBucketIfNotExists([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.descriptors[d.DescriptorUID] = cachedDescriptor{runUID: d.RunUID, streamName: d.StreamName, dataKeys: d.DataKeys}
	w.mu.Unlock()
	return nil
}

func (w *Writer) applyEvent(e *document.Event) error {
	if e == nil {
		return daqerr.Protocol("docwriter.event", fmt.Errorf("nil event document"))
	}
	w.mu.Lock()
	cd, ok := w.descriptors[e.DescriptorUID]
	w.mu.Unlock()
	if !ok {
		return daqerr.Protocol("docwriter.event", fmt.Errorf("event references unknown descriptor %s", e.DescriptorUID))
	}

	return w.db.Update(func(tx *bolt.Tx) error {
		run := tx.Bucket(bucketRuns).Bucket([]byte(cd.runUID))
		if run == nil {
			return daqerr.Protocol("docwriter.event", fmt.Errorf("event for unknown run %s", cd.runUID))
		}
		stream := run.Bucket(bucketStreams).Bucket([]byte(cd.streamName))
		if stream == nil {
			return daqerr.Protocol("docwriter.event", fmt.Errorf("event for unknown stream %s", cd.streamName))
		}
		data := stream.Bucket(bucketData)

		for key, spec := range cd.dataKeys {
			bucket := data.Bucket([]byte(key))
			if bucket == nil {
				return daqerr.Protocol("docwriter.event", fmt.Errorf("dataset %s missing for stream %s", key, cd.streamName))
			}
			var raw []byte
			var err error
			if spec.IsArray() {
				raw, ok = e.BulkData[key]
				if !ok {
					return daqerr.Protocol("docwriter.event", fmt.Errorf("missing array key %s", key))
				}
			} else {
				v, ok := e.Data[key]
				if !ok {
					return daqerr.Protocol("docwriter.event", fmt.Errorf("missing scalar key %s", key))
				}
				raw, err = encodeScalar(spec.Dtype, v)
				if err != nil {
					return err
				}
			}
			if err := appendSequenced(bucket, raw); err != nil {
				return err
			}
		}

		ts := data.Bucket([]byte(streamTimestamps))
		if ts == nil {
			var err error
			ts, err = data.CreateBucket([]byte(streamTimestamps))
			if err != nil {
				return err
			}
		}
		return appendSequenced(ts, encodeTime(e.WallTime))
	})
}

func (w *Writer) applyStop(s *document.Stop) error {
	if s == nil {
		return daqerr.Protocol("docwriter.stop", fmt.Errorf("nil stop document"))
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		run := tx.Bucket(bucketRuns).Bucket([]byte(s.RunUID))
		if run == nil {
			return daqerr.Protocol("docwriter.stop", fmt.Errorf("stop for unknown run %s", s.RunUID))
		}
		return run.Put(keyStop, encodeStop(s))
	})
}

func (w *Writer) applyManifest(m *document.Manifest) error {
	if m == nil {
		return daqerr.Protocol("docwriter.manifest", fmt.Errorf("nil manifest document"))
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		run := tx.Bucket(bucketRuns).Bucket([]byte(m.RunUID))
		if run == nil {
			return daqerr.Protocol("docwriter.manifest", fmt.Errorf("manifest for unknown run %s", m.RunUID))
		}
		return run.Put(keyManifest, encodeManifest(m))
	})
}

func appendSequenced(bucket *bolt.Bucket, value []byte) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, value)
}

// encodeScalar converts one event value into its on-disk byte representation
// per the declared dtype. Integer dtypes store big-endian fixed-width ints;
// float dtypes store IEEE-754 bit patterns; bytes are stored as presented.
func encodeScalar(dtype document.Dtype, v any) ([]byte, error) {
	if dtype == document.DtypeBytes {
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		return []byte(fmt.Sprintf("%v", v)), nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8)
	switch dtype {
	case document.DtypeI8, document.DtypeI16, document.DtypeI32, document.DtypeI64,
		document.DtypeU8, document.DtypeU16, document.DtypeU32, document.DtypeU64:
		binary.BigEndian.PutUint64(buf, uint64(int64(f)))
	case document.DtypeF32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf[:4], nil
	case document.DtypeF64:
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	default:
		return nil, daqerr.Protocol("docwriter.encode_scalar", fmt.Errorf("unknown dtype %q", dtype))
	}
	return buf, nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, daqerr.Protocol("docwriter.to_float64", fmt.Errorf("value %v is not numeric", v))
	}
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}
