// Package document implements the Start/Descriptor/Event/Stop record
// protocol (§4.6): a run begins with one Start, declares any number of
// typed Descriptors, emits any number of Events against those descriptors,
// and closes with exactly one Stop.
package document

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labdaq/daqd/internal/daqerr"
)

// SchemaVersion is carried on every Document so readers of persisted runs
// can detect a future incompatible layout before decoding further.
const SchemaVersion = 1

// Kind discriminates which of Start/Descriptor/Event/Stop a Document holds.
type Kind string

const (
	KindStart      Kind = "start"
	KindDescriptor Kind = "descriptor"
	KindEvent      Kind = "event"
	KindStop       Kind = "stop"
	KindManifest   Kind = "manifest"
)

// Dtype names the wire type of one declared data key.
type Dtype string

const (
	DtypeI8    Dtype = "i8"
	DtypeI16   Dtype = "i16"
	DtypeI32   Dtype = "i32"
	DtypeI64   Dtype = "i64"
	DtypeU8    Dtype = "u8"
	DtypeU16   Dtype = "u16"
	DtypeU32   Dtype = "u32"
	DtypeU64   Dtype = "u64"
	DtypeF32   Dtype = "f32"
	DtypeF64   Dtype = "f64"
	DtypeBytes Dtype = "bytes"
)

// ExitStatus is the aggregate outcome recorded on a Stop.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFailure ExitStatus = "failure"
	ExitAborted ExitStatus = "aborted"
)

// Limits bounds a scalar data key for display/validation hints; either
// field may be nil to leave that side unbounded.
type Limits struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

// DataKeySpec freezes the typed shape of one data key within a stream.
type DataKeySpec struct {
	Source    string  `json:"source"`
	Dtype     Dtype   `json:"dtype"`
	Shape     []int   `json:"shape,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Precision int     `json:"precision,omitempty"`
	Limits    *Limits `json:"limits,omitempty"`
}

// IsArray reports whether this key carries bulk byte-array data (declared
// with a non-empty shape) rather than a single scalar per event.
func (d DataKeySpec) IsArray() bool { return len(d.Shape) > 0 }

// Start opens a run.
type Start struct {
	RunUID       string         `json:"run_uid"`
	WallStart    time.Time      `json:"wall_start"`
	PlanType     string         `json:"plan_type"`
	PlanName     string         `json:"plan_name"`
	PlanArgs     map[string]any `json:"plan_args,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	DisplayHints map[string]any `json:"display_hints,omitempty"`
}

// Descriptor freezes the data-key catalog for one stream within a run.
type Descriptor struct {
	RunUID        string                 `json:"run_uid"`
	DescriptorUID string                 `json:"descriptor_uid"`
	StreamName    string                 `json:"stream_name"`
	DataKeys      map[string]DataKeySpec `json:"data_keys"`
	Configuration map[string]any         `json:"configuration,omitempty"`
}

// Event carries one sample against a previously emitted Descriptor.
type Event struct {
	DescriptorUID string                 `json:"descriptor_uid"`
	Seq           uint64                 `json:"seq"`
	Data          map[string]any         `json:"data,omitempty"`
	BulkData      map[string][]byte      `json:"bulk_data,omitempty"`
	Timestamps    map[string]time.Time   `json:"timestamps,omitempty"`
	WallTime      time.Time              `json:"wall_time"`
}

// Stop closes a run with an aggregate exit status.
type Stop struct {
	RunUID     string     `json:"run_uid"`
	WallStop   time.Time  `json:"wall_stop"`
	ExitStatus ExitStatus `json:"exit_status"`
	Reason     string     `json:"reason,omitempty"`
	NumEvents  uint64     `json:"num_events"`
}

// Manifest is an optional end-of-run catalog of bulk files written outside
// the document stream itself (e.g. raw camera dumps too large to inline as
// BulkData), so a reader can locate them after replay.
type Manifest struct {
	RunUID string            `json:"run_uid"`
	Files  map[string]string `json:"files,omitempty"` // logical name -> path
}

// Document is the tagged envelope every document-protocol record travels
// in. Exactly one of Start/Descriptor/Event/Stop/Manifest is populated,
// selected by Kind.
type Document struct {
	SchemaVersion int         `json:"schema_version"`
	Kind          Kind        `json:"type"`
	Start         *Start      `json:"start,omitempty"`
	Descriptor    *Descriptor `json:"descriptor,omitempty"`
	Event         *Event      `json:"event,omitempty"`
	Stop          *Stop       `json:"stop,omitempty"`
	Manifest      *Manifest   `json:"manifest,omitempty"`
}

// NewRunUID generates a fresh run identifier.
func NewRunUID() string { return uuid.NewString() }

// NewDescriptorUID generates a fresh descriptor identifier.
func NewDescriptorUID() string { return uuid.NewString() }

func NewStart(s Start) Document {
	return Document{SchemaVersion: SchemaVersion, Kind: KindStart, Start: &s}
}
func NewDescriptor(d Descriptor) Document {
	return Document{SchemaVersion: SchemaVersion, Kind: KindDescriptor, Descriptor: &d}
}
func NewEvent(e Event) Document {
	return Document{SchemaVersion: SchemaVersion, Kind: KindEvent, Event: &e}
}
func NewStop(s Stop) Document {
	return Document{SchemaVersion: SchemaVersion, Kind: KindStop, Stop: &s}
}
func NewManifest(m Manifest) Document {
	return Document{SchemaVersion: SchemaVersion, Kind: KindManifest, Manifest: &m}
}

// Sequencer enforces the per-run emission invariants of §4.6 for one
// producer: a run uid is opened by at most one Start, every Descriptor and
// Event belongs to an open run, every Event references a previously
// emitted Descriptor of that run and presents exactly the scalar keys its
// catalog declares, and Stop closes exactly one open run.
//
// A Sequencer is not safe for concurrent use; a module task owns one.
type Sequencer struct {
	runUID      string
	lastRunUID  string
	open        bool
	descriptors map[string]Descriptor
	eventCount  uint64
	usedRunUIDs map[string]struct{}
}

// NewSequencer returns a Sequencer with no open run.
func NewSequencer() *Sequencer {
	return &Sequencer{descriptors: make(map[string]Descriptor)}
}

// Start opens a new run. Fails if a run is already open, or if this
// Sequencer has already used runUID for a prior run.
func (s *Sequencer) Start(runUID string, plan Start) (Document, error) {
	if s.open {
		return Document{}, daqerr.Protocol("document.start", fmt.Errorf("run %s already open", s.runUID))
	}
	if _, used := s.usedRunUIDs[runUID]; used {
		return Document{}, daqerr.Protocol("document.start", fmt.Errorf("run %s was already started", runUID))
	}
	if s.usedRunUIDs == nil {
		s.usedRunUIDs = make(map[string]struct{})
	}
	s.usedRunUIDs[runUID] = struct{}{}
	plan.RunUID = runUID
	s.runUID = runUID
	s.lastRunUID = runUID
	s.open = true
	s.descriptors = make(map[string]Descriptor)
	s.eventCount = 0
	return NewStart(plan), nil
}

// Descriptor emits a new stream schema for the open run.
func (s *Sequencer) Descriptor(streamName string, dataKeys map[string]DataKeySpec, configuration map[string]any) (Document, error) {
	if !s.open {
		return Document{}, daqerr.Protocol("document.descriptor", fmt.Errorf("no open run"))
	}
	d := Descriptor{
		RunUID:        s.runUID,
		DescriptorUID: NewDescriptorUID(),
		StreamName:    streamName,
		DataKeys:      dataKeys,
		Configuration: configuration,
	}
	s.descriptors[d.DescriptorUID] = d
	return NewDescriptor(d), nil
}

// Event emits one sample against descriptorUID. data must present exactly
// the scalar keys its descriptor declares (array keys go in bulk); extra or
// missing keys are rejected.
func (s *Sequencer) Event(descriptorUID string, data map[string]any, bulk map[string][]byte) (Document, error) {
	if !s.open {
		return Document{}, daqerr.Protocol("document.event", fmt.Errorf("no open run"))
	}
	desc, ok := s.descriptors[descriptorUID]
	if !ok {
		return Document{}, daqerr.Protocol("document.event", fmt.Errorf("event references unknown descriptor %s", descriptorUID))
	}
	if err := validateEventKeys(desc, data, bulk); err != nil {
		return Document{}, err
	}
	s.eventCount++
	e := Event{
		DescriptorUID: descriptorUID,
		Seq:           s.eventCount,
		Data:          data,
		BulkData:      bulk,
		WallTime:      time.Now(),
	}
	return NewEvent(e), nil
}

func validateEventKeys(desc Descriptor, data map[string]any, bulk map[string][]byte) error {
	for key, spec := range desc.DataKeys {
		if spec.IsArray() {
			if _, ok := bulk[key]; !ok {
				return daqerr.Protocol("document.event", fmt.Errorf("missing array key %s declared by descriptor %s", key, desc.DescriptorUID))
			}
		} else {
			if _, ok := data[key]; !ok {
				return daqerr.Protocol("document.event", fmt.Errorf("missing scalar key %s declared by descriptor %s", key, desc.DescriptorUID))
			}
		}
	}
	for key := range data {
		if _, ok := desc.DataKeys[key]; !ok {
			return daqerr.Protocol("document.event", fmt.Errorf("event key %s not declared by descriptor %s", key, desc.DescriptorUID))
		}
	}
	for key := range bulk {
		if _, ok := desc.DataKeys[key]; !ok {
			return daqerr.Protocol("document.event", fmt.Errorf("event bulk key %s not declared by descriptor %s", key, desc.DescriptorUID))
		}
	}
	return nil
}

// Stop closes the open run with an aggregate exit status. success requires
// every emitted event to have been durably written by the caller (the
// document writer, not the sequencer, tracks durability); callers should
// only pass ExitSuccess once they've confirmed that.
func (s *Sequencer) Stop(status ExitStatus, reason string) (Document, error) {
	if !s.open {
		return Document{}, daqerr.Protocol("document.stop", fmt.Errorf("no open run"))
	}
	stop := Stop{
		RunUID:     s.runUID,
		WallStop:   time.Now(),
		ExitStatus: status,
		Reason:     reason,
		NumEvents:  s.eventCount,
	}
	s.open = false
	return NewStop(stop), nil
}

// RunUID returns the currently open run's id, or "" if none is open.
func (s *Sequencer) RunUID() string {
	if !s.open {
		return ""
	}
	return s.runUID
}

// Manifest emits an optional end-of-run bulk-file catalog for the most
// recently started run. It may be emitted while the run is still open or
// after Stop has closed it, since manifests are typically assembled once all
// bulk files have finished flushing to disk.
func (s *Sequencer) Manifest(files map[string]string) (Document, error) {
	if s.lastRunUID == "" {
		return Document{}, daqerr.Protocol("document.manifest", fmt.Errorf("no run has been started"))
	}
	return NewManifest(Manifest{RunUID: s.lastRunUID, Files: files}), nil
}
