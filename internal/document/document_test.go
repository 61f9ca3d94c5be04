package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerHappyPath(t *testing.T) {
	seq := NewSequencer()
	startDoc, err := seq.Start(NewRunUID(), Start{PlanType: "scan", PlanName: "wavelength_sweep"})
	require.NoError(t, err)
	assert.Equal(t, KindStart, startDoc.Kind)

	descDoc, err := seq.Descriptor("primary", map[string]DataKeySpec{
		"det1": {Source: "det1", Dtype: DtypeF64},
		"cam1": {Source: "cam1", Dtype: DtypeU16, Shape: []int{10, 10}},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, KindDescriptor, descDoc.Kind)
	descUID := descDoc.Descriptor.DescriptorUID

	bulk := make([]byte, 200)
	eventDoc, err := seq.Event(descUID, map[string]any{"det1": 42.0}, map[string][]byte{"cam1": bulk})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), eventDoc.Event.Seq)

	stopDoc, err := seq.Stop(ExitSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stopDoc.Stop.NumEvents)
	assert.Empty(t, seq.RunUID())
}

func TestEventRejectsMissingScalarKey(t *testing.T) {
	seq := NewSequencer()
	_, err := seq.Start(NewRunUID(), Start{})
	require.NoError(t, err)
	descDoc, err := seq.Descriptor("primary", map[string]DataKeySpec{
		"det1": {Dtype: DtypeF64},
	}, nil)
	require.NoError(t, err)

	_, err = seq.Event(descDoc.Descriptor.DescriptorUID, map[string]any{}, nil)
	assert.Error(t, err)
}

func TestEventRejectsUndeclaredKey(t *testing.T) {
	seq := NewSequencer()
	_, err := seq.Start(NewRunUID(), Start{})
	require.NoError(t, err)
	descDoc, err := seq.Descriptor("primary", map[string]DataKeySpec{
		"det1": {Dtype: DtypeF64},
	}, nil)
	require.NoError(t, err)

	_, err = seq.Event(descDoc.Descriptor.DescriptorUID, map[string]any{"det1": 1.0, "extra": 2.0}, nil)
	assert.Error(t, err)
}

func TestEventRejectsUnknownDescriptor(t *testing.T) {
	seq := NewSequencer()
	_, err := seq.Start(NewRunUID(), Start{})
	require.NoError(t, err)

	_, err = seq.Event("does-not-exist", nil, nil)
	assert.Error(t, err)
}

func TestCannotOpenSecondRunWhileOneIsOpen(t *testing.T) {
	seq := NewSequencer()
	_, err := seq.Start(NewRunUID(), Start{})
	require.NoError(t, err)

	_, err = seq.Start(NewRunUID(), Start{})
	assert.Error(t, err)
}

func TestDescriptorAndStopRequireOpenRun(t *testing.T) {
	seq := NewSequencer()
	_, err := seq.Descriptor("primary", nil, nil)
	assert.Error(t, err)

	_, err = seq.Stop(ExitSuccess, "")
	assert.Error(t, err)
}

func TestManifestRequiresStartedRun(t *testing.T) {
	seq := NewSequencer()
	_, err := seq.Manifest(nil)
	assert.Error(t, err)

	_, err = seq.Start(NewRunUID(), Start{})
	require.NoError(t, err)
	_, err = seq.Stop(ExitSuccess, "")
	require.NoError(t, err)

	manifestDoc, err := seq.Manifest(map[string]string{"raw": "/data/run.raw"})
	require.NoError(t, err)
	assert.Equal(t, KindManifest, manifestDoc.Kind)
	assert.Equal(t, "/data/run.raw", manifestDoc.Manifest.Files["raw"])
}

func TestStopCountsEmittedEvents(t *testing.T) {
	seq := NewSequencer()
	_, err := seq.Start(NewRunUID(), Start{})
	require.NoError(t, err)
	descDoc, err := seq.Descriptor("primary", map[string]DataKeySpec{
		"det1": {Dtype: DtypeF64},
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := seq.Event(descDoc.Descriptor.DescriptorUID, map[string]any{"det1": float64(i)}, nil)
		require.NoError(t, err)
	}

	stopDoc, err := seq.Stop(ExitSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stopDoc.Stop.NumEvents)
}
