package parameter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/daqerr"
)

func TestSetWithinRangeCommits(t *testing.T) {
	p := New("wavelength", 780, WithRange(700, 900), WithUnit("nm"))
	require.NoError(t, p.Set(context.Background(), 810))
	assert.Equal(t, 810.0, p.Get())
}

func TestSetOutOfRangeLeavesValueUnchanged(t *testing.T) {
	p := New("wavelength", 780, WithRange(700, 900))
	err := p.Set(context.Background(), 950)
	require.Error(t, err)
	assert.ErrorIs(t, err, daqerr.ErrOutOfRange)
	assert.Equal(t, 780.0, p.Get())
}

func TestSetRunsWriteThroughBeforeCommit(t *testing.T) {
	var seen float64
	p := New("power", 0, WithWriteThrough(func(ctx context.Context, v float64) error {
		seen = v
		return nil
	}))
	require.NoError(t, p.Set(context.Background(), 5))
	assert.Equal(t, 5.0, seen)
	assert.Equal(t, 5.0, p.Get())
}

func TestSetAbortsOnWriteThroughFailure(t *testing.T) {
	p := New("power", 2, WithWriteThrough(func(ctx context.Context, v float64) error {
		return assertErr
	}))
	err := p.Set(context.Background(), 9)
	require.Error(t, err)
	assert.Equal(t, 2.0, p.Get())
}

var assertErr = errDummy{}

type errDummy struct{}

func (errDummy) Error() string { return "write-through failed" }

func TestRegistryAddGetList(t *testing.T) {
	r := NewRegistry()
	r.Add(New("a", 1, WithUnit("nm")))
	r.Add(New("b", 2))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Get())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	descs := r.List()
	assert.Len(t, descs, 2)
}
