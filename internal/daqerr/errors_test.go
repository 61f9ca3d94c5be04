package daqerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapsAndUnwraps(t *testing.T) {
	cause := fmt.Errorf("%w: port1", ErrPortBusy)
	err := Resource("driver.open", cause)

	assert.ErrorIs(t, err, ErrPortBusy)
	assert.Contains(t, err.Error(), "driver.open")
	assert.Contains(t, err.Error(), "port1")
}

func TestKindOfExtractsWrappedKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Configuration("registry.register_from_toml", ErrUnknownDriverType))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConfiguration, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorWithNilCauseReportsKind(t *testing.T) {
	err := Safety("interlock.check", nil)
	assert.Contains(t, err.Error(), "safety")
}
