package measurement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewScalarStampsKindAndTimestamp(t *testing.T) {
	before := time.Now()
	m := NewScalar("power", 1.25)
	assert.Equal(t, KindScalar, m.Kind)
	assert.Equal(t, "power", m.Channel)
	assert.Equal(t, 1.25, m.Scalar)
	assert.False(t, m.Timestamp.Before(before))
}

func TestNewVectorCarriesValues(t *testing.T) {
	m := NewVector("spectrum", []float64{1, 2, 3})
	assert.Equal(t, KindVector, m.Kind)
	assert.Equal(t, []float64{1, 2, 3}, m.Vector)
}
