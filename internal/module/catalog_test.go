package module

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/capability"
)

const sampleCatalog = `
types:
  - type_id: power_monitor
    display_name: Power Monitor
    description: Samples a power meter on an interval and raises threshold events.
    version: "1.0"
    required_roles:
      - id: power_meter
        capability: Readable
    parameters:
      - name: sample_rate_hz
        default: 1
        min: 0.1
        max: 100
        unit: Hz
      - name: low_threshold
        default: 0
        optional: true
    event_kinds: [threshold_crossing]
    data_types: [power, statistics]
`

func TestLoadCatalogDecodesDescriptors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	descs, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, descs, 1)

	d := descs[0]
	assert.Equal(t, "power_monitor", d.TypeID)
	require.Len(t, d.RequiredRole, 1)
	assert.Equal(t, capability.Readable, d.RequiredRole[0].Capability)
	require.Len(t, d.ParamCatalog, 2)
	assert.True(t, d.ParamCatalog[0].HasRange)
	assert.True(t, d.ParamCatalog[1].Optional)
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog("/nonexistent/catalog.yaml")
	assert.Error(t, err)
}
