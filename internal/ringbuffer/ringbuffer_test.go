package ringbuffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daq.ring")
	rb, err := Create(path, 16, nil)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.Write([]byte("hello")))
	out := rb.Read()
	assert.Equal(t, []byte("hello"), out)

	require.NoError(t, rb.Advance(uint64(len(out))))
	assert.Empty(t, rb.Read())
}

func TestWriteWrapsAtCapacityBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daq.ring")
	rb, err := Create(path, 8, nil)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.Write([]byte("ABCDEF")))
	require.NoError(t, rb.Advance(6))
	require.NoError(t, rb.Write([]byte("GHIJKL"))) // wraps: 2 bytes at tail end, 4 at start
	assert.Equal(t, []byte("GHIJKL"), rb.Read())
}

func TestWriteLargerThanCapacityRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daq.ring")
	rb, err := Create(path, 4, nil)
	require.NoError(t, err)
	defer rb.Close()

	err = rb.Write([]byte("toolong"))
	assert.Error(t, err)
}

func TestReaderLappedByWriterClampsToCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daq.ring")
	rb, err := Create(path, 4, nil)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.Write([]byte("AB")))
	require.NoError(t, rb.Write([]byte("CD"))) // fills capacity without advancing tail
	require.NoError(t, rb.Write([]byte("EF"))) // overwrites "AB"; reader has fallen behind

	out := rb.Read()
	assert.Len(t, out, 4)
	assert.Equal(t, []byte("CDEF"), out)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ring")
	require.NoError(t, os.WriteFile(path, make([]byte, headerSize+16), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenExistingSharesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daq.ring")
	writer, err := Create(path, 16, []byte("schema-v1"))
	require.NoError(t, err)
	require.NoError(t, writer.Write([]byte("data")))

	reader, err := Open(path)
	require.NoError(t, err)
	defer reader.Close()
	defer writer.Close()

	assert.Equal(t, uint32(len("schema-v1")), reader.SchemaLen())
	assert.Equal(t, []byte("data"), reader.Read())
}

func TestAdvanceBeyondAvailableFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daq.ring")
	rb, err := Create(path, 16, nil)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.Write([]byte("abc")))
	assert.Error(t, rb.Advance(99))
}
