package serial

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdaq/daqd/internal/parameter"
)

func TestCompileTemplateEncode(t *testing.T) {
	ct, err := compileTemplate("MOVE ${address} ${pos:04d}\r")
	require.NoError(t, err)

	out, err := ct.Encode("A1", map[string]float64{"pos": 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, "MOVE A1 0007\r", out)
}

func TestCompileTemplateUnknownFormatRejected(t *testing.T) {
	ct, err := compileTemplate("X${v:bogus}")
	require.NoError(t, err) // malformed specs fail at Encode time, not compile time
	_, err = ct.Encode("", map[string]float64{"v": 1}, nil)
	assert.Error(t, err)
}

func TestCompileResponseDecode(t *testing.T) {
	cr, err := compileResponse("pos_reply", `^P(?P<pos>[-0-9.]+)$`, map[string]FieldSpec{
		"pos": {Type: FieldFloat, Signed: true},
	})
	require.NoError(t, err)

	fields, matched, err := cr.Decode("P12.5")
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, 12.5, fields["pos"])
}

func TestCompileResponseNoMatch(t *testing.T) {
	cr, err := compileResponse("pos_reply", `^P(?P<pos>[-0-9.]+)$`, map[string]FieldSpec{"pos": {Type: FieldFloat}})
	require.NoError(t, err)
	_, matched, err := cr.Decode("garbage")
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestCompileConversionApply(t *testing.T) {
	conv, err := compileConversion("nm_to_raw", "input * 1000 + offset", "input")
	require.NoError(t, err)

	params := parameter.NewRegistry()
	params.Add(parameter.New("offset", 5))
	out, err := conv.Apply(context.Background(), 2, params)
	require.NoError(t, err)
	assert.Equal(t, 2005.0, out)
}

func TestErrorTableMatchesCodeSubstring(t *testing.T) {
	et := &errorTable{codes: []ErrorCode{
		{Code: "E01", Name: "jam", Recoverable: false},
		{Code: "E02", Name: "overrun", Recoverable: true},
	}}
	de := et.match("status E02 detected")
	require.NotNil(t, de)
	assert.Equal(t, "overrun", de.Name)
	assert.Nil(t, et.match("status OK"))
}

// fakeTransport implements transport for PortManager tests without a real
// device attached.
type fakeTransport struct {
	mu      sync.Mutex
	written bytes.Buffer
	reply   string
	read    int
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written.Write(p)
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.read >= len(f.reply) {
		return 0, nil
	}
	n := copy(p, f.reply[f.read:])
	f.read += n
	return n, nil
}

func (f *fakeTransport) Close() error { return nil }

func TestPortManagerTransactionRoundTrip(t *testing.T) {
	ft := &fakeTransport{reply: "OK\r\n"}
	pm := &PortManager{port: ft, gap: time.Millisecond}

	payload, err := pm.Transaction("PING", "\r", true, time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "OK", payload)
	assert.True(t, strings.HasPrefix(ft.written.String(), "PING"))
}

func TestPortManagerTransactionSkipsReadWhenNoResponseExpected(t *testing.T) {
	ft := &fakeTransport{reply: "should not be read"}
	pm := &PortManager{port: ft, gap: time.Millisecond}

	payload, err := pm.Transaction("SET 1", "\r", false, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, payload)
}
