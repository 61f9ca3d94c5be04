package serial

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	goserial "github.com/goburrow/serial"

	"github.com/labdaq/daqd/internal/daqerr"
)

// transport is the minimal contract the port manager needs from the
// underlying physical link, narrowed from goserial.Port so tests can fake
// it without a real device attached.
type transport interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// PortManager serializes every transaction over one physical serial link.
// Multiple Driver instances may share one PortManager for RS-485 multidrop;
// the mutex is the whole of the ordering guarantee described in §5.
type PortManager struct {
	mu   sync.Mutex
	port transport
	gap  time.Duration
}

// OpenPort opens the physical link described by a connection section. The
// port's read timeout is set to the configured inactivity gap: each Read
// call below blocks at most that long, which is exactly the primitive a
// transaction needs to detect "no more bytes arriving".
func OpenPort(conn connectionSection) (*PortManager, error) {
	gap := time.Duration(conn.InactivityGapMS) * time.Millisecond
	if gap <= 0 {
		gap = 20 * time.Millisecond
	}
	cfg := &goserial.Config{
		Address:  conn.Port,
		BaudRate: conn.Baud,
		DataBits: conn.DataBits,
		StopBits: conn.StopBits,
		Parity:   mapParity(conn.Parity),
		Timeout:  gap,
	}
	p, err := goserial.Open(cfg)
	if err != nil {
		return nil, daqerr.Resource("port.open", fmt.Errorf("open %s: %w", conn.Port, err))
	}
	return &PortManager{port: p, gap: gap}, nil
}

func mapParity(p string) string {
	switch strings.ToUpper(p) {
	case "", "N", "NONE":
		return "N"
	case "E", "EVEN":
		return "E"
	case "O", "ODD":
		return "O"
	default:
		return "N"
	}
}

// Close releases the underlying link.
func (pm *PortManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.port.Close()
}

// Transaction writes cmd followed by txTerm, waits settle, then (if
// expectsResponse) reads until either the inactivity gap or timeout elapses,
// whichever comes first, and returns the trimmed payload. Only one
// transaction is ever in flight per port: the mutex is held for the whole
// round trip.
func (pm *PortManager) Transaction(cmd, txTerm string, expectsResponse bool, settle, timeout time.Duration) (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, err := pm.port.Write([]byte(cmd + txTerm)); err != nil {
		return "", daqerr.Resource("port.write", err)
	}
	if !expectsResponse {
		return "", nil
	}
	time.Sleep(settle)

	var buf bytes.Buffer
	readBuf := make([]byte, 256)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := pm.port.Read(readBuf)
		if n > 0 {
			buf.Write(readBuf[:n])
			continue // more may be waiting immediately; keep draining
		}
		if err != nil || n == 0 {
			// Read timeout elapsed (the inactivity gap) with nothing new.
			break
		}
	}
	return strings.TrimSpace(buf.String()), nil
}
