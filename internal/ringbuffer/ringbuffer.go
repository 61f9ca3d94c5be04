// Package ringbuffer implements the memory-mapped single-writer,
// many-reader circular byte buffer described in §4.5: a cache-line-aligned
// header followed by a contiguous data region, written with release-ordered
// atomics so readers can acquire head/tail without a lock.
package ringbuffer

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/labdaq/daqd/internal/daqerr"
)

// magic version-locks the header layout; a buffer opened against a file
// whose magic doesn't match this build is rejected rather than silently
// misread.
const magic uint64 = 0xDADADADA00000001

// headerSize is the cache-line-aligned header footprint. Only the first 36
// bytes are meaningful; the remainder pads out to two 64-byte cache lines so
// the data region starts on its own line.
const headerSize = 128

const (
	offMagic    = 0
	offCapacity = 8
	offWriteHd  = 16
	offReadTl   = 24
	offSchemaLn = 32
)

// RingBuffer is a memory-mapped circular buffer. There is exactly one
// writer; any number of readers may call Read/Advance concurrently with the
// writer and with each other (reads only ever move tail forward, and a
// stale snapshot of head/tail is always a safe underestimate of available
// data).
type RingBuffer struct {
	file *os.File
	mapped []byte

	// ringData/ringCap describe the circular region actually addressed by
	// write head and read tail; it starts after any embedded schema prefix.
	ringData []byte
	ringCap  uint64
}

// Create truncates (or creates) the file at path to
// headerSize+len(schema)+ringCapacityBytes and maps it, writing a fresh
// header. schema, if non-empty, is embedded immediately after the header and
// its length recorded there; ringCapacityBytes sizes only the circular
// region that Write/Read address, so embedding a schema never steals space
// a caller already sized for samples.
func Create(path string, ringCapacityBytes uint64, schema []byte) (*RingBuffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, daqerr.Resource("ringbuffer.create", err)
	}
	schemaLen := uint64(len(schema))
	total := int64(headerSize) + int64(schemaLen) + int64(ringCapacityBytes)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, daqerr.Resource("ringbuffer.create", err)
	}
	rb, err := mapFile(f, total, schemaLen, ringCapacityBytes)
	if err != nil {
		f.Close()
		return nil, err
	}
	rb.putUint64(offMagic, magic)
	rb.putUint64(offCapacity, ringCapacityBytes)
	atomic.StoreUint64(rb.writeHeadPtr(), 0)
	atomic.StoreUint64(rb.readTailPtr(), 0)
	rb.putUint32(offSchemaLn, uint32(schemaLen))
	if schemaLen > 0 {
		copy(rb.mapped[headerSize:], schema)
	}
	return rb, nil
}

// Open attaches to an existing ring buffer file, validating the header
// magic and deriving the circular region's bounds from the recorded
// capacity and schema length.
func Open(path string) (*RingBuffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, daqerr.Resource("ringbuffer.open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, daqerr.Resource("ringbuffer.open", err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, daqerr.Configuration("ringbuffer.open", fmt.Errorf("file too small to hold a header"))
	}

	probe, err := mapFile(f, info.Size(), 0, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	if got := probe.getUint64(offMagic); got != magic {
		probe.Close()
		return nil, daqerr.Configuration("ringbuffer.open", fmt.Errorf("bad magic %#x, expected %#x", got, magic))
	}
	ringCap := probe.getUint64(offCapacity)
	schemaLen := uint64(probe.getUint32(offSchemaLn))
	if int64(headerSize+schemaLen+ringCap) != info.Size() {
		probe.Close()
		return nil, daqerr.Configuration("ringbuffer.open", fmt.Errorf("header capacity %d + schema %d does not match file size", ringCap, schemaLen))
	}
	probe.ringData = probe.mapped[headerSize+schemaLen:]
	probe.ringCap = ringCap
	return probe, nil
}

func mapFile(f *os.File, total int64, schemaLen, ringCap uint64) (*RingBuffer, error) {
	mapped, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, daqerr.Resource("ringbuffer.mmap", err)
	}
	rb := &RingBuffer{file: f, mapped: mapped, ringCap: ringCap}
	if ringCap > 0 || schemaLen > 0 {
		rb.ringData = mapped[uint64(headerSize)+schemaLen:]
	}
	return rb, nil
}

// Close unmaps the buffer and closes the backing file. It does not delete
// the file.
func (rb *RingBuffer) Close() error {
	var firstErr error
	if err := unix.Munmap(rb.mapped); err != nil {
		firstErr = daqerr.Resource("ringbuffer.munmap", err)
	}
	if err := rb.file.Close(); err != nil && firstErr == nil {
		firstErr = daqerr.Resource("ringbuffer.close", err)
	}
	return firstErr
}

// SchemaLen returns the embedded schema length recorded in the header.
func (rb *RingBuffer) SchemaLen() uint32 { return rb.getUint32(offSchemaLn) }

// Capacity returns the usable circular region size in bytes.
func (rb *RingBuffer) Capacity() uint64 { return rb.ringCap }

func (rb *RingBuffer) writeHeadPtr() *uint64 { return (*uint64)(unsafe.Pointer(&rb.mapped[offWriteHd])) }
func (rb *RingBuffer) readTailPtr() *uint64  { return (*uint64)(unsafe.Pointer(&rb.mapped[offReadTl])) }

func (rb *RingBuffer) putUint64(off int, v uint64) {
	*(*uint64)(unsafe.Pointer(&rb.mapped[off])) = v
}
func (rb *RingBuffer) getUint64(off int) uint64 {
	return *(*uint64)(unsafe.Pointer(&rb.mapped[off]))
}
func (rb *RingBuffer) putUint32(off int, v uint32) {
	*(*uint32)(unsafe.Pointer(&rb.mapped[off])) = v
}
func (rb *RingBuffer) getUint32(off int) uint32 {
	return *(*uint32)(unsafe.Pointer(&rb.mapped[off]))
}

// Write appends p to the buffer, wrapping at the capacity boundary and
// publishing the new head with a release-ordered store. A single write
// larger than the whole capacity is rejected; a write that would overtake
// the current tail simply overwrites unread data, since this is a
// continuous telemetry buffer, not a blocking queue — slow readers lose
// their oldest unread bytes rather than stalling the writer.
func (rb *RingBuffer) Write(p []byte) error {
	if uint64(len(p)) > rb.ringCap {
		return daqerr.Resource("ringbuffer.write", daqerr.ErrDataTooLarge)
	}
	if len(p) == 0 {
		return nil
	}
	head := atomic.LoadUint64(rb.writeHeadPtr())
	off := head % rb.ringCap
	n := copy(rb.ringData[off:], p)
	if n < len(p) {
		copy(rb.ringData[:len(p)-n], p[n:])
	}
	atomic.StoreUint64(rb.writeHeadPtr(), head+uint64(len(p)))
	return nil
}

// Read copies out min(head-tail, capacity) bytes starting at the reader's
// view of tail, handling the wrap symmetrically with Write. It does not
// advance the tail; call Advance to release the bytes once consumed.
func (rb *RingBuffer) Read() []byte {
	head := atomic.LoadUint64(rb.writeHeadPtr())
	tail := atomic.LoadUint64(rb.readTailPtr())
	avail := head - tail
	if avail > rb.ringCap {
		// The writer lapped this reader; only the most recent capacity
		// bytes are still present in the data region.
		avail = rb.ringCap
		tail = head - rb.ringCap
	}
	out := make([]byte, avail)
	off := tail % rb.ringCap
	n := copy(out, rb.ringData[off:])
	if uint64(n) < avail {
		copy(out[n:], rb.ringData[:avail-uint64(n)])
	}
	return out
}

// Advance moves the read tail forward by n bytes, marking them consumed.
// Write does not consult the tail, so advancing never gates the writer. n
// must not exceed the bytes currently available.
func (rb *RingBuffer) Advance(n uint64) error {
	tail := atomic.LoadUint64(rb.readTailPtr())
	head := atomic.LoadUint64(rb.writeHeadPtr())
	if tail+n > head {
		return daqerr.Protocol("ringbuffer.advance", fmt.Errorf("advance %d exceeds available %d", n, head-tail))
	}
	atomic.StoreUint64(rb.readTailPtr(), tail+n)
	return nil
}
