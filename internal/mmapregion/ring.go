// Package mmapregion implements MmapRegion: the shared-memory ring buffer
// fast path for handing raw pixels to a co-hosted viewer without an extra
// copy through the packet transport. golang.org/x/sys/unix is already
// present in the dependency graph via pion's transitive closure and is the
// idiomatic mmap syscall wrapper for Go, used here directly since none of
// the retrieval pack's examples touch shared memory.
package mmapregion

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// ErrTooSmall is returned when the mapped buffer can't fit the ring header
// plus at least one byte of data.
var ErrTooSmall = errors.New("mmapregion: buffer too small")

// ringHeaderSize holds the producer's next-write position (8 bytes, offset
// 0) and the consumer's read position (8 bytes, offset 8). Both are byte
// positions that grow without bound; the ring offset is position modulo
// capacity. The viewer advances the read position as it consumes chunks.
const ringHeaderSize = 16

// Chunk describes one contiguous piece of a write inside the ring's data
// area. A write that wraps the end of the ring produces two chunks.
type Chunk struct {
	Offset int
	Length int
}

// Ring is the shared-memory chunk ring used for the zero-copy pixel
// handoff to a co-hosted viewer. The producer (the compressor thread)
// writes variable-length pixel blobs; the viewer reads them via the chunk
// descriptors carried in the draw packet and then advances the consumer
// position. Writes never overwrite unread bytes: when the free span is too
// small, Write refuses and the caller falls back to the normal encoder
// path for that frame.
type Ring struct {
	mem    []byte
	cap    int
	closer func() error
}

func newRingOver(mem []byte) (*Ring, error) {
	if len(mem) <= ringHeaderSize {
		return nil, ErrTooSmall
	}
	return &Ring{mem: mem, cap: len(mem) - ringHeaderSize}, nil
}

func (r *Ring) writePos() *uint64 { return (*uint64)(ptrAt(r.mem, 0)) }
func (r *Ring) readPos() *uint64  { return (*uint64)(ptrAt(r.mem, 8)) }

// FreeBytes reports how much of the data area is currently free (capacity
// minus the bytes written but not yet consumed), the pressure signal the
// controller observes.
func (r *Ring) FreeBytes() int {
	w := atomic.LoadUint64(r.writePos())
	rd := atomic.LoadUint64(r.readPos())
	used := int(w - rd)
	if used > r.cap {
		used = r.cap
	}
	return r.cap - used
}

// Capacity reports the data area's total size.
func (r *Ring) Capacity() int { return r.cap }

// Write copies data into the ring and returns the chunk descriptors the
// viewer needs to locate it (two chunks when the write wraps). It returns
// nil, false when free space is insufficient; nothing is written in that
// case.
func (r *Ring) Write(data []byte) ([]Chunk, bool) {
	if len(data) == 0 || len(data) > r.cap {
		return nil, false
	}
	if r.FreeBytes() < len(data) {
		return nil, false
	}
	w := atomic.LoadUint64(r.writePos())
	start := int(w % uint64(r.cap))
	first := len(data)
	if start+first > r.cap {
		first = r.cap - start
	}
	copy(r.mem[ringHeaderSize+start:], data[:first])
	chunks := []Chunk{{Offset: start, Length: first}}
	if first < len(data) {
		copy(r.mem[ringHeaderSize:], data[first:])
		chunks = append(chunks, Chunk{Offset: 0, Length: len(data) - first})
	}
	atomic.AddUint64(r.writePos(), uint64(len(data)))
	return chunks, true
}

// Read copies the bytes a chunk list describes back out of the ring,
// the viewer side of Write. It does not advance the consumer position;
// call Consume once the data has been decoded.
func (r *Ring) Read(chunks []Chunk) []byte {
	total := 0
	for _, c := range chunks {
		total += c.Length
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, r.mem[ringHeaderSize+c.Offset:ringHeaderSize+c.Offset+c.Length]...)
	}
	return out
}

// Consume advances the consumer position by n bytes, releasing that span
// for reuse. The viewer calls this (through the shared mapping) after
// decoding; tests call it directly to simulate the viewer.
func (r *Ring) Consume(n int) {
	atomic.AddUint64(r.readPos(), uint64(n))
}

// EncodeChunks flattens a chunk list into the (offset, length) pair list
// carried as the mmap draw packet's payload; the viewer decodes it with
// DecodeChunks against its own mapping of the same ring.
func EncodeChunks(chunks []Chunk) []byte {
	out := make([]byte, 0, len(chunks)*8)
	var tmp [8]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint32(tmp[0:4], uint32(c.Offset))
		binary.BigEndian.PutUint32(tmp[4:8], uint32(c.Length))
		out = append(out, tmp[:]...)
	}
	return out
}

// DecodeChunks is the inverse of EncodeChunks.
func DecodeChunks(b []byte) []Chunk {
	n := len(b) / 8
	out := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Chunk{
			Offset: int(binary.BigEndian.Uint32(b[i*8 : i*8+4])),
			Length: int(binary.BigEndian.Uint32(b[i*8+4 : i*8+8])),
		})
	}
	return out
}

// NewHeapRing builds a Ring over process-local memory rather than a shared
// mapping: same semantics, no cross-process visibility. Used by tests and
// by deployments where the viewer is in-process.
func NewHeapRing(size int) (*Ring, error) {
	return newRingOver(make([]byte, size+ringHeaderSize))
}

// Close releases the underlying mapping, if any.
func (r *Ring) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
