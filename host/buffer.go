package host

import (
	"sync/atomic"
	"unsafe"
)

// Buffer is a host buffer object: an address, a size and a release hook
// invoked when the last reference is dropped.
type Buffer struct {
	addr    unsafe.Pointer
	size    int
	refs    atomic.Int64
	release func()
}

func newBuffer(addr unsafe.Pointer, size int, release func()) *Buffer {
	b := &Buffer{addr: addr, size: size, release: release}
	b.refs.Store(1)
	return b
}

// ForeignBuffer wraps memory the runtime does not own. release, if not nil,
// is called once when the buffer's last reference is dropped; it is how the
// owner of the region learns that the runtime is done with it.
func (s *Session) ForeignBuffer(addr unsafe.Pointer, size int, release func()) *Buffer {
	s.check()
	return newBuffer(addr, size, release)
}

// AllocateBuffer allocates size bytes from the runtime's allocator.
func (s *Session) AllocateBuffer(size int) *Buffer {
	s.check()
	mem := s.rt.mem
	data := mem.Allocate(size)
	return newBuffer(unsafe.Pointer(unsafe.SliceData(data)), size, func() { mem.Free(data) })
}

// BufferFromBytes wraps a Go byte slice. The slice stays reachable for as
// long as the buffer is.
func (s *Session) BufferFromBytes(data []byte) *Buffer {
	s.check()
	return newBuffer(unsafe.Pointer(unsafe.SliceData(data)), len(data), nil)
}

// Address returns the start address of the region.
func (b *Buffer) Address() uintptr { return uintptr(b.addr) }

// Pointer returns the start of the region.
func (b *Buffer) Pointer() unsafe.Pointer { return b.addr }

// Size returns the region size in bytes.
func (b *Buffer) Size() int { return b.size }

// Bytes views the region without copying.
func (b *Buffer) Bytes() []byte {
	if b.addr == nil || b.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(b.addr), b.size)
}

// Slice returns a new buffer viewing [offset, offset+size) of b that keeps b
// alive. It is how misaligned views of a region are produced.
func (b *Buffer) Slice(offset, size int) *Buffer {
	if offset < 0 || size < 0 || offset+size > b.size {
		panic("host: buffer slice out of range")
	}
	b.Retain()
	return newBuffer(unsafe.Add(b.addr, offset), size, b.Release)
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int64 { return b.refs.Load() }

// Retain adds a reference.
func (b *Buffer) Retain() {
	if b.refs.Add(1) <= 1 {
		panic("host: retain of released buffer")
	}
}

// Release drops a reference, calling the release hook on the last one.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		if b.release != nil {
			b.release()
			b.release = nil
		}
		b.addr, b.size = nil, 0
	case n < 0:
		panic("host: buffer released too many times")
	}
}
