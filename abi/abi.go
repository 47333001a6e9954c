// Package abi holds the binary interchange contract spoken at the boundary
// between the native engine and the host runtime. The structures mirror the
// Arrow C data interface (ArrowArray / ArrowSchema) as typed Go values so that
// they can be validated before any pointer they carry is dereferenced.
package abi

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/TFMV/ferry/fault"
)

// Flag bits carried by SchemaDescriptor.Flags.
const (
	FlagDictionaryOrdered int64 = 1
	FlagNullable          int64 = 2
	FlagMapKeysSorted     int64 = 4
)

// BufferRef is a raw (pointer, length) pair. A nil Addr means the buffer is
// absent, which is only legal for the validity bitmap or for empty arrays.
type BufferRef struct {
	Addr unsafe.Pointer
	Len  int
}

// Bytes views the referenced region without copying. The caller must keep the
// owner of the region alive while the slice is in use.
func (r BufferRef) Bytes() []byte {
	if r.Addr == nil || r.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(r.Addr), r.Len)
}

// IsNull reports whether the reference is absent.
func (r BufferRef) IsNull() bool { return r.Addr == nil }

// ArrayDescriptor describes one array: its length, null count and buffers in
// layout order (position 0 is the validity bitmap or absent), plus nested
// children. Whoever receives a descriptor owns its release function and must
// call Release exactly once.
type ArrayDescriptor struct {
	Length    int64
	NullCount int64
	Offset    int64
	Buffers   []BufferRef
	Children  []*ArrayDescriptor

	release  func()
	released atomic.Bool
}

// NewArrayDescriptor builds a descriptor owning release.
func NewArrayDescriptor(length, nullCount, offset int64, buffers []BufferRef, children []*ArrayDescriptor, release func()) *ArrayDescriptor {
	return &ArrayDescriptor{
		Length:    length,
		NullCount: nullCount,
		Offset:    offset,
		Buffers:   buffers,
		Children:  children,
		release:   release,
	}
}

// Release invokes the release function. A second call panics.
func (d *ArrayDescriptor) Release() {
	if !d.released.CompareAndSwap(false, true) {
		panic("abi: array descriptor released twice")
	}
	for _, c := range d.Children {
		if c != nil && !c.Released() {
			c.Release()
		}
	}
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

// Released reports whether Release has been called.
func (d *ArrayDescriptor) Released() bool { return d.released.Load() }

// Validate checks the structural invariants that hold for every type:
// non-negative counts, a null count that fits the length, and the expected
// number of buffers. It must be called before any buffer is dereferenced.
func (d *ArrayDescriptor) Validate(nbuffers int) error {
	if d.Released() {
		panic("abi: use of released array descriptor")
	}
	if d.Length < 0 || d.Offset < 0 {
		return fmt.Errorf("%w: negative length %d or offset %d", fault.ErrLengthMismatch, d.Length, d.Offset)
	}
	if d.NullCount < -1 || d.NullCount > d.Length {
		return fault.Length("null count", int(d.Length), int(d.NullCount))
	}
	if len(d.Buffers) != nbuffers {
		return fmt.Errorf("%w: expected %d buffers, descriptor has %d", fault.ErrSchemaMismatch, nbuffers, len(d.Buffers))
	}
	if d.NullCount > 0 && d.Buffers[0].IsNull() {
		return fmt.Errorf("%w: validity bitmap absent with null count %d", fault.ErrNullBufferMissing, d.NullCount)
	}
	return nil
}

// SchemaDescriptor describes the type of an array: a format identifier, a
// field name, flags, nested children and an optional dictionary.
type SchemaDescriptor struct {
	Format     string
	Name       string
	Flags      int64
	Metadata   map[string]string
	Children   []*SchemaDescriptor
	Dictionary *SchemaDescriptor

	release  func()
	released atomic.Bool
}

// NewSchemaDescriptor builds a schema descriptor owning release.
func NewSchemaDescriptor(format, name string, flags int64, children []*SchemaDescriptor, release func()) *SchemaDescriptor {
	return &SchemaDescriptor{
		Format:   format,
		Name:     name,
		Flags:    flags,
		Children: children,
		release:  release,
	}
}

// Nullable reports whether the nullable flag is set.
func (s *SchemaDescriptor) Nullable() bool { return s.Flags&FlagNullable != 0 }

// Release invokes the release function. A second call panics.
func (s *SchemaDescriptor) Release() {
	if !s.released.CompareAndSwap(false, true) {
		panic("abi: schema descriptor released twice")
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// Released reports whether Release has been called.
func (s *SchemaDescriptor) Released() bool { return s.released.Load() }
