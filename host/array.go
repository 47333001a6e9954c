package host

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/TFMV/ferry/abi"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
)

// Array is a host array object: a type, a length and buffers in C data
// interface order. Buffer 0 is the validity bitmap and may be nil.
type Array struct {
	rt        *Runtime
	typ       DataType
	layout    typeLayout
	length    int
	nullCount int
	offset    int
	buffers   []*Buffer
	refs      atomic.Int64
}

// ArrayFromBuffers assembles an array from existing buffers, retaining each
// non-nil one. A negative nullCount is computed from the bitmap. Buffer sizes
// are not checked against the length; consumers validate them.
func (s *Session) ArrayFromBuffers(typ DataType, length int, buffers []*Buffer, nullCount, offset int) (*Array, error) {
	s.check()
	layout, err := layoutOf(typ)
	if err != nil {
		return nil, err
	}
	if len(buffers) != layout.nbuffers {
		return nil, fmt.Errorf("host: type %s takes %d buffers, got %d", typ, layout.nbuffers, len(buffers))
	}
	if length < 0 || offset < 0 {
		return nil, fmt.Errorf("host: invalid length %d or offset %d", length, offset)
	}
	if nullCount > 0 && buffers[0] == nil {
		return nil, fmt.Errorf("host: null count %d without a validity bitmap", nullCount)
	}

	a := &Array{
		rt:        s.rt,
		typ:       typ,
		layout:    layout,
		length:    length,
		nullCount: nullCount,
		offset:    offset,
		buffers:   make([]*Buffer, len(buffers)),
	}
	for i, b := range buffers {
		if b != nil {
			b.Retain()
		}
		a.buffers[i] = b
	}
	a.refs.Store(1)
	if nullCount < 0 {
		a.nullCount = a.countNulls()
	}
	return a, nil
}

func (a *Array) countNulls() int {
	if a.buffers[0] == nil || a.length == 0 {
		return 0
	}
	return a.length - bitutil.CountSetBits(a.buffers[0].Bytes(), a.offset, a.length)
}

// Type returns the array's type.
func (a *Array) Type() DataType { return a.typ }

// Len returns the number of elements.
func (a *Array) Len() int { return a.length }

// NullCount returns the number of null elements.
func (a *Array) NullCount() int { return a.nullCount }

// Offset returns the logical offset into the buffers.
func (a *Array) Offset() int { return a.offset }

// Buffers returns the array's buffers. The slice is a copy; the buffers are
// not retained.
func (a *Array) Buffers() []*Buffer {
	a.rt.assertHeld()
	out := make([]*Buffer, len(a.buffers))
	copy(out, a.buffers)
	return out
}

// Retain adds a reference.
func (a *Array) Retain() {
	if a.refs.Add(1) <= 1 {
		panic("host: retain of released array")
	}
}

// Release drops a reference, releasing the buffers on the last one.
func (a *Array) Release() {
	n := a.refs.Add(-1)
	switch {
	case n == 0:
		for i, b := range a.buffers {
			if b != nil {
				b.Release()
				a.buffers[i] = nil
			}
		}
	case n < 0:
		panic("host: array released too many times")
	}
}

// IsNull reports whether element i is null.
func (a *Array) IsNull(i int) bool {
	a.rt.assertHeld()
	if a.buffers[0] == nil {
		return false
	}
	return !bitutil.BitIsSet(a.buffers[0].Bytes(), a.offset+i)
}

// Value returns element i as a host value, or None when it is null.
func (a *Array) Value(i int) Value {
	a.rt.assertHeld()
	if i < 0 || i >= a.length {
		panic(fmt.Sprintf("host: index %d out of range [0, %d)", i, a.length))
	}
	if a.IsNull(i) {
		return None
	}

	j := a.offset + i
	switch a.layout.kind {
	case kindBits:
		return bitutil.BitIsSet(a.buffers[1].Bytes(), j)
	case kindFixed:
		w := a.layout.width
		raw := a.buffers[1].Bytes()[j*w : (j+1)*w]
		return a.layout.decodeFixed(raw)
	default:
		w := a.layout.width
		offsets, data := a.buffers[1].Bytes(), a.buffers[2].Bytes()
		start, end := readUint(offsets[j*w:(j+1)*w]), readUint(offsets[(j+1)*w:(j+2)*w])
		raw := data[start:end]
		if a.layout.text {
			return string(raw)
		}
		return append([]byte(nil), raw...)
	}
}

// Values returns every element as a host value.
func (a *Array) Values() []Value {
	out := make([]Value, a.length)
	for i := range out {
		out[i] = a.Value(i)
	}
	return out
}

// Export hands the array out through the interchange contract. The array is
// retained until the returned array descriptor is released.
func (a *Array) Export() (*abi.ArrayDescriptor, *abi.SchemaDescriptor) {
	a.rt.assertHeld()
	a.Retain()
	refs := make([]abi.BufferRef, len(a.buffers))
	for i, b := range a.buffers {
		if b != nil {
			refs[i] = abi.BufferRef{Addr: b.Pointer(), Len: b.Size()}
		}
	}
	arr := abi.NewArrayDescriptor(int64(a.length), int64(a.nullCount), int64(a.offset), refs, nil, a.Release)
	schema := abi.NewSchemaDescriptor(a.typ.Format(), "", abi.FlagNullable, nil, nil)
	return arr, schema
}

func readUint(raw []byte) uint64 {
	switch len(raw) {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw))
	default:
		return binary.LittleEndian.Uint64(raw)
	}
}

func writeUint(raw []byte, v uint64) {
	switch len(raw) {
	case 1:
		raw[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(raw, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(raw, uint32(v))
	default:
		binary.LittleEndian.PutUint64(raw, v)
	}
}

func (l typeLayout) decodeFixed(raw []byte) Value {
	switch {
	case l.fixedBytes:
		return append([]byte(nil), raw...)
	case l.floating && l.width == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case l.floating:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw))
	}
	u := readUint(raw)
	if !l.signed {
		return u
	}
	switch l.width {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	}
	return int64(u)
}

func (l typeLayout) encodeFixed(raw []byte, v Value) error {
	switch {
	case l.fixedBytes:
		b, ok := v.([]byte)
		if !ok || len(b) != l.width {
			return fmt.Errorf("host: expected %d bytes, got %s", l.width, TypeName(v))
		}
		copy(raw, b)
		return nil
	case l.floating:
		f, ok := AsFloat64(v)
		if !ok {
			return fmt.Errorf("host: expected float, got %s", TypeName(v))
		}
		if l.width == 4 {
			binary.LittleEndian.PutUint32(raw, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(raw, math.Float64bits(f))
		}
		return nil
	case l.signed:
		i, ok := AsInt64(v)
		bits := uint(8*l.width - 1)
		if !ok || (l.width < 8 && (i < -(1<<bits) || i >= 1<<bits)) {
			return fmt.Errorf("host: %v does not fit a %d-byte signed integer", v, l.width)
		}
		writeUint(raw, uint64(i))
		return nil
	}
	u, ok := AsUint64(v)
	if !ok || (l.width < 8 && u >= 1<<uint(8*l.width)) {
		return fmt.Errorf("host: %v does not fit a %d-byte unsigned integer", v, l.width)
	}
	writeUint(raw, u)
	return nil
}

// ArrayFromValues builds an array of typ from host values, allocating its
// buffers from the runtime's allocator. None entries become nulls; the
// validity bitmap is omitted when there are none.
func (s *Session) ArrayFromValues(typ DataType, values []Value) (arr *Array, err error) {
	s.check()
	layout, err := layoutOf(typ)
	if err != nil {
		return nil, err
	}

	n := len(values)
	var owned []*Buffer
	alloc := func(size int) *Buffer {
		b := s.AllocateBuffer(size)
		clear(b.Bytes())
		owned = append(owned, b)
		return b
	}
	defer func() {
		for _, b := range owned {
			if b != nil {
				b.Release()
			}
		}
	}()

	validity := alloc(int(bitutil.BytesForBits(int64(n))))
	nulls := 0
	for i, v := range values {
		if IsNone(v) {
			nulls++
			continue
		}
		bitutil.SetBit(validity.Bytes(), i)
	}

	buffers := make([]*Buffer, layout.nbuffers)
	if nulls > 0 {
		buffers[0] = validity
	}

	switch layout.kind {
	case kindBits:
		bits := alloc(int(bitutil.BytesForBits(int64(n))))
		for i, v := range values {
			if IsNone(v) {
				continue
			}
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("host: element %d: expected bool, got %s", i, TypeName(v))
			}
			if b {
				bitutil.SetBit(bits.Bytes(), i)
			}
		}
		buffers[1] = bits
	case kindFixed:
		w := layout.width
		data := alloc(n * w)
		for i, v := range values {
			if IsNone(v) {
				continue
			}
			if err := layout.encodeFixed(data.Bytes()[i*w:(i+1)*w], v); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
		}
		buffers[1] = data
	default:
		w := layout.width
		raws := make([][]byte, n)
		total := 0
		for i, v := range values {
			if IsNone(v) {
				continue
			}
			switch x := v.(type) {
			case string:
				raws[i] = []byte(x)
			case []byte:
				raws[i] = x
			default:
				return nil, fmt.Errorf("host: element %d: expected str or bytes, got %s", i, TypeName(v))
			}
			total += len(raws[i])
		}
		offsets := alloc((n + 1) * w)
		data := alloc(total)
		pos := 0
		for i, raw := range raws {
			writeUint(offsets.Bytes()[i*w:(i+1)*w], uint64(pos))
			copy(data.Bytes()[pos:], raw)
			pos += len(raw)
		}
		writeUint(offsets.Bytes()[n*w:(n+1)*w], uint64(pos))
		buffers[1], buffers[2] = offsets, data
	}

	return s.ArrayFromBuffers(typ, n, buffers, nulls, 0)
}
