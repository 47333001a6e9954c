// Package codec converts native Arrow arrays and records to host arrays and
// record batches, and back.
//
// Encoding never copies: every native buffer is exported through the bridge
// and the host array references the same memory. Decoding goes through the
// host array's exported descriptor, whose buffers are adopted (or copied)
// after their sizes have been checked against the declared length and type.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/TFMV/ferry/abi"
	"github.com/TFMV/ferry/bridge"
	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/TFMV/ferry/types"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
)

// ArrayCodec encodes and decodes single columns.
type ArrayCodec struct {
	bridge *bridge.Bridge
	mapper *types.Mapper
	mode   bridge.Mode
	logger *zap.Logger
}

// Option configures an ArrayCodec.
type Option func(*ArrayCodec)

// WithImportMode selects Adopt (default) or Copy for Decode.
func WithImportMode(mode bridge.Mode) Option {
	return func(c *ArrayCodec) { c.mode = mode }
}

// WithMapper replaces the type mapper.
func WithMapper(m *types.Mapper) Option {
	return func(c *ArrayCodec) { c.mapper = m }
}

// WithLogger sets the codec logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *ArrayCodec) { c.logger = logger }
}

// NewArrayCodec returns a codec moving buffers through b.
func NewArrayCodec(b *bridge.Bridge, opts ...Option) *ArrayCodec {
	c := &ArrayCodec{
		bridge: b,
		mapper: types.NewMapper(128),
		mode:   bridge.Adopt,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bridge returns the buffer bridge.
func (c *ArrayCodec) Bridge() *bridge.Bridge { return c.bridge }

// Encode wraps a native array as a host array without copying. The host
// array keeps the native buffers alive; arr may be released afterward.
func (c *ArrayCodec) Encode(s *host.Session, arr arrow.Array) (*host.Array, error) {
	ft, err := c.mapper.ToForeign(arr.DataType())
	if err != nil {
		return nil, err
	}
	layout, err := types.LayoutOf(arr.DataType())
	if err != nil {
		return nil, err
	}

	data := arr.Data()
	native := data.Buffers()
	if len(native) != layout.NumBuffers() {
		return nil, fmt.Errorf("%w: %s array has %d buffers, layout needs %d",
			fault.ErrSchemaMismatch, arr.DataType(), len(native), layout.NumBuffers())
	}

	exported := make([]*host.Buffer, len(native))
	defer func() {
		for _, hb := range exported {
			if hb != nil {
				hb.Release()
			}
		}
	}()
	for i, buf := range native {
		switch {
		case buf != nil:
			exported[i] = c.bridge.Export(s, buf)
		case i > 0:
			// absent value buffers of empty arrays
			exported[i] = s.ForeignBuffer(nil, 0, nil)
		}
	}

	nulls := arr.NullN()
	if native[0] == nil {
		nulls = 0
	}
	out, err := s.ArrayFromBuffers(ft, arr.Len(), exported, nulls, data.Offset())
	if err != nil {
		return nil, err
	}
	c.logger.Debug("encoded array",
		zap.String("type", ft.Name()),
		zap.Int("length", arr.Len()),
		zap.Int("nulls", nulls),
	)
	return out, nil
}

// Decode converts a host array to a native one through its exported
// descriptor. The result owns what it references: adopted host memory is
// released when the native array is.
func (c *ArrayCodec) Decode(s *host.Session, ha *host.Array) (arrow.Array, error) {
	desc, schema := ha.Export()
	return c.DecodeDescriptor(desc, schema)
}

// DecodeDescriptor converts an exported host array to a native one. It takes
// ownership of both descriptors and releases them on every path.
func (c *ArrayCodec) DecodeDescriptor(desc *abi.ArrayDescriptor, schema *abi.SchemaDescriptor) (arrow.Array, error) {
	defer schema.Release()

	dt, layout, err := c.resolve(schema.Format)
	if err != nil {
		desc.Release()
		return nil, err
	}
	if err := desc.Validate(layout.NumBuffers()); err != nil {
		desc.Release()
		return nil, err
	}
	if err := checkBuffers(layout, int(desc.Length), int(desc.Offset), desc.Buffers); err != nil {
		desc.Release()
		return nil, err
	}

	length, nulls, offset := int(desc.Length), int(desc.NullCount), int(desc.Offset)
	bufs, err := c.bridge.AdoptDescriptor(desc, c.mode, alignments(layout))
	if err != nil {
		return nil, err
	}
	return build(dt, length, nulls, offset, bufs), nil
}

// DecodeBorrowed converts a host array by reading its buffer list directly.
// The result aliases host memory that nothing keeps alive on its behalf:
// it must not be used after ha is released, and is only meant for the
// scope of one call.
func (c *ArrayCodec) DecodeBorrowed(s *host.Session, ha *host.Array) (arrow.Array, error) {
	dt, layout, err := c.resolve(ha.Type().Format())
	if err != nil {
		return nil, err
	}

	hbufs := ha.Buffers()
	if len(hbufs) != layout.NumBuffers() {
		return nil, fmt.Errorf("%w: expected %d buffers, host array has %d",
			fault.ErrSchemaMismatch, layout.NumBuffers(), len(hbufs))
	}
	refs := make([]abi.BufferRef, len(hbufs))
	for i, hb := range hbufs {
		if hb != nil {
			refs[i] = abi.BufferRef{Addr: hb.Pointer(), Len: hb.Size()}
		}
	}
	if ha.NullCount() > 0 && refs[0].IsNull() {
		return nil, fmt.Errorf("%w: validity bitmap absent with null count %d", fault.ErrNullBufferMissing, ha.NullCount())
	}
	if err := checkBuffers(layout, ha.Len(), ha.Offset(), refs); err != nil {
		return nil, err
	}

	aligns := alignments(layout)
	bufs := make([]*memory.Buffer, len(hbufs))
	for i, hb := range hbufs {
		if refs[i].IsNull() {
			continue
		}
		nb, err := c.bridge.Import(hb, bridge.Requirement{Align: aligns[i], Mode: bridge.Borrow})
		if err != nil {
			for _, b := range bufs {
				if b != nil {
					b.Release()
				}
			}
			return nil, err
		}
		bufs[i] = nb
	}
	return build(dt, ha.Len(), ha.NullCount(), ha.Offset(), bufs), nil
}

func (c *ArrayCodec) resolve(format string) (arrow.DataType, types.Layout, error) {
	dt, err := c.mapper.ParseFormat(format)
	if err != nil {
		return nil, types.Layout{}, err
	}
	layout, err := types.LayoutOf(dt)
	if err != nil {
		return nil, types.Layout{}, err
	}
	return dt, layout, nil
}

// build assembles a native array and drops the caller's buffer references.
func build(dt arrow.DataType, length, nulls, offset int, bufs []*memory.Buffer) arrow.Array {
	if nulls < 0 {
		nulls = array.UnknownNullCount
	}
	data := array.NewData(dt, length, bufs, nil, nulls, offset)
	defer data.Release()
	for _, b := range bufs {
		if b != nil {
			b.Release()
		}
	}
	return array.MakeFromData(data)
}

func alignments(layout types.Layout) []int {
	out := make([]int, layout.NumBuffers())
	for i, kind := range layout.Buffers {
		switch kind {
		case types.Fixed:
			switch layout.Width {
			case 2, 4, 8:
				out[i] = layout.Width
			default:
				out[i] = 1
			}
		case types.Offsets32:
			out[i] = 4
		case types.Offsets64:
			out[i] = 8
		default:
			out[i] = 1
		}
	}
	return out
}

// checkBuffers verifies that every buffer is large enough for length
// elements starting at offset. Offsets must be non-negative and
// non-decreasing; the last one bounds the data buffer.
func checkBuffers(layout types.Layout, length, offset int, refs []abi.BufferRef) error {
	end := offset + length
	var dataNeeded int
	for i, kind := range layout.Buffers {
		ref := refs[i]
		var need int
		var what string
		switch kind {
		case types.Validity:
			if ref.IsNull() {
				continue
			}
			need, what = int(bitutil.BytesForBits(int64(end))), "validity bitmap"
		case types.Bits:
			need, what = int(bitutil.BytesForBits(int64(end))), "boolean values"
		case types.Fixed:
			need, what = end*layout.Width, "values buffer"
		case types.Offsets32, types.Offsets64:
			if length == 0 {
				continue
			}
			w := layout.OffsetWidth()
			need, what = (end+1)*w, "offsets buffer"
			if err := requireSize(ref, need, what); err != nil {
				return err
			}
			raw := ref.Bytes()
			prev := readOffset(raw, offset, w)
			if prev < 0 {
				return fmt.Errorf("%w: offset %d is negative (%d)", fault.ErrLengthMismatch, offset, prev)
			}
			for k := offset + 1; k <= end; k++ {
				o := readOffset(raw, k, w)
				if o < prev {
					return fmt.Errorf("%w: offset %d (%d) is below offset %d (%d)",
						fault.ErrLengthMismatch, k, o, k-1, prev)
				}
				prev = o
			}
			dataNeeded = int(prev)
			continue
		case types.Data:
			need, what = dataNeeded, "data buffer"
		}
		if err := requireSize(ref, need, what); err != nil {
			return err
		}
	}
	return nil
}

func requireSize(ref abi.BufferRef, need int, what string) error {
	if need == 0 {
		return nil
	}
	if ref.IsNull() {
		return fmt.Errorf("%w: %s is absent, %d bytes required", fault.ErrNullBufferMissing, what, need)
	}
	if ref.Len < need {
		return fault.Length(what+" bytes", need, ref.Len)
	}
	return nil
}

func readOffset(raw []byte, i, width int) int64 {
	if width == 8 {
		return int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
}
