package abi

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/TFMV/ferry/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayDescriptorReleaseOnce(t *testing.T) {
	calls := 0
	child := NewArrayDescriptor(0, 0, 0, nil, nil, func() { calls++ })
	d := NewArrayDescriptor(0, 0, 0, nil, []*ArrayDescriptor{child}, func() { calls++ })

	d.Release()
	assert.Equal(t, 2, calls)
	assert.True(t, d.Released())
	assert.True(t, child.Released())

	assert.Panics(t, func() { d.Release() })
	assert.Equal(t, 2, calls)
}

func TestSchemaDescriptorReleaseOnce(t *testing.T) {
	calls := 0
	s := NewSchemaDescriptor("i", "a", FlagNullable, nil, func() { calls++ })
	assert.True(t, s.Nullable())

	s.Release()
	assert.Panics(t, func() { s.Release() })
	assert.Equal(t, 1, calls)
}

func TestValidate(t *testing.T) {
	data := make([]byte, 16)
	values := BufferRef{Addr: unsafe.Pointer(&data[0]), Len: len(data)}

	t.Run("ok", func(t *testing.T) {
		d := NewArrayDescriptor(4, 0, 0, []BufferRef{{}, values}, nil, nil)
		require.NoError(t, d.Validate(2))
	})

	t.Run("negative length", func(t *testing.T) {
		d := NewArrayDescriptor(-1, 0, 0, []BufferRef{{}, values}, nil, nil)
		assert.True(t, errors.Is(d.Validate(2), fault.ErrLengthMismatch))
	})

	t.Run("null count exceeds length", func(t *testing.T) {
		d := NewArrayDescriptor(2, 3, 0, []BufferRef{values, values}, nil, nil)
		assert.True(t, errors.Is(d.Validate(2), fault.ErrLengthMismatch))
	})

	t.Run("buffer count", func(t *testing.T) {
		d := NewArrayDescriptor(4, 0, 0, []BufferRef{{}}, nil, nil)
		assert.True(t, errors.Is(d.Validate(2), fault.ErrSchemaMismatch))
	})

	t.Run("missing bitmap", func(t *testing.T) {
		d := NewArrayDescriptor(4, 1, 0, []BufferRef{{}, values}, nil, nil)
		assert.True(t, errors.Is(d.Validate(2), fault.ErrNullBufferMissing))
	})

	t.Run("released", func(t *testing.T) {
		d := NewArrayDescriptor(4, 0, 0, []BufferRef{{}, values}, nil, nil)
		d.Release()
		assert.Panics(t, func() { _ = d.Validate(2) })
	})
}

func TestBufferRefBytes(t *testing.T) {
	data := []byte{1, 2, 3}
	r := BufferRef{Addr: unsafe.Pointer(&data[0]), Len: 3}
	assert.Equal(t, data, r.Bytes())
	assert.Equal(t, unsafe.Pointer(&data[0]), unsafe.Pointer(&r.Bytes()[0]))
	assert.Nil(t, BufferRef{}.Bytes())
	assert.True(t, BufferRef{}.IsNull())
}
