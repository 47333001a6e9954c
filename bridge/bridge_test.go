package bridge

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/TFMV/ferry/abi"
	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nativeBuffer(mem memory.Allocator, data []byte) *memory.Buffer {
	buf := memory.NewResizableBuffer(mem)
	buf.Resize(len(data))
	copy(buf.Bytes(), data)
	return buf
}

func TestExportIsZeroCopy(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	b := New(mem)
	rt := host.NewRuntime()

	native := nativeBuffer(mem, []byte{1, 2, 3, 4})
	_ = rt.Do(func(s *host.Session) error {
		hb := b.Export(s, native)
		assert.Equal(t, uintptr(unsafe.Pointer(unsafe.SliceData(native.Bytes()))), hb.Address())
		assert.Equal(t, 4, hb.Size())
		assert.Equal(t, uint64(1), b.Ledger().Live())

		// the host now keeps the region alive on its own
		native.Release()
		assert.Equal(t, []byte{1, 2, 3, 4}, hb.Bytes())

		hb.Release()
		return nil
	})
	assert.Equal(t, uint64(0), b.Ledger().Live())
	assert.Equal(t, uint64(1), b.Ledger().Closed())
}

func TestExportNil(t *testing.T) {
	b := New(nil)
	_ = host.NewRuntime().Do(func(s *host.Session) error {
		assert.Nil(t, b.Export(s, nil))
		return nil
	})
}

func TestImportModes(t *testing.T) {
	hostMem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	nativeMem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer hostMem.AssertSize(t, 0)
	defer nativeMem.AssertSize(t, 0)

	rt := host.NewRuntime(host.WithAllocator(hostMem))
	b := New(nativeMem)

	_ = rt.Do(func(s *host.Session) error {
		hb := s.AllocateBuffer(64)
		copy(hb.Bytes(), "abcdefgh")

		t.Run("borrow", func(t *testing.T) {
			nb, err := b.Import(hb, Requirement{Align: 8, Mode: Borrow})
			require.NoError(t, err)
			assert.Equal(t, hb.Address(), uintptr(unsafe.Pointer(unsafe.SliceData(nb.Bytes()))))
			nb.Release()
			assert.Equal(t, int64(1), hb.Refs())
		})

		t.Run("adopt", func(t *testing.T) {
			nb, err := b.Import(hb, Requirement{Align: 8, Mode: Adopt})
			require.NoError(t, err)
			assert.Equal(t, hb.Address(), uintptr(unsafe.Pointer(unsafe.SliceData(nb.Bytes()))))
			assert.Equal(t, int64(2), hb.Refs())
			assert.Equal(t, uint64(1), b.Ledger().Live())
			nb.Release()
			assert.Equal(t, int64(1), hb.Refs())
			assert.Equal(t, uint64(0), b.Ledger().Live())
		})

		t.Run("copy", func(t *testing.T) {
			nb, err := b.Import(hb, Requirement{Mode: Copy})
			require.NoError(t, err)
			assert.NotEqual(t, hb.Address(), uintptr(unsafe.Pointer(unsafe.SliceData(nb.Bytes()))))
			assert.Equal(t, "abcdefgh", string(nb.Bytes()[:8]))
			assert.NotZero(t, nativeMem.CurrentAlloc())
			nb.Release()
		})

		hb.Release()
		return nil
	})

	_, err := b.Import(nil, Requirement{})
	assert.ErrorIs(t, err, fault.ErrNullBufferMissing)
}

func TestMisalignedImport(t *testing.T) {
	nativeMem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer nativeMem.AssertSize(t, 0)
	rt := host.NewRuntime()

	_ = rt.Do(func(s *host.Session) error {
		parent := s.AllocateBuffer(64)
		for i := range parent.Bytes() {
			parent.Bytes()[i] = byte(i)
		}
		view := parent.Slice(1, 8)
		parent.Release()

		lenient := New(nativeMem)
		nb, err := lenient.Import(view, Requirement{Align: 8, Mode: Adopt})
		require.NoError(t, err)
		assert.NotEqual(t, view.Address(), uintptr(unsafe.Pointer(unsafe.SliceData(nb.Bytes()))))
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, nb.Bytes())
		assert.Equal(t, uint64(0), lenient.Ledger().Live())
		nb.Release()

		strict := New(nativeMem, WithStrictAlignment(true))
		_, err = strict.Import(view, Requirement{Align: 8, Mode: Borrow})
		var ae *fault.AlignmentError
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, 8, ae.Required)
		assert.ErrorIs(t, err, fault.ErrBufferAlignment)

		// byte-aligned consumers accept the view as is
		nb, err = strict.Import(view, Requirement{Align: 1, Mode: Borrow})
		require.NoError(t, err)
		nb.Release()

		view.Release()
		return nil
	})
}

func TestAdoptDescriptor(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	rt := host.NewRuntime(host.WithAllocator(mem))
	b := New(memory.NewGoAllocator())

	_ = rt.Do(func(s *host.Session) error {
		arr, err := s.ArrayFromValues(host.Int32(), []host.Value{1, host.None, 3})
		require.NoError(t, err)
		desc, schema := arr.Export()
		schema.Release()
		arr.Release()

		bufs, err := b.AdoptDescriptor(desc, Adopt, []int{1, 4})
		require.NoError(t, err)
		require.Len(t, bufs, 2)
		assert.False(t, desc.Released())

		bufs[0].Release()
		assert.False(t, desc.Released())
		bufs[1].Release()
		assert.True(t, desc.Released())
		assert.Equal(t, uint64(0), b.Ledger().Live())
		return nil
	})
}

func TestAdoptDescriptorCopy(t *testing.T) {
	b := New(memory.NewGoAllocator())
	data := []byte{7, 0, 0, 0}
	released := 0
	desc := abi.NewArrayDescriptor(1, 0, 0,
		[]abi.BufferRef{{}, {Addr: unsafe.Pointer(&data[0]), Len: len(data)}},
		nil, func() { released++ })

	bufs, err := b.AdoptDescriptor(desc, Copy, nil)
	require.NoError(t, err)
	assert.Nil(t, bufs[0])
	assert.Equal(t, 1, released)
	assert.Equal(t, data, bufs[1].Bytes())
	bufs[1].Release()
}

func TestAdoptDescriptorStrictFailureReleases(t *testing.T) {
	b := New(memory.NewGoAllocator(), WithStrictAlignment(true))
	data := make([]byte, 16)
	released := 0
	desc := abi.NewArrayDescriptor(1, 0, 0,
		[]abi.BufferRef{{}, {Addr: unsafe.Pointer(&data[1]), Len: 8}},
		nil, func() { released++ })

	_, err := b.AdoptDescriptor(desc, Adopt, []int{1, 8})
	assert.ErrorIs(t, err, fault.ErrBufferAlignment)
	assert.Equal(t, 1, released)
	assert.Equal(t, uint64(0), b.Ledger().Live())
}

func TestLedgerDoubleClosePanics(t *testing.T) {
	l := NewLedger()
	id := l.Open()
	assert.True(t, l.Contains(id))
	l.Close(id)
	assert.Panics(t, func() { l.Close(id) })

	var off *Ledger
	assert.Equal(t, uint64(0), off.Open())
	assert.NotPanics(t, func() { off.Close(7) })
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("copy")
	require.NoError(t, err)
	assert.Equal(t, Copy, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Adopt, m)
	_, err = ParseMode("steal")
	assert.Error(t, err)
}
