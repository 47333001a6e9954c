// Package bridge moves raw memory between the native allocator and the host
// runtime's allocator.
//
// Exporting a native buffer hands the host a view of the same region plus a
// release hook; the native reference is held until the host drops its last
// reference. Importing a host buffer either borrows the region for the scope
// of one call, adopts it (the native buffer releases the host object when
// freed) or copies it into native memory. Regions that do not meet the
// caller's alignment requirement are copied, or rejected in strict mode.
package bridge

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/TFMV/ferry/abi"
	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	transfersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ferry_bridge_transfers_live",
		Help: "Buffers currently owned across the native/host boundary",
	})
	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_bridge_bytes_total",
		Help: "Bytes bridged without copying, by direction",
	}, []string{"direction"})
	copiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_bridge_copies_total",
		Help: "Buffers copied instead of bridged, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(transfersLive, bytesTotal, copiesTotal)
}

// ---------------------------------------------------------------------
// Import requirements
// ---------------------------------------------------------------------

// Mode selects how a host buffer becomes a native one.
type Mode int

const (
	// Borrow aliases the host region. The caller must keep the host object
	// alive for as long as the native buffer is used.
	Borrow Mode = iota
	// Adopt aliases the host region and keeps the host object alive until the
	// native buffer is released.
	Adopt
	// Copy duplicates the region into native memory.
	Copy
)

func (m Mode) String() string {
	switch m {
	case Borrow:
		return "borrow"
	case Adopt:
		return "adopt"
	case Copy:
		return "copy"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "borrow", "adopt" or "copy".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "borrow":
		return Borrow, nil
	case "adopt", "":
		return Adopt, nil
	case "copy":
		return Copy, nil
	}
	return 0, fmt.Errorf("bridge: unknown import mode %q", s)
}

// Requirement describes what a caller needs from an imported buffer.
type Requirement struct {
	// Align is the required address alignment in bytes; 0 or 1 means none.
	Align int
	Mode  Mode
}

// ---------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------

// Bridge converts buffers between the native and host allocators.
type Bridge struct {
	mem    memory.Allocator
	logger *zap.Logger
	strict bool
	ledger *Ledger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithStrictAlignment makes misaligned imports fail with a
// BufferAlignmentError instead of being copied.
func WithStrictAlignment(strict bool) Option {
	return func(b *Bridge) { b.strict = strict }
}

// WithLedger tracks transfers in l. A nil ledger disables tracking.
func WithLedger(l *Ledger) Option {
	return func(b *Bridge) { b.ledger = l }
}

// New returns a bridge that allocates native memory from mem. Transfers are
// tracked in a fresh ledger unless WithLedger says otherwise.
func New(mem memory.Allocator, opts ...Option) *Bridge {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	b := &Bridge{
		mem:    mem,
		logger: zap.NewNop(),
		ledger: NewLedger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allocator returns the native allocator.
func (b *Bridge) Allocator() memory.Allocator { return b.mem }

// Ledger returns the transfer ledger, nil when tracking is off.
func (b *Bridge) Ledger() *Ledger { return b.ledger }

// Export hands a native buffer to the host without copying. The native buffer
// is retained until the host releases the returned buffer; the caller keeps
// its own reference and must not mutate the region afterward. A nil buffer
// exports as nil.
func (b *Bridge) Export(s *host.Session, buf *memory.Buffer) *host.Buffer {
	if buf == nil {
		return nil
	}
	buf.Retain()
	id := b.ledger.Open()
	transfersLive.Inc()
	bytesTotal.WithLabelValues("export").Add(float64(buf.Len()))

	data := buf.Bytes()
	b.logger.Debug("export buffer",
		zap.Uint64("transfer", id),
		zap.Int("size", len(data)),
	)
	return s.ForeignBuffer(unsafe.Pointer(unsafe.SliceData(data)), len(data), func() {
		b.ledger.Close(id)
		transfersLive.Dec()
		buf.Release()
	})
}

// Import turns a host buffer into a native one according to req. The
// returned buffer must be released by the caller.
func (b *Bridge) Import(buf *host.Buffer, req Requirement) (*memory.Buffer, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: host buffer is absent", fault.ErrNullBufferMissing)
	}

	if req.Mode != Copy {
		if err := b.checkAlignment(buf.Address(), buf.Size(), req.Align); err != nil {
			if b.strict {
				return nil, err
			}
			b.logger.Warn("copying misaligned host buffer", zap.Error(err))
			return b.copy(buf.Bytes(), "alignment"), nil
		}
	}

	switch req.Mode {
	case Borrow:
		bytesTotal.WithLabelValues("borrow").Add(float64(buf.Size()))
		return memory.NewBufferBytes(buf.Bytes()), nil
	case Adopt:
		buf.Retain()
		id := b.ledger.Open()
		transfersLive.Inc()
		bytesTotal.WithLabelValues("import").Add(float64(buf.Size()))
		t := b.newTransfer(id, buf.Release)
		out := t.wrap(buf.Bytes())
		t.done()
		return out, nil
	default:
		return b.copy(buf.Bytes(), "requested"), nil
	}
}

// AdoptDescriptor imports every buffer of an exported host array. In Adopt
// mode the buffers alias host memory and desc is released once all of them
// have been released; in Copy mode the bytes are duplicated and desc is
// released before returning. aligns gives the alignment each buffer needs.
// Absent buffers come back as nil. desc is released on error too.
func (b *Bridge) AdoptDescriptor(desc *abi.ArrayDescriptor, mode Mode, aligns []int) ([]*memory.Buffer, error) {
	if mode == Borrow {
		desc.Release()
		return nil, fmt.Errorf("bridge: descriptors cannot be borrowed")
	}

	id := b.ledger.Open()
	transfersLive.Inc()
	t := b.newTransfer(id, desc.Release)
	defer t.done()

	out := make([]*memory.Buffer, len(desc.Buffers))
	for i, ref := range desc.Buffers {
		if ref.IsNull() {
			continue
		}
		align := 0
		if i < len(aligns) {
			align = aligns[i]
		}
		if mode == Copy {
			out[i] = b.copy(ref.Bytes(), "requested")
			continue
		}
		if err := b.checkAlignment(uintptr(ref.Addr), ref.Len, align); err != nil {
			if b.strict {
				releaseAll(out)
				return nil, err
			}
			b.logger.Warn("copying misaligned host buffer", zap.Int("buffer", i), zap.Error(err))
			out[i] = b.copy(ref.Bytes(), "alignment")
			continue
		}
		bytesTotal.WithLabelValues("import").Add(float64(ref.Len))
		out[i] = t.wrap(ref.Bytes())
	}
	return out, nil
}

func (b *Bridge) checkAlignment(addr uintptr, size, align int) error {
	if align <= 1 || size == 0 || addr%uintptr(align) == 0 {
		return nil
	}
	return &fault.AlignmentError{Address: addr, Required: align}
}

func (b *Bridge) copy(src []byte, reason string) *memory.Buffer {
	copiesTotal.WithLabelValues(reason).Inc()
	out := memory.NewResizableBuffer(b.mem)
	out.Resize(len(src))
	copy(out.Bytes(), src)
	return out
}

func releaseAll(bufs []*memory.Buffer) {
	for _, buf := range bufs {
		if buf != nil {
			buf.Release()
		}
	}
}

// ---------------------------------------------------------------------
// Transfers
// ---------------------------------------------------------------------

// transfer ties a host release hook to the native buffers aliasing host
// memory. It acts as the allocator of those buffers: freeing the last one
// runs the hook. The creator holds one reference until done is called.
type transfer struct {
	b       *Bridge
	id      uint64
	refs    atomic.Int64
	release func()
}

func (b *Bridge) newTransfer(id uint64, release func()) *transfer {
	t := &transfer{b: b, id: id, release: release}
	t.refs.Store(1)
	return t
}

func (t *transfer) wrap(data []byte) *memory.Buffer {
	t.refs.Add(1)
	return memory.NewBufferWithAllocator(data, t)
}

func (t *transfer) done() { t.unref() }

func (t *transfer) unref() {
	n := t.refs.Add(-1)
	switch {
	case n == 0:
		t.b.ledger.Close(t.id)
		transfersLive.Dec()
		t.b.logger.Debug("host transfer released", zap.Uint64("transfer", t.id))
		t.release()
	case n < 0:
		panic("bridge: transfer released too many times")
	}
}

func (t *transfer) Allocate(int) []byte {
	panic("bridge: adopted host memory cannot be reallocated")
}

func (t *transfer) Reallocate(int, []byte) []byte {
	panic("bridge: adopted host memory cannot be reallocated")
}

func (t *transfer) Free([]byte) { t.unref() }
