package bridge

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Ledger records every transfer that is still live. Closing a transfer that
// is not live is an ownership violation and panics. A nil *Ledger tracks
// nothing.
type Ledger struct {
	mu     sync.Mutex
	next   uint64
	live   *roaring64.Bitmap
	closed uint64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{live: roaring64.New()}
}

// Open registers a new transfer and returns its id.
func (l *Ledger) Open() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.live.Add(l.next)
	return l.next
}

// Close retires a transfer.
func (l *Ledger) Close(id uint64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.live.CheckedRemove(id) {
		panic(fmt.Sprintf("bridge: transfer %d released twice or never opened", id))
	}
	l.closed++
}

// Live returns the number of open transfers.
func (l *Ledger) Live() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.GetCardinality()
}

// Closed returns the number of transfers retired so far.
func (l *Ledger) Closed() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Contains reports whether id is live.
func (l *Ledger) Contains(id uint64) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.Contains(id)
}
