// Package recvbuf implements the receiver's reorder buffer: ingesting
// datagrams, rejecting out-of-window or duplicate sequence numbers,
// and tracking the highest contiguous sequence number so the receiver
// driver can pull packets out strictly in order (spec §4.4).
package recvbuf

import (
	"sync"

	"github.com/ventosilenzioso/filetransfer/internal/codec"
)

// WindowSize is how far ahead of next_sequence_to_deliver a sequence
// number is still allowed to land in the reorder buffer.
const WindowSize = 1000

// Buffer is the receiver-side reorder window.
type Buffer struct {
	mu sync.Mutex
	c  *sync.Cond

	buffered map[uint32]codec.Packet

	nextToDeliver     uint32
	lastConsecutive   int64 // -1 until the first packet has been seen
	closed            bool
}

// New constructs an empty reorder buffer starting at sequence 0.
func New() *Buffer {
	b := &Buffer{
		buffered:        make(map[uint32]codec.Packet),
		lastConsecutive: -1,
	}
	b.c = sync.NewCond(&b.mu)
	return b
}

// Outcome describes what happened to a datagram passed to Update, for
// the caller's benefit when formatting the "[recv data] ..." log line.
type Outcome int

const (
	AcceptedInOrder Outcome = iota
	AcceptedOutOfOrder
	Ignored
)

// Update implements update_buffer(p): accepts p into the window if its
// sequence number is neither behind the delivery cursor nor beyond the
// window, and isn't already buffered; otherwise ignores it. It returns
// the highest contiguous sequence number after applying p, for the ACK
// the caller is about to emit.
func (b *Buffer) Update(p codec.Packet) (Outcome, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := p.Sequence
	if _, exists := b.buffered[s]; exists {
		return Ignored, b.lastConsecutive
	}
	if s < b.nextToDeliver || s >= b.nextToDeliver+WindowSize {
		return Ignored, b.lastConsecutive
	}

	b.buffered[s] = p
	outcome := AcceptedOutOfOrder
	if s == b.nextToDeliver {
		outcome = AcceptedInOrder
		b.c.Broadcast()
	}

	if int64(s) == b.lastConsecutive+1 {
		for {
			if _, ok := b.buffered[uint32(b.lastConsecutive+1)]; !ok {
				break
			}
			b.lastConsecutive++
		}
	}

	return outcome, b.lastConsecutive
}

// NextInOrder blocks until the packet with sequence number
// next_sequence_to_deliver is present, removes and returns it, and
// advances the delivery cursor. The init packet (sequence 0) is
// delivered first. Returns ok=false only if Close was called while
// waiting.
func (b *Buffer) NextInOrder() (codec.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if p, ok := b.buffered[b.nextToDeliver]; ok {
			delete(b.buffered, b.nextToDeliver)
			b.nextToDeliver++
			return p, true
		}
		if b.closed {
			return codec.Packet{}, false
		}
		b.c.Wait()
	}
}

// LastConsecutive returns the highest contiguous sequence number
// received so far (for ACK emission).
func (b *Buffer) LastConsecutive() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastConsecutive
}

// Close unblocks any goroutine parked in NextInOrder.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.c.Broadcast()
	b.mu.Unlock()
}
