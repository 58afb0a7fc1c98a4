// Package sendbuf implements the sender's sliding window: sequence
// number assignment, the adaptive inflight permit pool, and the
// priority-based retransmit selection policy described in spec §4.2.
package sendbuf

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ventosilenzioso/filetransfer/internal/codec"
	"github.com/ventosilenzioso/filetransfer/internal/stats"
	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

const (
	// MinWindow and MaxWindow bound the number of unacknowledged
	// packets permitted in flight at once; WindowStep is how much a
	// successful ACK-wait grows the window by.
	MinWindow  = 2
	MaxWindow  = 100
	WindowStep = 2

	// AckWaitTimeout is how long the send loop waits for the ACK of
	// the lowest-priority already-sent entry before retransmitting it.
	AckWaitTimeout = 100 * time.Millisecond
)

// AckWaiter is the subset of the ACK receiver's contract the send
// buffer needs in order to block on a specific sequence number during
// selection (see Buffer.run).
type AckWaiter interface {
	WaitFor(ctx context.Context, seq uint32, timeout time.Duration) bool
}

// entry is one buffered, not-yet-acknowledged packet.
type entry struct {
	sequence  uint32
	wire      []byte
	sendCount int
	isInit    bool
	isLast    bool
}

// Buffer owns the sender's in-flight packet set. Callers enqueue
// logical packets; a background goroutine started by Run drains them
// onto conn in priority order, retransmitting on ACK timeout and
// honoring fast-retransmit requests from the ACK receiver.
type Buffer struct {
	conn  *net.UDPConn
	acks  AckWaiter
	log   *logging.Logger
	met   *stats.SenderMetrics
	trace func([]byte)

	mu      sync.Mutex
	entries []*entry

	nextSeq uint32
	sem     *semaphore.Weighted
	reserve int64 // tokens held back from callers; size-reserve == current window

	totalBytesSent uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a send buffer that writes framed datagrams to conn.
// trace, if non-nil, is invoked with the wire bytes of every data-channel
// datagram actually transmitted (the "-trace" pcap tap); pass nil to
// disable it. The AckWaiter it consults to learn when a fresh retransmit
// round is due is supplied afterward via SetAckWaiter, since constructing
// the ACK receiver itself requires a send buffer to deliver ACKs into —
// see transport.NewSender for the two-step wiring this breaks the
// cycle for.
func New(conn *net.UDPConn, log *logging.Logger, met *stats.SenderMetrics, trace func([]byte)) *Buffer {
	b := &Buffer{
		conn:    conn,
		log:     log,
		met:     met,
		trace:   trace,
		sem:     semaphore.NewWeighted(MaxWindow),
		reserve: MaxWindow - MinWindow,
		stopCh:  make(chan struct{}),
	}
	// Hold back every token beyond the initial MIN window so the
	// effective capacity callers can Acquire starts at MinWindow; window
	// growth later releases these reserved tokens instead of rebuilding
	// the semaphore.
	if b.reserve > 0 {
		if err := b.sem.Acquire(context.Background(), b.reserve); err != nil {
			panic("sendbuf: failed to seed initial window reserve: " + err.Error())
		}
	}
	return b
}

// SetAckWaiter wires the ACK receiver the send loop consults when
// deciding whether a stalled entry is due for retransmit. It must be
// called once, before Run, since constructing the ACK receiver itself
// requires this Buffer as its delivery sink.
func (b *Buffer) SetAckWaiter(w AckWaiter) {
	b.mu.Lock()
	b.acks = w
	b.mu.Unlock()
}

func (b *Buffer) ackWaiter() AckWaiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Enqueue blocks until an inflight permit is available, assigns the
// packet the next sequence number, serializes it, and appends it to
// the buffer. No duplicate sequence numbers are ever issued.
func (b *Buffer) Enqueue(ctx context.Context, p codec.Packet) (uint32, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	p.Sequence = seq
	wire := codec.Encode(p)
	b.entries = append(b.entries, &entry{
		sequence: seq,
		wire:     wire,
		isInit:   p.First,
		isLast:   p.Last,
	})
	b.mu.Unlock()

	return seq, nil
}

// NoteCumulativeAck removes every buffered entry with sequence number
// <= n and releases one inflight permit per removed entry. Applying
// the same n twice is a no-op the second time (idempotent).
func (b *Buffer) NoteCumulativeAck(n uint32) {
	b.mu.Lock()
	kept := b.entries[:0]
	removed := 0
	for _, e := range b.entries {
		if e.sequence <= n {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	b.mu.Unlock()

	if removed > 0 {
		b.sem.Release(int64(removed))
	}
}

// ForceResend resets send_count to 0 for every entry whose sequence
// number is n or n+1, re-elevating them to "fresh" in the selection
// order. This is the fast-retransmit trigger fired on a duplicate ACK.
func (b *Buffer) ForceResend(n uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.sequence == n || e.sequence == n+1 {
			e.sendCount = 0
		}
	}
}

// Stop signals the send loop to terminate and closes the underlying
// datagram endpoint.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.conn.Close()
	})
}

// TotalBytesSent returns the link-level byte count accumulated so far.
func (b *Buffer) TotalBytesSent() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytesSent
}

// Run drives the send loop until Stop is called or ctx is cancelled.
// It is meant to be launched as the body of an errgroup goroutine.
func (b *Buffer) Run(ctx context.Context, peer *net.UDPAddr) error {
	for {
		select {
		case <-b.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		e := b.selectNext()
		if e == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		if e.sendCount > 0 {
			// Buffer is exhausted of fresh packets: wait for this
			// entry's ACK before deciding whether to retransmit.
			if b.ackWaiter().WaitFor(ctx, e.sequence, AckWaitTimeout) {
				b.expandWindow()
				continue
			}
			b.met.RetransmitsTotal.Inc()
		}

		if _, err := b.conn.WriteToUDP(e.wire, peer); err != nil {
			select {
			case <-b.stopCh:
				return nil
			default:
			}
			b.log.Warnf("[send data] transient write error: %v", err)
			continue
		}

		b.recordSend(e)
	}
}

func (b *Buffer) recordSend(e *entry) {
	b.mu.Lock()
	e.sendCount = 1
	b.totalBytesSent += uint64(len(e.wire))
	total := b.totalBytesSent
	b.mu.Unlock()

	b.met.BytesSentTotal.Add(float64(len(e.wire)))
	b.met.BytesSentGauge.Set(float64(total))
	if b.trace != nil {
		b.trace(e.wire)
	}

	switch {
	case e.isInit:
		b.log.Infof("[send data] start (%d)", len(e.wire)-codec.HeaderSize)
	case e.isLast:
		b.log.Infof("[send data] end (%d)", 0)
	default:
		b.log.Infof("[send data] %d (%d)", e.sequence, len(e.wire)-codec.HeaderSize)
	}
}

// selectNext implements the priority policy: smallest send_count,
// ties broken by smallest sequence number, further ties by insertion
// order (entries is already insertion-ordered, and the scan only
// replaces the current best on a strictly smaller key).
func (b *Buffer) selectNext() *entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	best := b.entries[0]
	for _, e := range b.entries[1:] {
		if e.sendCount < best.sendCount ||
			(e.sendCount == best.sendCount && e.sequence < best.sequence) {
			best = e
		}
	}
	return best
}

func (b *Buffer) expandWindow() {
	b.mu.Lock()
	step := int64(WindowStep)
	if step > b.reserve {
		step = b.reserve
	}
	b.reserve -= step
	b.mu.Unlock()

	if step > 0 {
		b.sem.Release(step)
		b.met.WindowGauge.Add(float64(step))
	}
}
