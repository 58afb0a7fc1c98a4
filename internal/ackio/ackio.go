// Package ackio implements the ACK channel: the triple-copy 12-byte
// wire record (spec §3), the sender-side listener that feeds the send
// buffer and detects duplicate ACKs for fast retransmit (§4.3), and
// the receiver-side transmitter that keeps emitted ACKs monotonic
// (§4.5).
package ackio

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

const recordSize = 12

// AckSink is the subset of the send buffer's contract the ACK
// receiver drives.
type AckSink interface {
	NoteCumulativeAck(n uint32)
	ForceResend(n uint32)
}

// Receiver listens on a freshly bound UDP endpoint for triple-copy ACK
// records, tracks the highest cumulative ACK seen, and wakes anyone
// blocked in WaitFor once it advances far enough.
type Receiver struct {
	conn    *net.UDPConn
	sink    AckSink
	log     *logging.Logger
	dup     func()        // optional hook, invoked once per duplicate ACK (metrics)
	corrupt func()        // optional hook, invoked once per disagreeing triple-copy record (metrics)
	trace   func([]byte)  // optional hook, invoked with the wire bytes of every accepted ACK (pcap tap)

	mu                   sync.Mutex
	cond                 *sync.Cond
	lastAckReceived      int64 // -1 until the first ACK arrives
	previousAckReceived  int64

	stopOnce sync.Once
}

// NewReceiver binds a UDP endpoint on an OS-assigned port and returns
// a Receiver ready to have Run launched in a goroutine. onDuplicate and
// onCorrupt are optional metrics hooks; trace, if non-nil, is invoked
// with the raw wire bytes of every triple-copy-valid ACK record received
// (the "-trace" pcap tap for the sender's inbound ACK channel).
func NewReceiver(sink AckSink, log *logging.Logger, onDuplicate func(), onCorrupt func(), trace func([]byte)) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		conn:                conn,
		sink:                sink,
		log:                 log,
		dup:                 onDuplicate,
		corrupt:             onCorrupt,
		trace:               trace,
		lastAckReceived:     -1,
		previousAckReceived: -1,
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// Port returns the OS-assigned port so the driver can embed it in the
// init packet's payload.
func (r *Receiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// WaitFor blocks until last_ack_received >= expected or timeout
// elapses, tolerating spurious wakeups by re-checking the predicate.
func (r *Receiver) WaitFor(ctx context.Context, expected uint32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.mu.Lock()
		defer r.mu.Unlock()
		for r.lastAckReceived < int64(expected) {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			timer := time.AfterFunc(remaining, r.cond.Broadcast)
			r.cond.Wait()
			timer.Stop()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(timeout + 5*time.Millisecond):
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAckReceived >= int64(expected)
}

// Stop closes the endpoint, unblocking the receive loop.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.conn.Close()
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
}

// Run is the receive loop: read 12 bytes, validate the triple copy,
// update state, feed the send buffer, and check for fast retransmit.
// It returns nil on a clean Stop-induced close.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, recordSize+16)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warnf("[recv ack] transient read error: %v", err)
			continue
		}
		if n < recordSize {
			r.log.Warnf("[recv corrupt ack]")
			if r.corrupt != nil {
				r.corrupt()
			}
			continue
		}

		a := binary.BigEndian.Uint32(buf[0:4])
		b := binary.BigEndian.Uint32(buf[4:8])
		c := binary.BigEndian.Uint32(buf[8:12])
		if a != b || b != c {
			r.log.Warnf("[recv corrupt ack]")
			if r.corrupt != nil {
				r.corrupt()
			}
			continue
		}

		if r.trace != nil {
			r.trace(append([]byte(nil), buf[:recordSize]...))
		}
		r.observe(a)
	}
}

func (r *Receiver) observe(v uint32) {
	r.mu.Lock()
	if int64(v) > r.lastAckReceived {
		r.lastAckReceived = int64(v)
	}
	duplicate := int64(v) == r.previousAckReceived
	r.previousAckReceived = int64(v)
	r.cond.Broadcast()
	r.mu.Unlock()

	r.log.Infof("[recv ack] %d", v)
	r.sink.NoteCumulativeAck(v)
	if duplicate {
		if r.dup != nil {
			r.dup()
		}
		r.sink.ForceResend(v + 1)
	}
}
