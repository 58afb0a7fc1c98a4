// Package transport wires codec, sendbuf, recvbuf, and ackio together
// into the sender and receiver driver flows described in spec §4.6.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/ventosilenzioso/filetransfer/internal/ackio"
	"github.com/ventosilenzioso/filetransfer/internal/codec"
	"github.com/ventosilenzioso/filetransfer/internal/recvbuf"
	"github.com/ventosilenzioso/filetransfer/internal/stats"
	"github.com/ventosilenzioso/filetransfer/internal/tracing"
	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

// TrailingAckBurst is how many duplicate ACKs the receiver emits on
// exit to compensate for loss of the final ACK.
const TrailingAckBurst = 10

// Receiver runs the whole receiver side: bind, ingest, reassemble,
// write to the sink, and emit ACKs.
type Receiver struct {
	conn *net.UDPConn
	rb   *recvbuf.Buffer
	log  *logging.Logger
	met  *stats.ReceiverMetrics
	tap  *tracing.Tap

	mu     sync.Mutex
	sender *ackio.Sender
}

// Listen binds a UDP socket on port and returns a Receiver ready to
// have Run launched in a goroutine.
func Listen(port int, log *logging.Logger, met *stats.ReceiverMetrics, tap *tracing.Tap) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &Receiver{
		conn: conn,
		rb:   recvbuf.New(),
		log:  log,
		met:  met,
		tap:  tap,
	}, nil
}

// NextInOrder pulls the next in-order packet for the driver.
func (r *Receiver) NextInOrder() (codec.Packet, bool) {
	return r.rb.NextInOrder()
}

// SendTrailingAcks emits the exit-time duplicate ACK burst.
func (r *Receiver) SendTrailingAcks(k int) {
	r.mu.Lock()
	s := r.sender
	r.mu.Unlock()
	if s != nil {
		s.SendTrailingBurst(k)
	}
}

// Stop closes the data-channel socket, unblocking Run, and releases
// the reorder buffer's waiters.
func (r *Receiver) Stop() {
	r.conn.Close()
	r.rb.Close()
	r.mu.Lock()
	if r.sender != nil {
		r.sender.Close()
	}
	r.mu.Unlock()
}

// Run is the receive loop of spec §4.4: decode, drop corrupt or
// out-of-window datagrams, buffer the rest, and emit one ACK per
// accepted datagram once the ACK sender exists.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, codec.HeaderSize+codec.SegmentSize+64)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, peer, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warnf("[recv data] transient read error: %v", err)
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		r.tap.Inbound(raw)

		p, err := codec.Decode(raw)
		if err != nil {
			r.log.Warnf("[recv corrupt packet]")
			r.met.CorruptPackets.Inc()
			continue
		}

		if p.First {
			r.mu.Lock()
			if r.sender == nil {
				s, err := ackio.NewSender(peer, int(p.AckPort), r.log, r.tap.Outbound)
				if err != nil {
					r.log.Warnf("[recv data] failed to open ack channel: %v", err)
				} else {
					r.sender = s
				}
			}
			r.mu.Unlock()
		}

		outcome, lastConsecutive := r.rb.Update(p)
		r.logOutcome(p, n, outcome)
		r.tallyOutcome(outcome)

		r.mu.Lock()
		s := r.sender
		r.mu.Unlock()
		if s != nil && lastConsecutive >= 0 {
			s.Send(uint32(lastConsecutive))
		}
	}
}

func (r *Receiver) logOutcome(p codec.Packet, n int, outcome recvbuf.Outcome) {
	label := offsetLabel(p)
	switch outcome {
	case recvbuf.AcceptedInOrder:
		r.log.Infof("[recv data] %s (%d) ACCEPTED(in-order)", label, n-codec.HeaderSize)
	case recvbuf.AcceptedOutOfOrder:
		r.log.Infof("[recv data] %s (%d) ACCEPTED(out-of-order)", label, n-codec.HeaderSize)
	case recvbuf.Ignored:
		r.log.Infof("[recv data] %s (%d) IGNORED", label, n-codec.HeaderSize)
	}
}

func (r *Receiver) tallyOutcome(outcome recvbuf.Outcome) {
	switch outcome {
	case recvbuf.Ignored:
		r.met.PacketsIgnored.Inc()
	default:
		r.met.PacketsAccepted.Inc()
	}
	r.met.HighestContiguous.Set(float64(r.rb.LastConsecutive()))
}

func offsetLabel(p codec.Packet) string {
	switch {
	case p.First:
		return "start"
	case p.Last:
		return "end"
	default:
		return strconv.FormatUint(uint64(p.Sequence), 10)
	}
}

// Driver pulls packets off the Receiver in order, writes them to sink,
// opens the sink from the first (init) packet's filename, and stops on
// the LAST packet. It implements the receiver driver flow of §4.6.
func Driver(ctx context.Context, r *Receiver, openSink func(filename string) (io.WriteCloser, error), log *logging.Logger, met *stats.ReceiverMetrics) error {
	var sink io.WriteCloser
	defer func() {
		if sink != nil {
			sink.Close()
		}
	}()

	for {
		p, ok := r.NextInOrder()
		if !ok {
			return nil
		}

		if p.First {
			if sink == nil {
				s, err := openSink(p.Filename)
				if err != nil {
					return err
				}
				sink = s
			}
			continue
		}

		if p.Last {
			return nil
		}

		if sink == nil {
			// Spec requires the init packet first; a conforming peer
			// never triggers this, but a malformed one should not
			// panic the receiver.
			continue
		}
		if _, err := sink.Write(p.Payload); err != nil {
			return err
		}
		met.BytesWrittenTotal.Add(float64(len(p.Payload)))
	}
}
