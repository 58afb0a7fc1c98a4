package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/ventosilenzioso/filetransfer/internal/ackio"
	"github.com/ventosilenzioso/filetransfer/internal/codec"
	"github.com/ventosilenzioso/filetransfer/internal/sendbuf"
	"github.com/ventosilenzioso/filetransfer/internal/stats"
	"github.com/ventosilenzioso/filetransfer/internal/tracing"
	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

// FinalAckTimeout is how long the sender driver waits for the ACK of
// the terminal (LAST) packet before tearing down regardless.
const FinalAckTimeout = 30 * time.Second

// Sender bundles the ACK receiver and send buffer that make up the
// sender side of the protocol.
type Sender struct {
	Acks *ackio.Receiver
	Buf  *sendbuf.Buffer
	conn *net.UDPConn
	peer *net.UDPAddr
}

// NewSender opens the data-channel socket, binds the ACK-channel
// socket, and wires them together per spec §4.6.
func NewSender(peer *net.UDPAddr, log *logging.Logger, met *stats.SenderMetrics, tap *tracing.Tap) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}

	buf := sendbuf.New(conn, log, met, tap.Outbound)
	acks, err := ackio.NewReceiver(buf, log, met.DuplicateAckTotal.Inc, met.CorruptAcks.Inc, tap.Inbound)
	if err != nil {
		conn.Close()
		return nil, err
	}
	buf.SetAckWaiter(acks)

	return &Sender{Acks: acks, Buf: buf, conn: conn, peer: peer}, nil
}

// Port returns the ACK-channel's OS-assigned port, embedded in the
// init packet.
func (s *Sender) Port() int {
	return s.Acks.Port()
}

// Stop tears down both the send buffer and the ACK receiver.
func (s *Sender) Stop() {
	s.Buf.Stop()
	s.Acks.Stop()
}

// Run drives the send loop; meant to be launched in its own goroutine.
func (s *Sender) Run(ctx context.Context) error {
	return s.Buf.Run(ctx, s.peer)
}

// RunAcks drives the ACK-receive loop; meant to be launched in its own
// goroutine alongside Run.
func (s *Sender) RunAcks(ctx context.Context) error {
	return s.Acks.Run(ctx)
}

// Enqueue assigns the packet a sequence number and buffers it for
// transmission.
func (s *Sender) Enqueue(ctx context.Context, p codec.Packet) (uint32, error) {
	return s.Buf.Enqueue(ctx, p)
}

// WaitForFinalAck blocks up to FinalAckTimeout for the terminal
// packet's ACK.
func (s *Sender) WaitForFinalAck(ctx context.Context, seq uint32) bool {
	return s.Acks.WaitFor(ctx, seq, FinalAckTimeout)
}

// TotalBytesSent returns the accumulated link-level byte count.
func (s *Sender) TotalBytesSent() uint64 {
	return s.Buf.TotalBytesSent()
}

// Drive implements the sender driver flow of spec §4.6: read src in
// SegmentSize chunks, enqueue an init packet, enqueue each chunk, then
// a terminal packet, and wait for its ACK.
func Drive(ctx context.Context, s *Sender, src io.Reader, filename string) error {
	if _, err := s.Enqueue(ctx, codec.NewInitPacket(uint16(s.Port()), filename)); err != nil {
		return err
	}

	buf := make([]byte, codec.SegmentSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if _, err := s.Enqueue(ctx, codec.NewDataPacket(chunk)); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	lastSeq, err := s.Enqueue(ctx, codec.NewLastPacket())
	if err != nil {
		return err
	}

	s.WaitForFinalAck(ctx, lastSeq)
	return nil
}
