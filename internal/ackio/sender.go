package ackio

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

// Sender transmits the monotonically-non-decreasing cumulative ACK
// over a dedicated datagram endpoint addressed to the peer that
// announced itself in the init packet.
type Sender struct {
	conn  *net.UDPConn
	peer  *net.UDPAddr
	log   *logging.Logger
	trace func([]byte)

	mu         sync.Mutex
	latestSent int64 // -1 until the first ACK is sent
}

// NewSender dials a UDP endpoint at peerAddr:ackPort. Despite the name,
// net.DialUDP here only fixes the default destination for Write; no
// handshake occurs (there is none in this protocol). trace, if
// non-nil, is invoked with the wire bytes of every ACK sent (the
// "-trace" pcap tap); pass a no-op to disable it.
func NewSender(peerAddr *net.UDPAddr, ackPort int, log *logging.Logger, trace func([]byte)) (*Sender, error) {
	dest := &net.UDPAddr{IP: peerAddr.IP, Port: ackPort}
	conn, err := net.DialUDP("udp", nil, dest)
	if err != nil {
		return nil, err
	}
	return &Sender{conn: conn, peer: dest, log: log, trace: trace, latestSent: -1}, nil
}

// Send transmits max(n, latestSent) as a fresh triple-copy record; the
// max is what keeps emitted ACK values monotone even if update_buffer
// observes a transient non-monotonic value while reordering packets.
func (s *Sender) Send(n uint32) {
	s.mu.Lock()
	v := int64(n)
	if v < s.latestSent {
		v = s.latestSent
	}
	s.latestSent = v
	s.mu.Unlock()

	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(v))
	binary.BigEndian.PutUint32(buf[4:8], uint32(v))
	binary.BigEndian.PutUint32(buf[8:12], uint32(v))

	if _, err := s.conn.Write(buf); err != nil {
		s.log.Warnf("[send ack] transient write error: %v", err)
		return
	}
	if s.trace != nil {
		s.trace(buf)
	}
	s.log.Infof("[send ack] %d", v)
}

// SendTrailingBurst transmits k duplicate ACKs of the current latest
// value, compensating for possible loss of the final ACK.
func (s *Sender) SendTrailingBurst(k int) {
	s.mu.Lock()
	v := s.latestSent
	s.mu.Unlock()
	if v < 0 {
		return
	}
	for i := 0; i < k; i++ {
		s.Send(uint32(v))
	}
}

// Close releases the dedicated ACK-channel socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}
