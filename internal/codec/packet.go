// Package codec frames and unframes the datagrams exchanged by the
// data channel: a 9-byte header (sequence number, checksum, length,
// flags) followed by up to one segment of payload.
package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the number of bytes occupied by the fixed framing
	// header in front of every data-channel datagram.
	HeaderSize = 9

	// SegmentSize is the maximum number of payload bytes carried by a
	// single non-FIRST, non-LAST data packet.
	SegmentSize = 1000

	flagFirst = 1 << 0
	flagLast  = 1 << 1
)

// ErrCorrupt is returned (wrapped with context) whenever Decode rejects
// a datagram: too short, a length field that overruns what was
// actually received, or a checksum that does not recompute to zero.
var ErrCorrupt = errors.New("corrupt datagram")

// Packet is the logical, decoded form of one framed datagram.
type Packet struct {
	Sequence uint32
	First    bool
	Last     bool
	Payload  []byte

	// AckPort and Filename are only meaningful when First is true; they
	// are carried inside Payload on the wire (port, then raw filename
	// bytes, no length prefix) and split out here for convenience.
	AckPort  uint16
	Filename string
}

// NewDataPacket builds a plain (non-FIRST, non-LAST) packet out of a
// slice of file bytes. The sequence number is assigned later by the
// send buffer, so it is left zero here.
func NewDataPacket(payload []byte) Packet {
	return Packet{Payload: payload}
}

// NewInitPacket builds the sequence-0 FIRST packet whose payload
// encodes the ACK-channel port followed by the raw filename bytes.
func NewInitPacket(ackPort uint16, filename string) Packet {
	payload := make([]byte, 4+len(filename))
	binary.BigEndian.PutUint32(payload, uint32(ackPort))
	copy(payload[4:], filename)
	return Packet{
		First:    true,
		Payload:  payload,
		AckPort:  ackPort,
		Filename: filename,
	}
}

// NewLastPacket builds the terminal, empty-payload LAST packet.
func NewLastPacket() Packet {
	return Packet{Last: true, Payload: nil}
}

// Encode assembles the framed, checksummed wire form of p.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))

	binary.BigEndian.PutUint32(buf[0:4], p.Sequence)
	// checksum field (buf[4:6]) left zero while computing the checksum
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(buf)))
	buf[8] = encodeFlags(p)
	copy(buf[HeaderSize:], p.Payload)

	binary.BigEndian.PutUint16(buf[4:6], internetChecksum(buf))
	return buf
}

// Decode parses and validates the framed wire form produced by Encode.
// It returns ErrCorrupt (wrapped with detail) for any malformed or
// corrupted input; decoding never panics on attacker-controlled bytes.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, errors.Wrapf(ErrCorrupt, "datagram too short: %d bytes", len(raw))
	}
	if internetChecksum(raw) != 0 {
		return Packet{}, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}

	length := binary.BigEndian.Uint16(raw[6:8])
	if int(length) < HeaderSize {
		return Packet{}, errors.Wrapf(ErrCorrupt, "stated length %d shorter than header size %d", length, HeaderSize)
	}
	if int(length) > len(raw) {
		return Packet{}, errors.Wrapf(ErrCorrupt, "stated length %d exceeds received %d bytes", length, len(raw))
	}

	flags := raw[8]
	p := Packet{
		Sequence: binary.BigEndian.Uint32(raw[0:4]),
		First:    flags&flagFirst != 0,
		Last:     flags&flagLast != 0,
	}
	payload := raw[HeaderSize:length]

	if p.First {
		if len(payload) < 4 {
			return Packet{}, errors.Wrap(ErrCorrupt, "FIRST payload shorter than ack-port field")
		}
		p.AckPort = uint16(binary.BigEndian.Uint32(payload[0:4]))
		p.Filename = string(payload[4:])
	}

	p.Payload = append([]byte(nil), payload...)
	return p, nil
}

func encodeFlags(p Packet) byte {
	var flags byte
	if p.First {
		flags |= flagFirst
	}
	if p.Last {
		flags |= flagLast
	}
	return flags
}

// internetChecksum computes the RFC 1071 16-bit one's-complement
// checksum over buf. Called both by Encode (with the checksum field
// zeroed) to produce a checksum and by Decode (over the as-received
// bytes, checksum field included) to verify one: a correctly framed
// datagram always recomputes to zero.
func internetChecksum(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if i < n {
		sum += uint32(buf[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
