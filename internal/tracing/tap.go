// Package tracing implements the optional "-trace <path.pcap>" side
// channel (SPEC_FULL.md §6a): every transmitted and received datagram
// is additionally wrapped in a synthetic Ethernet/IPv4/UDP frame and
// written to a github.com/google/gopacket/pcapgo writer for offline
// inspection. A Tap never influences protocol decisions; it only
// observes bytes that some other call site already decided to send or
// already received.
package tracing

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func createFile(path string) (*os.File, error) {
	return os.Create(path)
}

// Tap records outbound and inbound datagrams as pcap frames. The zero
// value (via Disabled) discards everything, so call sites can hold a
// *Tap unconditionally instead of branching on whether tracing is on.
type Tap struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	local  net.IP
	remote net.IP
}

// Disabled returns a Tap that drops every recorded frame; used when
// -trace was not passed.
func Disabled() *Tap {
	return &Tap{}
}

// New opens path and returns a Tap that writes an Ethernet/IPv4/UDP
// pcap frame for every Inbound/Outbound call. local and remote are
// synthetic addresses used only to make the capture loadable in
// Wireshark; they do not need to match real interface addresses.
func New(path string, local, remote net.IP) (*Tap, io.Closer, error) {
	f, err := createFile(path)
	if err != nil {
		return nil, nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, nil, err
	}
	return &Tap{w: w, closer: f, local: local, remote: remote}, f, nil
}

// Outbound records payload as sent from local to remote.
func (t *Tap) Outbound(payload []byte) {
	t.record(t.local, t.remote, payload)
}

// Inbound records payload as received from remote at local.
func (t *Tap) Inbound(payload []byte) {
	t.record(t.remote, t.local, payload)
}

func (t *Tap) record(src, dst net.IP, payload []byte) {
	if t == nil || t.w == nil {
		return
	}

	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	udp := &layers.UDP{SrcPort: 0, DstPort: 0}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}, buf.Bytes())
}
