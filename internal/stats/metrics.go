// Package stats wires the counters and gauges named throughout spec §4
// into github.com/prometheus/client_golang, and formats the sender's
// final two-decimal-place statistics block.
package stats

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SenderMetrics holds the sender-side counters and gauges that mirror
// the plain Go fields the send buffer already maintains (total bytes
// sent, retransmit count, current window size) so that a live
// "-metrics-addr" scrape and the final "[stats]" block never disagree.
type SenderMetrics struct {
	Registry          *prometheus.Registry
	BytesSentTotal    prometheus.Counter
	BytesSentGauge    prometheus.Gauge
	RetransmitsTotal  prometheus.Counter
	WindowGauge       prometheus.Gauge
	DuplicateAckTotal prometheus.Counter
	CorruptAcks       prometheus.Counter
}

// NewSenderMetrics creates a fresh registry and metric set. Callers
// that never pass -metrics-addr still update these (they are cheap
// atomics) so the code path is identical whether or not anything ever
// scrapes them.
func NewSenderMetrics() *SenderMetrics {
	reg := prometheus.NewRegistry()
	m := &SenderMetrics{
		Registry: reg,
		BytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_sender_bytes_sent_total",
			Help: "Total link-level bytes written to the data-channel socket.",
		}),
		BytesSentGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filetransfer_sender_bytes_sent",
			Help: "Link-level bytes written to the data-channel socket so far.",
		}),
		RetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_sender_retransmits_total",
			Help: "Number of times the send loop retransmitted a packet after an ACK-wait timeout.",
		}),
		WindowGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filetransfer_sender_inflight_window",
			Help: "Current adaptive inflight window capacity.",
		}),
		DuplicateAckTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_sender_duplicate_acks_total",
			Help: "Number of duplicate cumulative ACKs observed (fast-retransmit triggers).",
		}),
		CorruptAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_sender_corrupt_acks_total",
			Help: "Triple-copy ACK records whose three copies disagreed, received on the ACK channel.",
		}),
	}
	m.WindowGauge.Set(2) // MinWindow
	reg.MustRegister(m.BytesSentTotal, m.BytesSentGauge, m.RetransmitsTotal, m.WindowGauge, m.DuplicateAckTotal, m.CorruptAcks)
	return m
}

// ReceiverMetrics holds the receiver-side counters and gauges.
type ReceiverMetrics struct {
	Registry          *prometheus.Registry
	BytesWrittenTotal prometheus.Counter
	PacketsAccepted   prometheus.Counter
	PacketsIgnored    prometheus.Counter
	CorruptPackets    prometheus.Counter
	HighestContiguous prometheus.Gauge
}

// NewReceiverMetrics creates a fresh registry and metric set.
func NewReceiverMetrics() *ReceiverMetrics {
	reg := prometheus.NewRegistry()
	m := &ReceiverMetrics{
		Registry: reg,
		BytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_receiver_bytes_written_total",
			Help: "Total bytes written to the byte sink.",
		}),
		PacketsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_receiver_packets_accepted_total",
			Help: "Datagrams accepted into the reorder buffer.",
		}),
		PacketsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_receiver_packets_ignored_total",
			Help: "Datagrams dropped for being out of window or already buffered.",
		}),
		CorruptPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filetransfer_receiver_corrupt_packets_total",
			Help: "Datagrams dropped for failing checksum or framing validation.",
		}),
		HighestContiguous: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filetransfer_receiver_highest_contiguous_sequence",
			Help: "Highest sequence number received with no gaps below it.",
		}),
	}
	reg.MustRegister(m.BytesWrittenTotal, m.PacketsAccepted, m.PacketsIgnored, m.CorruptPackets, m.HighestContiguous)
	return m
}

// Report is the data behind the sender's final "[stats]" line.
type Report struct {
	Elapsed        time.Duration
	FileSize       int64
	TotalBytesSent uint64
}

// WriteTo prints the statistics block to w: running time in ms, file
// size in bytes, total bytes sent, and efficiency (file_size /
// total_bytes_sent * 100) with exactly two decimal places.
func (r Report) WriteTo(w io.Writer) {
	efficiency := 0.0
	if r.TotalBytesSent > 0 {
		efficiency = float64(r.FileSize) / float64(r.TotalBytesSent) * 100
	}
	fmt.Fprintf(w, "[stats] running time: %d ms\n", r.Elapsed.Milliseconds())
	fmt.Fprintf(w, "[stats] file size: %d bytes\n", r.FileSize)
	fmt.Fprintf(w, "[stats] total bytes sent: %d\n", r.TotalBytesSent)
	fmt.Fprintf(w, "[stats] efficiency: %.2f%%\n", efficiency)
}
