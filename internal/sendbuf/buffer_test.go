package sendbuf

import (
	"context"
	"net"
	"testing"

	"github.com/ventosilenzioso/filetransfer/internal/codec"
	"github.com/ventosilenzioso/filetransfer/internal/stats"
	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	log := logging.New("test", false)
	met := stats.NewSenderMetrics()
	return New(conn, log, met, nil)
}

func TestEnqueueAssignsIncreasingSequenceNumbers(t *testing.T) {
	b := newTestBuffer(t)

	for want := uint32(0); want < uint32(MinWindow); want++ {
		seq, err := b.Enqueue(context.Background(), codec.NewDataPacket([]byte("x")))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if seq != want {
			t.Errorf("Enqueue sequence = %d, want %d", seq, want)
		}
	}
}

func TestNoteCumulativeAckRemovesEntriesAndIsIdempotent(t *testing.T) {
	b := newTestBuffer(t)
	seq0, _ := b.Enqueue(context.Background(), codec.NewDataPacket([]byte("x")))
	seq1, _ := b.Enqueue(context.Background(), codec.NewDataPacket([]byte("x")))

	b.NoteCumulativeAck(seq0)
	b.mu.Lock()
	remaining := len(b.entries)
	b.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("entries remaining after ack(seq0) = %d, want 1", remaining)
	}

	// Applying the same (or a smaller) value again must be a no-op.
	b.NoteCumulativeAck(seq0)
	b.mu.Lock()
	remaining = len(b.entries)
	b.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("entries remaining after repeat ack(seq0) = %d, want 1 (idempotent)", remaining)
	}

	b.NoteCumulativeAck(seq1)
	b.mu.Lock()
	remaining = len(b.entries)
	b.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("entries remaining after ack(seq1) = %d, want 0", remaining)
	}
}

func TestSelectNextPrefersSmallestSendCountThenSmallestSequence(t *testing.T) {
	b := newTestBuffer(t)
	seq0, _ := b.Enqueue(context.Background(), codec.NewDataPacket([]byte("x")))
	seq1, _ := b.Enqueue(context.Background(), codec.NewDataPacket([]byte("x")))

	b.mu.Lock()
	for _, e := range b.entries {
		if e.sequence == seq1 {
			e.sendCount = 1
		}
	}
	b.mu.Unlock()

	got := b.selectNext()
	if got.sequence != seq0 {
		t.Errorf("selectNext().sequence = %d, want %d (fresh entry wins)", got.sequence, seq0)
	}
}

func TestForceResendResetsSendCountForPairedSequence(t *testing.T) {
	b := newTestBuffer(t)
	seq0, _ := b.Enqueue(context.Background(), codec.NewDataPacket([]byte("x")))
	seq1, _ := b.Enqueue(context.Background(), codec.NewDataPacket([]byte("x")))

	b.mu.Lock()
	for _, e := range b.entries {
		e.sendCount = 1
	}
	b.mu.Unlock()

	b.ForceResend(seq0)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		switch e.sequence {
		case seq0, seq1:
			if e.sendCount != 0 {
				t.Errorf("entry %d send_count = %d, want 0 after force_resend(%d)", e.sequence, e.sendCount, seq0)
			}
		}
	}
}

func TestExpandWindowNeverExceedsMaxWindow(t *testing.T) {
	b := newTestBuffer(t)
	for i := 0; i < MaxWindow*2; i++ {
		b.expandWindow()
	}
	b.mu.Lock()
	reserve := b.reserve
	b.mu.Unlock()
	if reserve < 0 {
		t.Fatalf("reserve went negative: %d", reserve)
	}
}
