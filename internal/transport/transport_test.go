package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ventosilenzioso/filetransfer/internal/stats"
	"github.com/ventosilenzioso/filetransfer/internal/tracing"
	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

// memSink is an io.WriteCloser that buffers everything written to it,
// standing in for the real <name>.recv.xml file in-process.
type memSink struct {
	buf bytes.Buffer
}

func (s *memSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memSink) Close() error                { return nil }

func runTransfer(t *testing.T, content []byte) []byte {
	t.Helper()
	log := logging.New("test", false)

	recvMet := stats.NewReceiverMetrics()
	receiver, err := Listen(0, log, recvMet, tracing.Disabled())
	require.NoError(t, err)

	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: receiver.conn.LocalAddr().(*net.UDPAddr).Port}

	sendMet := stats.NewSenderMetrics()
	sender, err := NewSender(peer, log, sendMet, tracing.Disabled())
	require.NoError(t, err)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return sender.Run(ctx) })
	g.Go(func() error { return sender.RunAcks(ctx) })
	g.Go(func() error { return receiver.Run(ctx) })

	sink := &memSink{}
	driveDone := make(chan error, 1)
	go func() {
		driveDone <- Driver(ctx, receiver, func(string) (io.WriteCloser, error) { return sink, nil }, log, recvMet)
	}()

	err = Drive(ctx, sender, bytes.NewReader(content), "scenario.bin")
	require.NoError(t, err)

	select {
	case err := <-driveDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver driver never observed the terminal packet")
	}

	receiver.SendTrailingAcks(TrailingAckBurst)
	sender.Stop()
	receiver.Stop()
	_ = g.Wait()

	return sink.buf.Bytes()
}

func TestEndToEndSingleByteFile(t *testing.T) {
	got := runTransfer(t, []byte{0x42})
	require.Equal(t, []byte{0x42}, got)
}

func TestEndToEndMultiSegmentFile(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefghij"), 250) // 2500 bytes, three segments
	got := runTransfer(t, content)
	require.Equal(t, content, got)
}

func TestEndToEndEmptyFile(t *testing.T) {
	got := runTransfer(t, nil)
	require.Len(t, got, 0)
}
