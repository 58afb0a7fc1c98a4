// Command recvfile listens for a sendfile peer and reassembles the
// file it streams, per the reliable-UDP transport implemented by
// internal/transport.
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ventosilenzioso/filetransfer/internal/stats"
	"github.com/ventosilenzioso/filetransfer/internal/tracing"
	"github.com/ventosilenzioso/filetransfer/internal/transport"
	"github.com/ventosilenzioso/filetransfer/pkg/logging"
)

const joinTimeout = 10 * time.Second

func main() {
	var (
		port        = flag.IntP("port", "p", 0, "UDP port to listen on")
		metricsAddr = flag.String("metrics-addr", "", "optional host:port to serve /metrics on")
		tracePath   = flag.String("trace", "", "optional path to write a pcap capture of every datagram")
		debug       = flag.Bool("debug", false, "enable debug-level logging")
	)
	flag.Parse()

	runID := uuid.New().String()
	log := logging.New(runID, *debug)

	if err := run(log, *port, *metricsAddr, *tracePath); err != nil {
		logFatal(log, err)
		os.Exit(1)
	}
}

// stackTracer is implemented by errors produced with github.com/pkg/errors'
// Wrap/Wrapf/New. logFatal prints the captured stack trace at debug level,
// the same pattern the teacher's sibling example (dnsproxy's cmd/dnsproxy)
// uses at its own main boundary.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func logFatal(log *logging.Logger, err error) {
	log.Errorf("[error] %v", err)
	if e, ok := err.(stackTracer); ok {
		log.Debugf("%+v", e.StackTrace())
	}
}

func run(log *logging.Logger, port int, metricsAddr, tracePath string) error {
	if port <= 0 {
		return errors.New("usage: recvfile -p <recv_port>")
	}

	met := stats.NewReceiverMetrics()

	tap := tracing.Disabled()
	if tracePath != "" {
		t, closer, err := tracing.New(tracePath, net.IPv4(127, 0, 0, 1), net.IPv4zero)
		if err != nil {
			return errors.Wrapf(err, "opening trace file %q", tracePath)
		}
		defer closer.Close()
		tap = t
	}

	receiver, err := transport.Listen(port, log, met, tap)
	if err != nil {
		return errors.Wrapf(err, "binding UDP port %d", port)
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return receiver.Run(ctx) })

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		defer srv.Close()
	}

	driveErr := transport.Driver(ctx, receiver, openSink, log, met)

	receiver.SendTrailingAcks(transport.TrailingAckBurst)
	receiver.Stop()

	joinCtx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	joinDone := make(chan error, 1)
	go func() { joinDone <- g.Wait() }()
	select {
	case err := <-joinDone:
		if err != nil {
			log.Warnf("[recv data] background goroutine returned error: %v", err)
		}
	case <-joinCtx.Done():
		log.Warnf("[recv data] timed out waiting for background goroutines to join")
	}

	if driveErr != nil {
		return errors.Wrap(driveErr, "driving transfer")
	}
	log.Infof("[completed]")
	return nil
}

// openSink implements the "<original_name>.recv.xml" persisted-filename
// quirk preserved for compatibility with existing peers.
func openSink(filename string) (io.WriteCloser, error) {
	return os.Create(filename + ".recv.xml")
}
