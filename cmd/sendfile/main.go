// Command sendfile streams a file to a recvfile peer over the
// reliable-UDP transport implemented by internal/transport.
package main

import (
	"context"
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

const joinTimeout = 1 * time.Second

func main() {
	var (
		remote      = flag.StringP("remote", "r", "", "receiver address, host:port")
		filename    = flag.StringP("file", "f", "", "path of the file to send")
		metricsAddr = flag.String("metrics-addr", "", "optional host:port to serve /metrics on")
		tracePath   = flag.String("trace", "", "optional path to write a pcap capture of every datagram")
		debug       = flag.Bool("debug", false, "enable debug-level logging")
	)
	flag.Parse()

	runID := uuid.New().String()
	log := logging.New(runID, *debug)

	if err := run(log, *remote, *filename, *metricsAddr, *tracePath); err != nil {
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

func run(log *logging.Logger, remote, filename, metricsAddr, tracePath string) error {
	if remote == "" || filename == "" {
		return errors.New("usage: sendfile -r <recv_host>:<recv_port> -f <filename>")
	}

	peer, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return errors.Wrapf(err, "resolving %q", remote)
	}

	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "opening %q", filename)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "statting input file")
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("%q is not a regular file", filename)
	}

	met := stats.NewSenderMetrics()

	tap := tracing.Disabled()
	if tracePath != "" {
		t, closer, err := tracing.New(tracePath, net.IPv4(127, 0, 0, 1), peer.IP)
		if err != nil {
			return errors.Wrapf(err, "opening trace file %q", tracePath)
		}
		defer closer.Close()
		tap = t
	}

	sender, err := transport.NewSender(peer, log, met, tap)
	if err != nil {
		return errors.Wrap(err, "opening sender endpoints")
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return sender.Run(ctx) })
	g.Go(func() error { return sender.RunAcks(ctx) })

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

	start := time.Now()
	driveErr := transport.Drive(ctx, sender, f, info.Name())

	sender.Stop()
	joinCtx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	joinDone := make(chan error, 1)
	go func() { joinDone <- g.Wait() }()
	select {
	case err := <-joinDone:
		if err != nil {
			log.Warnf("[send data] background goroutine returned error: %v", err)
		}
	case <-joinCtx.Done():
		log.Warnf("[send data] timed out waiting for background goroutines to join")
	}

	if driveErr != nil {
		return errors.Wrap(driveErr, "driving transfer")
	}

	elapsed := time.Since(start)
	total := sender.TotalBytesSent()
	log.Infof("[completed]")
	stats.Report{Elapsed: elapsed, FileSize: info.Size(), TotalBytesSent: total}.WriteTo(logging.Stdout)
	return nil
}
