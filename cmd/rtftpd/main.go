// Command rtftpd runs the resumable/windowed TFTP read-only server. The
// teacher uses the stdlib flag package directly in its own cmd/tftp-server;
// that doesn't scale to this many long flags, so this follows the pack's
// common replacement, github.com/spf13/pflag, for POSIX/GNU-style flags.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/wjholden/rtftpd/internal/appliance"
	"github.com/wjholden/rtftpd/internal/resolver"
	"github.com/wjholden/rtftpd/internal/rtftplog"
	"github.com/wjholden/rtftpd/internal/rtftpserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listenIP       = flag.String("listen-ip", "0.0.0.0", "address to listen on")
		listenPort     = flag.Int("listen-port", 69, "UDP port to listen on")
		rootDir        = flag.String("root-dir", ".", "root directory holding per-IP and default file trees")
		idleTimeout    = flag.Duration("idle-timeout", 5*time.Minute, "how long a peer dispatcher waits idle before shutting down")
		monitorConfigs = flag.Bool("monitor-configs", false, "rebuild backend chains when *.json config files change under root-dir")
		logDigest      = flag.Bool("log-digest", false, "log an MD5 digest of every completed transfer")
		guestfishPath  = flag.String("guestfish-path", "", "path to the guestfish binary, for NBD-backed remote roots (defaults to PATH lookup)")
		pretty         = flag.Bool("log-pretty", false, "write human-readable console logs instead of JSON")
		logLevel       = flag.String("log-level", "info", "log level: debug, info, warn, error")
		shutdownGrace  = flag.Duration("shutdown-grace", 30*time.Second, "how long to wait for in-flight transfers to drain on shutdown")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtftpd: invalid --log-level %q: %v\n", *logLevel, err)
		return 2
	}
	log := rtftplog.New(*pretty, level)

	ip := net.ParseIP(*listenIP)
	if ip == nil {
		log.Error().Str("listen-ip", *listenIP).Msg("invalid --listen-ip")
		return 2
	}

	res := &resolver.Resolver{
		RootDir:   *rootDir,
		Connector: &appliance.GuestfishConnector{Binary: *guestfishPath},
		Log:       log,
	}

	srv, err := rtftpserver.New(rtftpserver.Config{
		ListenIP:       ip,
		ListenPort:     *listenPort,
		IdleTimeout:    *idleTimeout,
		MonitorConfigs: *monitorConfigs,
		LogDigest:      *logDigest,
	}, res, log)
	if err != nil {
		log.Error().Err(err).Msg("can't start server")
		return 1
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}

	log.Info().Msg("shutting down, draining in-flight transfers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not finish cleanly")
		return 1
	}
	return 0
}
