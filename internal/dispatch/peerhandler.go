// Package dispatch implements the per-peer-IP session dispatcher described
// by spec.md §4.5: one goroutine per source IP, fed a bounded mailbox of
// read requests, each admitting at most maxSessionsPerIP concurrent
// transfers before a new request is turned away.
//
// This generalizes original_source/src/peer_handler/mod.rs's PeerHandler/
// peer_requests_handler/handle_request (an OS thread + single-threaded
// tokio runtime per peer) into a goroutine + buffered channel, which is the
// teacher's own idiom for "one worker per connection" (tftp.TftpNode.Listen
// spawning a goroutine per datagram, generalized here to per-IP instead of
// per-datagram so that session state — the session table and idle timer —
// has somewhere to live).
package dispatch

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/wjholden/rtftpd/internal/resolver"
	"github.com/wjholden/rtftpd/internal/rtftplog"
	"github.com/wjholden/rtftpd/internal/session"
	"github.com/wjholden/rtftpd/internal/tftpopts"
	"github.com/wjholden/rtftpd/internal/vfs"
	"github.com/wjholden/rtftpd/internal/wire"
)

// maxSessionsPerIP bounds concurrent transfers to a single source IP,
// mirroring original_source/src/peer_handler/mod.rs's MAX_SESSIONS_PER_IP.
const maxSessionsPerIP = 128

// mailboxCapacity is the buffered request queue size per peer, matching
// the Rust original's mpsc::channel capacity of 10.
const mailboxCapacity = 10

// turnInterval is how often the dispatcher goroutine wakes up to reap
// finished sessions and check for idle shutdown, mirroring the Rust
// original's 1-second recv timeout loop.
const turnInterval = time.Second

type inboundRequest struct {
	port uint16
	rrq  *wire.ReadRequest
}

// PeerHandler owns every in-flight transfer for one source IP. It is
// created lazily by the listener on first contact from that IP and torn
// down after idleTimeout with no active sessions.
type PeerHandler struct {
	peerIP    string
	mailbox   chan inboundRequest
	rebuild   chan struct{}
	done      chan struct{}
	logDigest bool
}

// Options tunes the behavior of a PeerHandler beyond its required
// constructor arguments.
type Options struct {
	// LogDigest enables the optional MD5 transfer digest diagnostic
	// (spec.md's supplemented feature, off by default).
	LogDigest bool
}

// NewPeerHandler starts the dispatcher goroutine for peerIP and returns
// immediately; the goroutine builds its own backend chain and runs until
// ctx is cancelled, the mailbox is closed, or it goes idle.
func NewPeerHandler(ctx context.Context, peerIP string, localIP net.IP, res *resolver.Resolver, idleTimeout time.Duration, log zerolog.Logger, opts ...Options) *PeerHandler {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	h := &PeerHandler{
		peerIP:    peerIP,
		mailbox:   make(chan inboundRequest, mailboxCapacity),
		rebuild:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		logDigest: o.LogDigest,
	}
	log = rtftplog.ForPeer(log, peerIP)
	go h.run(ctx, localIP, res, idleTimeout, log)
	return h
}

// RequestRebuild asks the handler to rebuild its backend chain — e.g.
// because internal/resolver.Watcher observed a config file change. The
// rebuild happens once the handler has no in-flight sessions, matching
// the original's debounced config-change signal
// (original_source/src/fs_watch/async_channel.rs).
func (h *PeerHandler) RequestRebuild() {
	select {
	case h.rebuild <- struct{}{}:
	default:
	}
}

// Feed enqueues a read request for this peer. It returns false if the
// handler has already shut down and the caller should spin up a new one.
func (h *PeerHandler) Feed(port uint16, rrq *wire.ReadRequest) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.mailbox <- inboundRequest{port: port, rrq: rrq}:
		return true
	case <-h.done:
		return false
	}
}

// IsFinished reports whether the dispatcher goroutine has exited.
func (h *PeerHandler) IsFinished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the dispatcher goroutine (and every session it owns)
// has exited.
func (h *PeerHandler) Wait() {
	<-h.done
}

// sessionState tracks one in-flight transfer so the dispatcher can ignore
// a duplicate RRQ retransmission on the same source port and reap the slot
// once the transfer finishes.
type sessionState struct {
	finished chan struct{}
}

func (s *sessionState) isFinished() bool {
	select {
	case <-s.finished:
		return true
	default:
		return false
	}
}

func (h *PeerHandler) run(ctx context.Context, localIP net.IP, res *resolver.Resolver, idleTimeout time.Duration, log zerolog.Logger) {
	defer close(h.done)

	chain := res.Build(h.peerIP)
	defer func() { chain.Close() }()
	log.Info().Msg("peer handler started")

	sessions := make(map[uint16]*sessionState, maxSessionsPerIP)
	idleSince := time.Now()
	ticker := time.NewTicker(turnInterval)
	defer ticker.Stop()
	pendingRebuild := false

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("peer handler shutting down: server context cancelled")
			break loop
		case req, ok := <-h.mailbox:
			if !ok {
				log.Info().Msg("peer handler shutdown requested")
				break loop
			}
			reap(sessions)
			if fatal := h.admit(ctx, localIP, chain, sessions, req, log, h.logDigest); fatal {
				log.Warn().Msg("peer handler terminated: admission limit exceeded")
				break loop
			}
		case <-h.rebuild:
			if len(sessions) == 0 {
				chain.Close()
				chain = res.Build(h.peerIP)
				log.Info().Msg("backend chain rebuilt after config change")
				pendingRebuild = false
			} else {
				pendingRebuild = true
			}
		case <-ticker.C:
			reap(sessions)
			if len(sessions) == 0 {
				if pendingRebuild {
					chain.Close()
					chain = res.Build(h.peerIP)
					log.Info().Msg("backend chain rebuilt after config change")
					pendingRebuild = false
				}
				if time.Since(idleSince) > idleTimeout {
					log.Info().Msg("peer handler inactive, shutting down")
					break loop
				}
			} else {
				idleSince = time.Now()
			}
		}
	}

	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("waiting for in-flight sessions to finish")
		for _, s := range sessions {
			<-s.finished
		}
	}
}

func reap(sessions map[uint16]*sessionState) {
	for port, s := range sessions {
		if s.isFinished() {
			delete(sessions, port)
		}
	}
}

// admit opens the requested file, negotiates options, and — if accepted —
// spawns the windowed sender on its own ephemeral socket. Every exit path
// that can still talk to the client (admission limit, file-not-found) must
// open a socket first since the shared listener socket is never reused for
// a reply, per spec.md §4.7.
//
// It reports fatal=true when the handler must shut itself down after this
// call, per spec.md §4.5/§7: exceeding maxSessionsPerIP is an irrecoverable
// handler error, not just a refused request, mirroring the Rust original's
// handle_request returning Err(IrrecoverableError) on cap overflow
// (original_source/src/peer_handler/mod.rs:313-322) and its caller breaking
// the per-peer task in response.
func (h *PeerHandler) admit(ctx context.Context, localIP net.IP, chain *resolver.Chain, sessions map[uint16]*sessionState, req inboundRequest, log zerolog.Logger, logDigest bool) (fatal bool) {
	if _, exists := sessions[req.port]; exists {
		log.Debug().Uint16("port", req.port).Msg("ignoring repeated request from in-flight port")
		return false
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
	if err != nil {
		log.Error().Err(err).Msg("can't bind ephemeral session socket")
		return false
	}
	peerAddr := &net.UDPAddr{IP: net.ParseIP(h.peerIP), Port: int(req.port)}
	str := session.NewStream(conn, peerAddr)

	sessionLog := rtftplog.ForSession(log, req.port, req.rrq.Filename)

	if len(sessions) >= maxSessionsPerIP {
		sessionLog.Warn().Msg("maximum sessions per IP exceeded, refusing request")
		_ = str.Send(wire.SerializeError(wire.ErrUndefined, "Maximum sessions per IP exceeded"))
		_ = str.Close()
		return true
	}

	file, err := chain.Open(req.rrq.Filename)
	if err != nil {
		code, msg := vfs.ErrorCodeFor(err)
		sessionLog.Info().Err(err).Msg("denying read request")
		_ = str.Send(wire.SerializeError(code, msg))
		_ = str.Close()
		return false
	}

	size, sizeErr := file.Size()
	opts := tftpopts.Negotiate(req.rrq.Options, size, sizeErr)

	state := &sessionState{finished: make(chan struct{})}
	sessions[req.port] = state
	sessionLog.Info().Int("blksize", opts.BlockSize).Int("windowsize", opts.WindowSize).Msg("starting transfer")

	go func() {
		defer close(state.finished)
		defer str.Close()
		if err := session.Run(ctx, str, file, opts, sessionLog, session.Options{LogDigest: logDigest}); err != nil {
			sessionLog.Warn().Err(err).Msg("transfer ended with error")
		} else {
			sessionLog.Info().Msg("transfer complete")
		}
	}()
	return false
}
