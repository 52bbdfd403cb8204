// Package rtftplog builds the zerolog.Logger shared by every component of
// the server. It exists so that cmd/rtftpd, internal/dispatch and
// internal/session all bind the same ip/port/file fields the same way.
package rtftplog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. When pretty is true it writes human-readable
// console output (suitable for a terminal); otherwise it writes newline
// delimited JSON, suitable for log collection.
func New(pretty bool, level zerolog.Level) zerolog.Logger {
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ForPeer returns a logger pre-bound with the source IP of a peer handler,
// matching the `<PeerHandler: 1.2.3.4>` style the teacher's prints used.
func ForPeer(base zerolog.Logger, ip string) zerolog.Logger {
	return base.With().Str("peer_ip", ip).Logger()
}

// ForSession further binds the ephemeral peer port and the request's
// filename, so every log line from a session is self-describing.
func ForSession(base zerolog.Logger, port uint16, filename string) zerolog.Logger {
	return base.With().Uint16("peer_port", port).Str("file", filename).Logger()
}
