package session

import (
	"net"
	"time"
)

// Stream owns the ephemeral UDP socket a session speaks on once a peer's
// request has moved off the shared listener socket, per spec.md §4.6
// ("each accepted request gets its own ephemeral source port"). It filters
// "alien" datagrams — ones not from the expected peer address — and runts,
// mirroring original_source/src/peer_handler/mod.rs's DatagramStream.
type Stream struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

// NewStream wraps an already-bound UDP socket and the peer address it will
// exchange datagrams with. Callers (internal/dispatch) own binding the
// socket; Stream owns filtering and framing.
func NewStream(conn *net.UDPConn, peer *net.UDPAddr) *Stream {
	return &Stream{conn: conn, peer: peer}
}

func (s *Stream) Send(buf []byte) error {
	_, err := s.conn.WriteToUDP(buf, s.peer)
	return err
}

// recv reads one datagram before deadline, discarding datagrams that did
// not originate from the session's peer address (spec.md §9 "datagrams
// from unexpected sources are discarded, not treated as protocol errors").
// Runts (datagrams shorter than the 4-byte ACK) are discarded as well.
// It returns (0, true, nil) on a read timeout.
func (s *Stream) recv(buf []byte, deadline time.Time) (n int, timedOut bool, err error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, false, err
	}
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, true, nil
			}
			return 0, false, err
		}
		if !addr.IP.Equal(s.peer.IP) || addr.Port != s.peer.Port {
			continue
		}
		if n < 4 {
			continue
		}
		return n, false, nil
	}
}

// Close releases the underlying socket.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) localPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}
