package dispatch

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wjholden/rtftpd/internal/resolver"
	"github.com/wjholden/rtftpd/internal/wire"
)

func newTestClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	return conn
}

func TestPeerHandler_ServesFileEndToEnd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default"), 0o755))
	// Exactly one default-size block, so a zero-length terminal block follows.
	content := bytes.Repeat([]byte("hello---"), 64)
	require.NoError(t, os.WriteFile(filepath.Join(root, "default", "file.txt"), content, 0o644))

	client := newTestClient(t)
	res := &resolver.Resolver{RootDir: root, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peerAddr := client.LocalAddr().(*net.UDPAddr)
	h := NewPeerHandler(ctx, peerAddr.IP.String(), net.IPv4(127, 0, 0, 1), res, time.Minute, zerolog.Nop())

	require.True(t, h.Feed(uint16(peerAddr.Port), &wire.ReadRequest{Filename: "file.txt", Options: map[string]string{}}))

	buf := make([]byte, 2048)
	n, sessionAddr, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, wire.OpDATA, wire.Opcode(uint16(buf[0])<<8|uint16(buf[1])))
	require.Equal(t, string(content), string(buf[4:n]))

	_, err = client.WriteToUDP(wire.SerializeAck(1), sessionAddr)
	require.NoError(t, err)

	n, _, err = client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n, "terminal block should be zero-length payload")
}

func TestPeerHandler_MissingFileSendsError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default"), 0o755))

	client := newTestClient(t)
	res := &resolver.Resolver{RootDir: root, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peerAddr := client.LocalAddr().(*net.UDPAddr)
	h := NewPeerHandler(ctx, peerAddr.IP.String(), net.IPv4(127, 0, 0, 1), res, time.Minute, zerolog.Nop())

	require.True(t, h.Feed(uint16(peerAddr.Port), &wire.ReadRequest{Filename: "nope.txt", Options: map[string]string{}}))

	buf := make([]byte, 2048)
	_, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, wire.OpERROR, wire.Opcode(uint16(buf[0])<<8|uint16(buf[1])))
	require.Equal(t, wire.ErrFileNotFound, uint16(buf[2])<<8|uint16(buf[3]))
}

func TestAdmit_RefusesOverMaxSessions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "default", "file.txt"), []byte("x"), 0o644))

	client := newTestClient(t)
	peerAddr := client.LocalAddr().(*net.UDPAddr)
	res := &resolver.Resolver{RootDir: root, Log: zerolog.Nop()}
	chain := res.Build(peerAddr.IP.String())

	h := &PeerHandler{peerIP: peerAddr.IP.String()}
	sessions := make(map[uint16]*sessionState, maxSessionsPerIP)
	for i := 0; i < maxSessionsPerIP; i++ {
		s := &sessionState{finished: make(chan struct{})}
		sessions[uint16(20000+i)] = s
	}

	fatal := h.admit(context.Background(), net.IPv4(127, 0, 0, 1), chain, sessions, inboundRequest{
		port: uint16(peerAddr.Port),
		rrq:  &wire.ReadRequest{Filename: "file.txt", Options: map[string]string{}},
	}, zerolog.Nop(), false)

	buf := make([]byte, 2048)
	_, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, wire.OpERROR, wire.Opcode(uint16(buf[0])<<8|uint16(buf[1])))
	require.Len(t, sessions, maxSessionsPerIP, "no session should have been admitted")
	require.True(t, fatal, "exceeding the per-IP session cap must be reported as a fatal handler error")
}

func TestPeerHandler_TerminatesAfterMaxSessionsExceeded(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "default", "file.txt"), []byte("x"), 0o644))

	client := newTestClient(t)
	res := &resolver.Resolver{RootDir: root, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peerAddr := client.LocalAddr().(*net.UDPAddr)
	h := NewPeerHandler(ctx, peerAddr.IP.String(), net.IPv4(127, 0, 0, 1), res, time.Minute, zerolog.Nop())

	// Each session sends to its own peer socket, so every admitted session's
	// first data block can be observed.
	peers := make([]*net.UDPConn, 0, maxSessionsPerIP)
	sessionAddrs := make([]*net.UDPAddr, 0, maxSessionsPerIP)
	for i := 0; i < maxSessionsPerIP; i++ {
		peer := newTestClient(t)
		require.True(t, h.Feed(uint16(peer.LocalAddr().(*net.UDPAddr).Port), &wire.ReadRequest{Filename: "file.txt", Options: map[string]string{}}))
		buf := make([]byte, 2048)
		_, sessionAddr, err := peer.ReadFromUDP(buf)
		require.NoError(t, err, "each admitted session should send its first data block")
		peers = append(peers, peer)
		sessionAddrs = append(sessionAddrs, sessionAddr)
	}

	require.True(t, h.Feed(uint16(peerAddr.Port), &wire.ReadRequest{Filename: "file.txt", Options: map[string]string{}}))

	buf := make([]byte, 2048)
	_, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, wire.OpERROR, wire.Opcode(uint16(buf[0])<<8|uint16(buf[1])))

	// The handler waits for its in-flight sessions before exiting; each one
	// finishes once its only block is acknowledged.
	for i, peer := range peers {
		_, err := peer.WriteToUDP(wire.SerializeAck(1), sessionAddrs[i])
		require.NoError(t, err)
	}

	require.Eventually(t, h.IsFinished, time.Second, 10*time.Millisecond, "peer handler should terminate after the admission cap is exceeded")
}
