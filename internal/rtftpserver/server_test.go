package rtftpserver

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

func TestServer_ServesSmallFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default"), 0o755))
	// Exactly one default-size block, so a zero-length terminal block follows.
	content := bytes.Repeat([]byte("hi there"), 64)
	require.NoError(t, os.WriteFile(filepath.Join(root, "default", "greeting.txt"), content, 0o644))

	res := &resolver.Resolver{RootDir: root, Log: zerolog.Nop()}
	srv, err := New(Config{ListenIP: net.IPv4(127, 0, 0, 1), IdleTimeout: time.Minute}, res, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(3*time.Second)))

	rrq := append([]byte{0, 1}, []byte("greeting.txt\x00octet\x00")...)
	_, err = client.WriteToUDP(rrq, srv.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 2048)
	n, sessionAddr, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, wire.OpDATA, wire.Opcode(uint16(buf[0])<<8|uint16(buf[1])))
	require.Equal(t, string(content), string(buf[4:n]))

	_, err = client.WriteToUDP(wire.SerializeAck(1), sessionAddr)
	require.NoError(t, err)

	n, _, err = client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestServer_RejectsMalformedRequest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default"), 0o755))

	res := &resolver.Resolver{RootDir: root, Log: zerolog.Nop()}
	srv, err := New(Config{ListenIP: net.IPv4(127, 0, 0, 1), IdleTimeout: time.Minute}, res, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(3*time.Second)))

	_, err = client.WriteToUDP([]byte{0, 2, 0}, srv.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 2048)
	_, _, err = client.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, wire.OpERROR, wire.Opcode(uint16(buf[0])<<8|uint16(buf[1])))
}
