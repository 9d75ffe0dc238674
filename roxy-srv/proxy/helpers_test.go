package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = dialed.Close()
		_ = server.Close()
	})
	return dialed, server
}

// socketPair returns a Socket and the raw peer connection it talks to.
func socketPair(t *testing.T) (*Socket, net.Conn) {
	t.Helper()
	local, peer := tcpPair(t)
	sock := NewSocket(local)
	t.Cleanup(func() { _ = sock.Close() })
	return sock, peer
}

// writeInChunks writes data in pieces of size n with a short pause between
// them so the reader sees separate segments.
func writeInChunks(conn net.Conn, data []byte, n int) error {
	for len(data) > 0 {
		k := n
		if k > len(data) {
			k = len(data)
		}
		if _, err := conn.Write(data[:k]); err != nil {
			return err
		}
		data = data[k:]
		time.Sleep(200 * time.Microsecond)
	}
	return nil
}

// readExactly reads n bytes from conn or fails the test after a deadline.
func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

// readUntilClosed reads everything until the peer closes.
func readUntilClosed(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	defer conn.SetReadDeadline(time.Time{})
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return data
}

// closeWrite half-closes a TCP connection.
func closeWrite(t *testing.T, conn net.Conn) {
	t.Helper()
	tcp, ok := conn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())
}
