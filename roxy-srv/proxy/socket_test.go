package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketPeekThenReceive(t *testing.T) {
	sock, peer := socketPair(t)

	_, err := peer.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, sock.WaitReadable(time.Second))

	peeked, err := sock.Peek(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(peeked))

	// Peeking again returns the same bytes.
	peeked, err = sock.Peek(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(peeked))

	buf := make([]byte, 6)
	n, err := sock.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "hello ", string(buf))

	rest := make([]byte, 5)
	_, err = sock.Receive(rest)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest))
	assert.Equal(t, int64(11), sock.BytesReceived())
}

func TestSocketPeekEmptyAtEOF(t *testing.T) {
	sock, peer := socketPair(t)

	_, err := peer.Write([]byte("ab"))
	require.NoError(t, err)
	closeWrite(t, peer)

	buf := make([]byte, 2)
	_, err = sock.Receive(buf)
	require.NoError(t, err)

	peeked, err := sock.Peek(PeekBufferSize)
	require.NoError(t, err)
	assert.Empty(t, peeked)
}

func TestSocketWaitReadableTimeout(t *testing.T) {
	sock, peer := socketPair(t)

	err := sock.WaitReadable(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrKeepAliveTimeout)

	// The deadline is cleared again: later data is readable.
	_, err = peer.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, sock.WaitReadable(time.Second))
	peeked, err := sock.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, "x", string(peeked))
}

func TestSocketSendCountsBytes(t *testing.T) {
	sock, peer := socketPair(t)

	n, err := sock.Send([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), sock.BytesSent())
	assert.Equal(t, "ping", string(readExactly(t, peer, 4)))
}

func TestSocketCloseWriteKeepsReadOpen(t *testing.T) {
	sock, peer := socketPair(t)

	require.NoError(t, sock.CloseWrite())
	assert.Empty(t, readUntilClosed(t, peer))

	_, err := peer.Write([]byte("late"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = sock.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf))
}

func TestSocketCloseIsIdempotent(t *testing.T) {
	sock, _ := socketPair(t)

	require.True(t, sock.Valid())
	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())
	assert.False(t, sock.Valid())

	_, err := sock.Peek(1)
	assert.ErrorIs(t, err, net.ErrClosed)
	_, err = sock.Send([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestSocketInvalid(t *testing.T) {
	sock := NewSocket(nil)
	assert.False(t, sock.Valid())
	assert.Nil(t, sock.RemoteAddr())
	assert.NoError(t, sock.Close())

	var nilSock *Socket
	assert.False(t, nilSock.Valid())
}
