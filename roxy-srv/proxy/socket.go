package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Socket is the explicit handle the pipeline uses for both client and
// upstream connections. Reads go through a buffered reader so bytes can be
// inspected with Peek before Receive removes exactly the number a parser
// accepted. A Socket is owned by one worker at a time.
type Socket struct {
	conn   net.Conn
	reader *bufio.Reader

	sent     int64
	received int64

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// NewSocket wraps conn. A nil conn yields an invalid socket.
func NewSocket(conn net.Conn) *Socket {
	s := &Socket{conn: conn}
	if conn != nil {
		s.reader = getReader(conn)
	}
	return s
}

// Valid reports whether the socket is connected and not yet closed.
func (s *Socket) Valid() bool {
	return s != nil && s.conn != nil && !s.closed
}

// RemoteAddr returns the peer address, or nil for an invalid socket.
func (s *Socket) RemoteAddr() net.Addr {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// WaitReadable blocks until at least one byte can be read, the peer closes
// (io.EOF) or timeout elapses (ErrKeepAliveTimeout).
func (s *Socket) WaitReadable(timeout time.Duration) error {
	if !s.Valid() {
		return net.ErrClosed
	}
	if s.reader.Buffered() > 0 {
		return nil
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := s.reader.Peek(1)
	if derr := s.conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKeepAliveTimeout
	}
	return err
}

// Peek returns up to max bytes without consuming them. It blocks until at
// least one byte is available and returns an empty slice at end of stream.
// The slice is only valid until the next Receive.
func (s *Socket) Peek(max int) ([]byte, error) {
	if !s.Valid() {
		return nil, net.ErrClosed
	}
	if _, err := s.reader.Peek(1); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, nil
		}
		return nil, err
	}
	n := s.reader.Buffered()
	if n > max {
		n = max
	}
	return s.reader.Peek(n)
}

// Receive consumes exactly len(p) bytes into p.
func (s *Socket) Receive(p []byte) (int, error) {
	if !s.Valid() {
		return 0, net.ErrClosed
	}
	n, err := io.ReadFull(s.reader, p)
	s.received += int64(n)
	return n, err
}

// Send writes p to the peer and returns how many bytes were accepted.
func (s *Socket) Send(p []byte) (int, error) {
	if !s.Valid() {
		return 0, net.ErrClosed
	}
	n, err := s.conn.Write(p)
	s.sent += int64(n)
	return n, err
}

// Write makes Socket an io.Writer for small proxy-generated responses.
func (s *Socket) Write(p []byte) (int, error) {
	return s.Send(p)
}

// CloseWrite half-closes the socket: the peer sees EOF while responses can
// still be read. Connections without half-close support are left open.
func (s *Socket) CloseWrite() error {
	if !s.Valid() {
		return net.ErrClosed
	}
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// BytesSent returns the total bytes written through Send.
func (s *Socket) BytesSent() int64 { return s.sent }

// BytesReceived returns the total bytes consumed through Receive.
func (s *Socket) BytesReceived() int64 { return s.received }

// Close closes the connection. It is safe to call more than once.
func (s *Socket) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed = true
		s.closeErr = s.conn.Close()
		putReader(s.reader)
		s.reader = nil
	})
	return s.closeErr
}
