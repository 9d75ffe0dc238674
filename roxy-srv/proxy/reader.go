package proxy

import (
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/httpmsg"
)

// ReceiveMessageHeader reads the header block of msg from sock and returns
// its bytes. msg must be freshly cleared. The socket gets timeout to become
// readable. After that each step peeks what is buffered, lets the parser
// decide how much of it belongs to the header, and consumes exactly that
// much. Bytes after the header stay on the socket.
//
// On failure the bytes accumulated so far are returned together with the
// error, and msg.HeadersComplete() is false.
func ReceiveMessageHeader(msg *httpmsg.Message, sock *Socket, timeout time.Duration) ([]byte, error) {
	if err := sock.WaitReadable(timeout); err != nil {
		return nil, err
	}

	scratch := getBuffer()
	defer putBuffer(scratch)

	var header []byte
	for !msg.HeadersComplete() {
		peeked, err := sock.Peek(len(*scratch))
		if err != nil {
			return header, err
		}

		n, err := msg.Feed(peeked)
		if err != nil {
			return header, err
		}
		if n == 0 {
			return header, ErrPrematureEOF
		}

		buf := (*scratch)[:n]
		if _, err := sock.Receive(buf); err != nil {
			return header, err
		}
		header = append(header, buf...)
	}

	// Empty lines before the start line are consumed but not part of the header.
	if skipped := len(header) - msg.HeaderSize(); skipped > 0 {
		header = header[skipped:]
	}
	return header, nil
}
