package proxy

import (
	"errors"

	"github.com/pezcode/http-roxy/roxy-srv/httpmsg"
)

// ForwardMessage writes header to `to` and then relays the body of msg from
// `from`, never consuming more than the parser accepts. It reports whether
// the message completed.
//
// A peer that closes early yields (false, ErrPrematureEOF). When bytes beyond
// the message end were already waiting, the message itself is still relayed
// but (false, ErrPipelinedData) is returned and the extra bytes stay unread.
func ForwardMessage(header []byte, msg *httpmsg.Message, from, to *Socket) (bool, error) {
	if len(header) == 0 || !msg.HeadersComplete() {
		return false, newError(ErrCodeInternalError, errors.New("message header not complete"))
	}
	if !from.Valid() || !to.Valid() {
		return false, newError(ErrCodeConnectionClosed, nil)
	}

	if err := sendAll(to, header); err != nil {
		return false, err
	}

	scratch := getBuffer()
	defer putBuffer(scratch)

	for !msg.Complete() {
		peeked, err := from.Peek(len(*scratch))
		if err != nil {
			return false, err
		}

		n, err := msg.Feed(peeked)
		if err != nil {
			return false, err
		}
		if n == 0 {
			if len(peeked) > 0 {
				return false, newError(ErrCodeInternalError, errors.New("parser made no progress"))
			}
			// End of stream. Feed(nil) above completes EOF-delimited bodies.
			break
		}

		buf := (*scratch)[:n]
		if _, err := from.Receive(buf); err != nil {
			return false, err
		}
		if err := sendAll(to, buf); err != nil {
			return false, err
		}

		if n < len(peeked) && msg.Complete() {
			return false, ErrPipelinedData
		}
	}

	if !msg.Complete() {
		return false, ErrPrematureEOF
	}
	return true, nil
}

func sendAll(to *Socket, p []byte) error {
	n, err := to.Send(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrShortWrite
	}
	return nil
}
