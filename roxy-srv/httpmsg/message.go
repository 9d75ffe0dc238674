// Package httpmsg implements an incremental HTTP/1.x message parser.
//
// Bytes are pushed into a Message with Feed, which reports how many of them
// belong to the message. Feed stops exactly at the end of the header block and
// exactly at the end of the body, so a caller that only consumes the reported
// count from its transport never reads into the next message.
package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Kind distinguishes requests from responses.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

const (
	// MaxHeaderBytes bounds the start line plus header fields.
	MaxHeaderBytes = 64 << 10
	// maxLineBytes bounds chunk-size lines and trailer fields.
	maxLineBytes = 4096
)

var (
	ErrHeaderTooLarge              = errors.New("httpmsg: header block too large")
	ErrMalformedStartLine          = errors.New("httpmsg: malformed start line")
	ErrMalformedHeader             = errors.New("httpmsg: malformed header field")
	ErrInvalidContentLength        = errors.New("httpmsg: invalid content length")
	ErrInvalidChunk                = errors.New("httpmsg: invalid chunk framing")
	ErrUnsupportedTransferEncoding = errors.New("httpmsg: unsupported transfer encoding")
)

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyFixed
	bodyChunked
	bodyUntilEOF
)

type chunkState int

const (
	chunkSizeLine chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// Message holds the parse state of one HTTP request or response. A Message
// is reused across keep-alive cycles by calling Clear before each new message.
type Message struct {
	kind     Kind
	skipBody bool

	head            []byte
	headersComplete bool
	complete        bool

	method string
	url    string
	status int
	major  int
	minor  int
	header textproto.MIMEHeader

	mode      bodyMode
	remaining int64
	chunk     chunkState
	line      []byte
	bodyBytes int64

	keepAlive bool
	upgrade   bool
}

// NewRequest returns an empty request message.
func NewRequest() *Message {
	return &Message{kind: KindRequest}
}

// NewResponse returns an empty response message.
func NewResponse() *Message {
	return &Message{kind: KindResponse}
}

// Clear resets the message for the next exchange on the same connection.
func (m *Message) Clear() {
	*m = Message{
		kind: m.kind,
		head: m.head[:0],
		line: m.line[:0],
	}
}

// SetSkipBody marks a response as body-less regardless of its framing
// headers, which is how responses to HEAD requests are read. It must be
// called before the header block completes.
func (m *Message) SetSkipBody(skip bool) {
	m.skipBody = skip
}

// Feed parses data and returns how many leading bytes of it belong to the
// message. A zero-length data signals end of stream: it completes a body that
// is delimited by connection close and is otherwise a no-op.
func (m *Message) Feed(data []byte) (int, error) {
	switch {
	case m.complete:
		return 0, nil
	case !m.headersComplete:
		return m.feedHeader(data)
	default:
		return m.feedBody(data)
	}
}

func (m *Message) feedHeader(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	skipped := 0
	if len(m.head) == 0 {
		// RFC 9112 2.2: ignore empty lines received before the start line.
		for skipped < len(data) && (data[skipped] == '\r' || data[skipped] == '\n') {
			skipped++
		}
		if skipped == len(data) {
			return skipped, nil
		}
	}

	searchFrom := len(m.head) - 3
	if searchFrom < 0 {
		searchFrom = 0
	}
	m.head = append(m.head, data[skipped:]...)

	end := headerEnd(m.head, searchFrom)
	if end < 0 {
		if len(m.head) > MaxHeaderBytes {
			return len(data), ErrHeaderTooLarge
		}
		return len(data), nil
	}
	if end > MaxHeaderBytes {
		return len(data), ErrHeaderTooLarge
	}

	extra := len(m.head) - end
	m.head = m.head[:end]
	consumed := len(data) - extra

	if err := m.parseHead(); err != nil {
		return consumed, err
	}
	if err := m.decideFraming(); err != nil {
		return consumed, err
	}
	m.headersComplete = true
	if m.mode == bodyNone {
		m.complete = true
	}
	return consumed, nil
}

// headerEnd returns the offset just past the blank line that terminates the
// header block, or -1. Bare LF line endings are tolerated.
func headerEnd(b []byte, from int) int {
	end := -1
	if i := bytes.Index(b[from:], []byte("\r\n\r\n")); i >= 0 {
		end = from + i + 4
	}
	if i := bytes.Index(b[from:], []byte("\n\n")); i >= 0 && (end < 0 || from+i+2 < end) {
		end = from + i + 2
	}
	return end
}

func (m *Message) parseHead() error {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(m.head)))
	line, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedStartLine, err)
	}

	if m.kind == KindRequest {
		err = m.parseRequestLine(line)
	} else {
		err = m.parseStatusLine(line)
	}
	if err != nil {
		return err
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	m.header = header
	return nil
}

func (m *Message) parseRequestLine(line string) error {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return fmt.Errorf("%w: bad version %q", ErrMalformedStartLine, proto)
	}
	m.method, m.url, m.major, m.minor = method, target, major, minor
	return nil
}

func (m *Message) parseStatusLine(line string) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return fmt.Errorf("%w: bad version %q", ErrMalformedStartLine, proto)
	}
	code, _, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return fmt.Errorf("%w: bad status %q", ErrMalformedStartLine, code)
	}
	m.status, m.major, m.minor = status, major, minor
	return nil
}

func (m *Message) decideFraming() error {
	codings := headerTokens(m.header, "Transfer-Encoding")
	lengths := m.header.Values("Content-Length")

	switch {
	case len(codings) > 0:
		if codings[len(codings)-1] == "chunked" {
			m.mode = bodyChunked
		} else if m.kind == KindRequest {
			return fmt.Errorf("%w: %s", ErrUnsupportedTransferEncoding, strings.Join(codings, ", "))
		} else {
			m.mode = bodyUntilEOF
		}
	case len(lengths) > 0:
		n, err := parseContentLength(lengths)
		if err != nil {
			return err
		}
		m.mode, m.remaining = bodyFixed, n
		if n == 0 {
			m.mode = bodyNone
		}
	case m.kind == KindRequest:
		m.mode = bodyNone
	default:
		m.mode = bodyUntilEOF
	}

	if m.kind == KindResponse && (m.skipBody || m.status/100 == 1 || m.status == http.StatusNoContent || m.status == http.StatusNotModified) {
		m.mode = bodyNone
	}

	connection := headerTokens(m.header, "Connection")
	if m.major > 1 || (m.major == 1 && m.minor >= 1) {
		m.keepAlive = !contains(connection, "close")
	} else {
		m.keepAlive = contains(connection, "keep-alive")
	}
	if m.mode == bodyUntilEOF {
		m.keepAlive = false
	}

	if m.kind == KindRequest {
		m.upgrade = contains(connection, "upgrade") && m.HasHeader("Upgrade")
	} else {
		m.upgrade = m.status == http.StatusSwitchingProtocols
	}
	return nil
}

func parseContentLength(values []string) (int64, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			parsed, err := strconv.ParseInt(part, 10, 64)
			if err != nil || parsed < 0 || part[0] == '+' {
				return 0, fmt.Errorf("%w: %q", ErrInvalidContentLength, v)
			}
			if n >= 0 && parsed != n {
				return 0, fmt.Errorf("%w: conflicting values %d and %d", ErrInvalidContentLength, n, parsed)
			}
			n = parsed
		}
	}
	return n, nil
}

func (m *Message) feedBody(data []byte) (int, error) {
	switch m.mode {
	case bodyFixed:
		if len(data) == 0 {
			return 0, nil
		}
		n := int64(len(data))
		if n > m.remaining {
			n = m.remaining
		}
		m.remaining -= n
		m.bodyBytes += n
		if m.remaining == 0 {
			m.complete = true
		}
		return int(n), nil
	case bodyUntilEOF:
		if len(data) == 0 {
			m.complete = true
			return 0, nil
		}
		m.bodyBytes += int64(len(data))
		return len(data), nil
	case bodyChunked:
		return m.feedChunked(data)
	default:
		return 0, nil
	}
}

// feedChunked walks chunk-size lines, chunk data, the CRLF after each chunk
// and the trailer section. It stops on the final CRLF of the trailer.
func (m *Message) feedChunked(data []byte) (int, error) {
	i := 0
	for i < len(data) && !m.complete {
		switch m.chunk {
		case chunkData:
			n := int64(len(data) - i)
			if n > m.remaining {
				n = m.remaining
			}
			i += int(n)
			m.remaining -= n
			m.bodyBytes += n
			if m.remaining == 0 {
				m.chunk = chunkDataEnd
			}
			continue
		}

		line, advanced, done := m.takeLine(data[i:])
		i += advanced
		if !done {
			if len(m.line) > maxLineBytes {
				return i, fmt.Errorf("%w: line too long", ErrInvalidChunk)
			}
			continue
		}

		switch m.chunk {
		case chunkSizeLine:
			size, err := parseChunkSize(line)
			if err != nil {
				return i, err
			}
			if size == 0 {
				m.chunk = chunkTrailer
			} else {
				m.remaining = size
				m.chunk = chunkData
			}
		case chunkDataEnd:
			if len(line) != 0 {
				return i, fmt.Errorf("%w: missing CRLF after chunk data", ErrInvalidChunk)
			}
			m.chunk = chunkSizeLine
		case chunkTrailer:
			if len(line) == 0 {
				m.complete = true
			}
		}
	}
	return i, nil
}

// takeLine accumulates bytes up to and including the next LF. It returns the
// line without its CRLF, how many bytes of data were used, and whether a
// full line is available.
func (m *Message) takeLine(data []byte) ([]byte, int, bool) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		m.line = append(m.line, data...)
		return nil, len(data), false
	}
	m.line = append(m.line, data[:nl]...)
	line := bytes.TrimSuffix(m.line, []byte("\r"))
	m.line = m.line[:0]
	return line, nl + 1, true
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	s := strings.TrimSpace(string(line))
	if s == "" {
		return 0, fmt.Errorf("%w: empty chunk size", ErrInvalidChunk)
	}
	size, err := strconv.ParseInt(s, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrInvalidChunk, s)
	}
	return size, nil
}

func headerTokens(h textproto.MIMEHeader, name string) []string {
	var tokens []string
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}

func contains(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

// Kind reports whether m is a request or a response.
func (m *Message) Kind() Kind { return m.kind }

// HeadersComplete reports whether the start line and all header fields were parsed.
func (m *Message) HeadersComplete() bool { return m.headersComplete }

// Complete reports whether the header and the whole framed body were parsed.
func (m *Message) Complete() bool { return m.complete }

// ShouldKeepAlive reports whether the sender intends to reuse the connection.
func (m *Message) ShouldKeepAlive() bool { return m.keepAlive }

// Upgrade reports a protocol upgrade request (or a 101 response).
func (m *Message) Upgrade() bool { return m.upgrade }

// Method returns the request method.
func (m *Message) Method() string { return m.method }

// URL returns the request target exactly as sent.
func (m *Message) URL() string { return m.url }

// StatusCode returns the response status code.
func (m *Message) StatusCode() int { return m.status }

func (m *Message) MajorVersion() int { return m.major }
func (m *Message) MinorVersion() int { return m.minor }

// Header returns the first value of the named header field.
func (m *Message) Header(name string) string {
	return m.header.Get(name)
}

// HasHeader reports whether the named header field is present, even if empty.
func (m *Message) HasHeader(name string) bool {
	_, ok := m.header[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// HeaderSize returns the length of the parsed header block.
func (m *Message) HeaderSize() int { return len(m.head) }

// BodyBytes returns the number of body bytes parsed so far, excluding chunk framing.
func (m *Message) BodyBytes() int64 { return m.bodyBytes }
