package httpmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll pushes data one byte at a time and returns how many bytes were
// accepted before the message stopped consuming.
func feedAll(t *testing.T, m *Message, data string) int {
	t.Helper()
	total := 0
	for total < len(data) {
		n, err := m.Feed([]byte(data[total : total+1]))
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

func TestRequestHeaderOnly(t *testing.T) {
	m := NewRequest()
	raw := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"

	n, err := m.Feed([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.True(t, m.HeadersComplete())
	assert.True(t, m.Complete())
	assert.Equal(t, "GET", m.Method())
	assert.Equal(t, "http://example.com/", m.URL())
	assert.Equal(t, 1, m.MajorVersion())
	assert.Equal(t, 1, m.MinorVersion())
	assert.Equal(t, "example.com", m.Header("host"))
	assert.True(t, m.ShouldKeepAlive())
	assert.False(t, m.Upgrade())
}

func TestFeedStopsAtHeaderEndWhenBodyFollows(t *testing.T) {
	m := NewRequest()
	head := "POST /x HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\n"

	n, err := m.Feed([]byte(head + "hello"))
	require.NoError(t, err)
	assert.Equal(t, len(head), n)
	assert.True(t, m.HeadersComplete())
	assert.False(t, m.Complete())

	n, err = m.Feed([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, m.Complete())
	assert.EqualValues(t, 5, m.BodyBytes())
}

func TestFeedStopsAtMessageEnd(t *testing.T) {
	m := NewRequest()
	first := "GET /a HTTP/1.1\r\nHost: a\r\n\r\n"
	second := "GET /b HTTP/1.1\r\nHost: a\r\n\r\n"

	n, err := m.Feed([]byte(first + second))
	require.NoError(t, err)
	assert.Equal(t, len(first), n)
	assert.True(t, m.Complete())

	n, err = m.Feed([]byte(second))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHeaderSplitAcrossFeeds(t *testing.T) {
	m := NewResponse()
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc"

	assert.Equal(t, len(raw), feedAll(t, m, raw+"GARBAGE"))
	assert.True(t, m.Complete())
	assert.Equal(t, 200, m.StatusCode())
}

func TestLeadingEmptyLinesSkipped(t *testing.T) {
	m := NewRequest()
	raw := "\r\n\r\nGET / HTTP/1.1\r\nHost: a\r\n\r\n"

	n, err := m.Feed([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "GET", m.Method())
}

func TestBareLFHeaders(t *testing.T) {
	m := NewRequest()
	raw := "GET / HTTP/1.1\nHost: a\n\n"

	n, err := m.Feed([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "a", m.Header("Host"))
}

func TestChunkedBody(t *testing.T) {
	body := "4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\nX-Trailer: yes\r\n\r\n"
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + body

	t.Run("single feed", func(t *testing.T) {
		m := NewResponse()
		total := 0
		for total < len(raw) {
			n, err := m.Feed([]byte(raw[total:] + "NEXT"))
			require.NoError(t, err)
			require.NotZero(t, n)
			total += n
		}
		assert.Equal(t, len(raw), total)
		assert.True(t, m.Complete())
		assert.EqualValues(t, 9, m.BodyBytes())
	})

	t.Run("byte at a time", func(t *testing.T) {
		m := NewResponse()
		assert.Equal(t, len(raw), feedAll(t, m, raw+"NEXT"))
		assert.True(t, m.Complete())
		assert.True(t, m.ShouldKeepAlive())
	})
}

func TestChunkedErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad size", "zz\r\n"},
		{"empty size", "\r\n"},
		{"missing crlf after data", "3\r\nabcX\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewRequest()
			head := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"
			n, err := m.Feed([]byte(head))
			require.NoError(t, err)
			require.Equal(t, len(head), n)

			_, err = m.Feed([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidChunk)
		})
	}
}

func TestResponseUntilEOF(t *testing.T) {
	m := NewResponse()
	head := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"

	n, err := m.Feed([]byte(head))
	require.NoError(t, err)
	assert.Equal(t, len(head), n)
	assert.False(t, m.ShouldKeepAlive())

	n, err = m.Feed([]byte("some data"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.False(t, m.Complete())

	n, err = m.Feed(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, m.Complete())
}

func TestEOFDoesNotCompleteFramedBody(t *testing.T) {
	m := NewResponse()
	_, err := m.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"))
	require.NoError(t, err)

	n, err := m.Feed(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, m.Complete())
}

func TestSkipBodyForHEAD(t *testing.T) {
	m := NewResponse()
	m.SetSkipBody(true)
	head := "HTTP/1.1 200 OK\r\nContent-Length: 500\r\n\r\n"

	n, err := m.Feed([]byte(head))
	require.NoError(t, err)
	assert.Equal(t, len(head), n)
	assert.True(t, m.Complete())
	assert.True(t, m.ShouldKeepAlive())
}

func TestNoBodyStatuses(t *testing.T) {
	for _, status := range []string{"100 Continue", "204 No Content", "304 Not Modified"} {
		t.Run(status, func(t *testing.T) {
			m := NewResponse()
			head := "HTTP/1.1 " + status + "\r\nContent-Length: 12\r\n\r\n"
			n, err := m.Feed([]byte(head))
			require.NoError(t, err)
			assert.Equal(t, len(head), n)
			assert.True(t, m.Complete())
		})
	}
}

func TestKeepAliveMatrix(t *testing.T) {
	tests := []struct {
		name string
		head string
		want bool
	}{
		{"1.1 default", "GET / HTTP/1.1\r\n\r\n", true},
		{"1.1 close", "GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		{"1.1 close token list", "GET / HTTP/1.1\r\nConnection: Upgrade, Close\r\n\r\n", false},
		{"1.0 default", "GET / HTTP/1.0\r\n\r\n", false},
		{"1.0 keep-alive", "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewRequest()
			_, err := m.Feed([]byte(tt.head))
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.ShouldKeepAlive())
		})
	}
}

func TestUpgradeDetection(t *testing.T) {
	m := NewRequest()
	_, err := m.Feed([]byte("GET /ws HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))
	require.NoError(t, err)
	assert.True(t, m.Upgrade())

	m.Clear()
	_, err = m.Feed([]byte("GET /ws HTTP/1.1\r\nHost: a\r\nUpgrade: websocket\r\n\r\n"))
	require.NoError(t, err)
	assert.False(t, m.Upgrade())

	r := NewResponse()
	_, err = r.Feed([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"))
	require.NoError(t, err)
	assert.True(t, r.Upgrade())
}

func TestHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		raw  string
		want error
	}{
		{"no version", KindRequest, "GET /\r\n\r\n", ErrMalformedStartLine},
		{"bad version", KindRequest, "GET / HTTX/1.1\r\n\r\n", ErrMalformedStartLine},
		{"bad status", KindResponse, "HTTP/1.1 2x0 OK\r\n\r\n", ErrMalformedStartLine},
		{"bad field", KindRequest, "GET / HTTP/1.1\r\nno colon here\r\n\r\n", ErrMalformedHeader},
		{"bad length", KindRequest, "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", ErrInvalidContentLength},
		{"conflicting length", KindRequest, "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", ErrInvalidContentLength},
		{"gzip request", KindRequest, "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", ErrUnsupportedTransferEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{kind: tt.kind}
			_, err := m.Feed([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHeaderTooLarge(t *testing.T) {
	m := NewRequest()
	_, err := m.Feed([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	filler := make([]byte, 1024)
	for i := range filler {
		filler[i] = 'a'
	}
	var lastErr error
	for i := 0; i < 70 && lastErr == nil; i++ {
		_, lastErr = m.Feed(append([]byte("X-Pad: "), append(filler, '\r', '\n')...))
	}
	assert.ErrorIs(t, lastErr, ErrHeaderTooLarge)
}

func TestClearKeepsKindAndResetsSkipBody(t *testing.T) {
	m := NewResponse()
	m.SetSkipBody(true)
	_, err := m.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, m.Complete())

	m.Clear()
	assert.Equal(t, KindResponse, m.Kind())
	assert.False(t, m.HeadersComplete())

	_, err = m.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n"))
	require.NoError(t, err)
	assert.False(t, m.Complete())
	assert.False(t, m.HasHeader("X-Missing"))
	assert.True(t, m.HasHeader("content-length"))
}
