package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/pezcode/http-roxy/roxy-srv/config"
	"github.com/pezcode/http-roxy/roxy-srv/httpmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		target string
		host   string
		port   int
		code   string
	}{
		{"example.com", "example.com", 80, ""},
		{"example.com:8080", "example.com", 8080, ""},
		{" example.com ", "example.com", 80, ""},
		{"http://example.com/", "example.com", 80, ""},
		{"http://example.com:81/path?q=1", "example.com", 81, ""},
		{"example.com/path", "example.com", 80, ""},
		{"[::1]:8080", "::1", 8080, ""},
		{"[::1]", "::1", 80, ""},
		{"127.0.0.1:1", "127.0.0.1", 1, ""},
		{"example.com:0", "", 0, ErrCodeInvalidPort},
		{"example.com:65536", "", 0, ErrCodeInvalidPort},
		{"example.com:http", "", 0, ErrCodeInvalidPort},
		{"", "", 0, ErrCodeInvalidAddress},
		{"/relative/only", "", 0, ErrCodeInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			host, port, err := SplitTarget(tt.target)
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, tt.code, ErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestExtractHost(t *testing.T) {
	req := httpmsg.NewRequest()
	_, err := req.Feed([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "example.com", ExtractHost(req))

	host, port, err := SplitTarget(ExtractHost(req))
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 80, port)

	// Without a Host header the request target is used.
	req = httpmsg.NewRequest()
	_, err = req.Feed([]byte("GET http://other.org:8080/x HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://other.org:8080/x", ExtractHost(req))

	host, port, err = SplitTarget(ExtractHost(req))
	require.NoError(t, err)
	assert.Equal(t, "other.org", host)
	assert.Equal(t, 8080, port)
}

func TestConnectorForwardSelection(t *testing.T) {
	direct := &config.ForwardDefaultNetwork{Hosts: []string{"internal.example"}, ForceIPv4: true}
	socks := &config.ForwardSocks5{Address: "127.0.0.1:1080"}
	c := &Connector{forwards: []config.Forward{direct, socks}}

	assert.Same(t, direct, c.forwardFor("internal.example"))
	assert.Same(t, direct, c.forwardFor("api.Internal.Example"))
	assert.Equal(t, config.Forward(socks), c.forwardFor("elsewhere.org"))
	assert.Equal(t, config.Forward(socks), c.forwardFor("notinternal.example"))

	c = &Connector{}
	assert.Nil(t, c.forwardFor("example.com"))
}

func TestConnectorDialDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Write([]byte("hi"))
			_ = conn.Close()
		}
	}()

	cfg := config.Default()
	c := NewConnector(cfg)
	addr := ln.Addr().(*net.TCPAddr)

	conn, err := c.Dial(context.Background(), "127.0.0.1", addr.Port)
	require.NoError(t, err)
	defer conn.Close()
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestConnectorDialFailure(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.ConnectTimeoutSeconds = 2
	c := NewConnector(cfg)

	_, err = c.Dial(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, ErrCodeDialFailed, ErrorCode(err))

	_, err = c.Dial(context.Background(), "does-not-exist.invalid", 80)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func startSocks5(t *testing.T, creds go_socks5.StaticCredentials) string {
	t.Helper()
	conf := &go_socks5.Config{}
	if creds != nil {
		conf.Credentials = creds
	}
	server, err := go_socks5.New(conf)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = server.Serve(ln) }()
	return ln.Addr().String()
}

func TestConnectorDialThroughSocks5(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via socks"))
	}))
	defer backend.Close()
	backendAddr := backend.Listener.Addr().(*net.TCPAddr)

	user, pass := "roxy", "s3cret"
	socksAddr := startSocks5(t, go_socks5.StaticCredentials{user: pass})

	cfg := config.Default()
	cfg.ConnectTimeoutSeconds = 5
	cfg.Forwards = []config.Forward{&config.ForwardSocks5{
		Address:  socksAddr,
		Username: &user,
		Password: &pass,
	}}
	c := NewConnector(cfg)

	conn, err := c.Dial(context.Background(), "127.0.0.1", backendAddr.Port)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: 127.0.0.1:"+strconv.Itoa(backendAddr.Port)+"\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "via socks", string(body))
}

func TestConnectorSocks5AuthRejected(t *testing.T) {
	socksAddr := startSocks5(t, go_socks5.StaticCredentials{"roxy": "right"})

	user, pass := "roxy", "wrong"
	cfg := config.Default()
	cfg.ConnectTimeoutSeconds = 5
	cfg.Forwards = []config.Forward{&config.ForwardSocks5{
		Address:  socksAddr,
		Username: &user,
		Password: &pass,
	}}
	c := NewConnector(cfg)

	_, err := c.Dial(context.Background(), "127.0.0.1", 80)
	require.Error(t, err)
	assert.True(t, IsProxyChainError(err))
	assert.Equal(t, ErrCodeSOCKS5ConnectFailed, ErrorCode(err))
}
