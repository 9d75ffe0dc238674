package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProxy answers every request on a connection with a fixed body until
// the client asks to close.
func fakeProxy(t *testing.T, status int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					head := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 2\r\n\r\nok", status, http.StatusText(status))
					if _, err := conn.Write([]byte(head)); err != nil {
						return
					}
					if req.Close {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newCheck(t *testing.T, addr string, connections int) *Check {
	target, err := url.Parse("http://example.com/")
	require.NoError(t, err)
	return &Check{
		ProxyAddr:   addr,
		Target:      target,
		Timeout:     2 * time.Second,
		Connections: connections,
	}
}

func TestCheckRunsKeepAliveCycles(t *testing.T) {
	addr := fakeProxy(t, http.StatusOK)
	check := newCheck(t, addr, 3)

	require.NoError(t, check.Run(4))
	require.Len(t, check.Results, 12)
	assert.True(t, check.passed(4))
	for i, r := range check.Results {
		assert.Equal(t, i/4+1, r.Conn)
		assert.Equal(t, i%4+1, r.Cycle)
		assert.Equal(t, 2, r.Bytes)
	}
}

func TestCheckReportsProxyAuthRequired(t *testing.T) {
	addr := fakeProxy(t, http.StatusProxyAuthRequired)
	check := newCheck(t, addr, 1)

	require.NoError(t, check.Run(2))
	require.Len(t, check.Results, 1)
	assert.False(t, check.Results[0].Success)
	assert.Equal(t, http.StatusProxyAuthRequired, check.Results[0].Status)
	assert.False(t, check.passed(2))
}

func TestCheckDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	check := newCheck(t, addr, 1)
	assert.Error(t, check.Run(1))
	assert.False(t, check.passed(1))
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(9), percentile(sorted, 0.9))
	assert.Equal(t, time.Duration(10), percentile(sorted, 0.99))
	assert.Equal(t, time.Duration(1), percentile(sorted, 0))
}
