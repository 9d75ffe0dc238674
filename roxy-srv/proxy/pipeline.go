package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pezcode/http-roxy/roxy-srv/auth"
	"github.com/pezcode/http-roxy/roxy-srv/httpmsg"
	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"github.com/pezcode/http-roxy/roxy-srv/metrics"
	"github.com/pezcode/http-roxy/roxy-srv/stats"
)

// Cycle abort reasons, used as metric labels and stats error types.
const (
	abortTimeout     = "timeout"
	abortEOF         = "eof"
	abortPipelined   = "pipelined"
	abortAuth        = "auth"
	abortBlocked     = "blocked"
	abortUnsupported = "unsupported"
	abortConnect     = "connect"
	abortHTTP        = "http"
	abortInternal    = "internal"
)

// pipeline owns one client connection and, lazily, its upstream connection.
// It runs request/response cycles until keep-alive ends or a cycle aborts.
type pipeline struct {
	p   *Proxy
	ctx context.Context
	log logger.Scoped

	connUUID string
	clientIP string

	client   *Socket
	upstream *Socket
	tracked  *trackedConn
	target   string
	connID   int64

	req  *httpmsg.Message
	resp *httpmsg.Message
}

func newPipeline(ctx context.Context, p *Proxy, workerID int, client *Socket) *pipeline {
	connUUID := uuid.NewString()
	clientIP := ""
	if addr := client.RemoteAddr(); addr != nil {
		clientIP = addr.String()
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
	}
	return &pipeline{
		p: p,
		// In-flight I/O is not interrupted by shutdown; only dequeue is.
		ctx:      context.WithoutCancel(ctx),
		log:      logger.Scope("worker=%d conn=%s", workerID, connUUID),
		connUUID: connUUID,
		clientIP: clientIP,
		client:   client,
		req:      httpmsg.NewRequest(),
		resp:     httpmsg.NewResponse(),
	}
}

// serve runs cycles until the connection ends, then closes both sockets.
func (pl *pipeline) serve() {
	pl.log.Debug("Accepted connection from %s", pl.clientIP)

	reason := "normal"
	cycles := 0
	for {
		keepAlive, err := pl.cycle()
		if err != nil {
			reason = pl.abort(err, cycles)
			break
		}
		cycles++
		if !keepAlive {
			pl.log.Debug("Closing after %d cycle(s): keep-alive not negotiated", cycles)
			break
		}
	}
	pl.close(reason)
}

// cycle runs one request/response exchange and reports whether the connection
// may carry another one.
func (pl *pipeline) cycle() (bool, error) {
	ctx := pl.ctx
	timeout := pl.p.config.KeepAliveTimeout()

	pl.req.Clear()
	header, err := ReceiveMessageHeader(pl.req, pl.client, timeout)
	if err != nil {
		return false, newError(ErrCodeRequestHeaderFailed, err)
	}

	method := pl.req.Method()
	major, minor := pl.req.MajorVersion(), pl.req.MinorVersion()
	pl.p.metrics.Request(method)
	pl.log.Debug("%s %s HTTP/%d.%d", method, pl.req.URL(), major, minor)

	if !pl.p.auth.Check(pl.req) {
		pl.p.metrics.AuthFailure()
		if err := pl.p.collector.RecordBlockedRequest(ctx, pl.clientIP, ExtractHost(pl.req), stats.ReasonProxyAuthRequired); err != nil {
			pl.log.Warn("Failed to record blocked request: %v", err)
		}
		if err := auth.WriteChallenge(pl.client, major, minor); err != nil {
			return false, newError(ErrCodeResponseWriteFailed, err)
		}
		return false, newError(ErrCodeAuthenticationFailed, nil)
	}

	if method == "CONNECT" || pl.req.Upgrade() {
		return false, newError(ErrCodeUnsupportedRequest, fmt.Errorf("%s %s", method, pl.req.URL()))
	}

	host, port, err := SplitTarget(ExtractHost(pl.req))
	if err != nil {
		return false, err
	}

	if blocked, domain := pl.p.filter.Blocked(host); blocked {
		pl.p.metrics.BlockedHost()
		if err := pl.p.collector.RecordBlockedRequest(ctx, pl.clientIP, host, stats.ReasonHostNotAllowed); err != nil {
			pl.log.Warn("Failed to record blocked request: %v", err)
		}
		if err := writeForbidden(pl.client, major, minor); err != nil {
			return false, newError(ErrCodeResponseWriteFailed, err)
		}
		return false, newError(ErrCodeHostNotAllowed, fmt.Errorf("%s matches %s", host, domain))
	}

	if err := pl.connectUpstream(host, port); err != nil {
		pl.p.metrics.ConnectFailure()
		return false, err
	}

	if err := pl.p.collector.RecordHTTPRequest(ctx, pl.connID, method, pl.req.URL(), host,
		pl.req.Header("User-Agent"), int64(len(header))); err != nil {
		pl.log.Warn("Failed to record request: %v", err)
	}

	if ok, err := ForwardMessage(header, pl.req, pl.client, pl.upstream); !ok {
		return false, newError(ErrCodeRequestForwardFailed, err)
	}

	requestKeepAlive := pl.req.ShouldKeepAlive()
	if !requestKeepAlive {
		if err := pl.upstream.CloseWrite(); err != nil {
			pl.log.Debug("Half-close of upstream failed: %v", err)
		}
	}

	if err := pl.relayResponse(method == "HEAD", timeout); err != nil {
		return false, err
	}

	return requestKeepAlive && pl.resp.ShouldKeepAlive(), nil
}

// relayResponse forwards the final response to the client. Interim 1xx
// responses are relayed first.
func (pl *pipeline) relayResponse(head bool, timeout time.Duration) error {
	for {
		pl.resp.Clear()
		pl.resp.SetSkipBody(head)

		header, err := ReceiveMessageHeader(pl.resp, pl.upstream, timeout)
		if err != nil {
			return newError(ErrCodeResponseHeaderFailed, err)
		}

		status := pl.resp.StatusCode()
		pl.p.metrics.Response(status)
		pl.log.Debug("Upstream responded %d", status)

		if ok, err := ForwardMessage(header, pl.resp, pl.upstream, pl.client); !ok {
			return newError(ErrCodeResponseForwardFailed, err)
		}

		if err := pl.p.collector.RecordHTTPResponse(pl.ctx, pl.connID, status,
			pl.resp.BodyBytes(), int64(len(header))); err != nil {
			pl.log.Warn("Failed to record response: %v", err)
		}

		if status >= 200 || status == 101 {
			return nil
		}
	}
}

// connectUpstream dials host:port unless the current upstream already points
// there. A keep-alive client that switches hosts gets a fresh upstream.
func (pl *pipeline) connectUpstream(host string, port int) error {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	if pl.upstream.Valid() && pl.target == target {
		return nil
	}
	if pl.upstream != nil {
		pl.log.Debug("Target changed from %s to %s", pl.target, target)
		pl.closeUpstream("target changed")
	}

	conn, err := pl.p.connector.Dial(pl.ctx, host, port)
	if err != nil {
		return err
	}

	id, err := pl.p.collector.StartConnection(pl.ctx, pl.connUUID, pl.clientIP, host, port)
	if err != nil {
		pl.log.Warn("Failed to record connection start: %v", err)
		id = 0
	}

	pl.connID = id
	pl.target = target
	pl.tracked = newTrackedConn(pl.ctx, conn, pl.p.collector, id)
	pl.upstream = NewSocket(pl.tracked)
	pl.log.Debug("Connected upstream %s", target)
	return nil
}

// abort logs err with a severity matching how unusual it is, counts it and
// returns the close reason.
func (pl *pipeline) abort(err error, cycles int) string {
	reason := abortReason(err)

	// A client that goes quiet or hangs up between requests is a normal end.
	if cycles > 0 && (reason == abortTimeout || reason == abortEOF) && !pl.req.HeadersComplete() {
		pl.log.Debug("Client idle after %d cycle(s): %v", cycles, err)
		return "normal"
	}

	pl.p.metrics.CycleAborted(reason)
	switch reason {
	case abortTimeout, abortEOF:
		pl.log.Debug("Cycle aborted: %v", err)
	case abortAuth, abortBlocked, abortUnsupported:
		pl.log.Info("Request rejected: %v", err)
	default:
		pl.log.Warn("Cycle aborted: %v", err)
		if rerr := pl.p.collector.RecordError(pl.ctx, pl.connID, reason, err.Error()); rerr != nil {
			pl.log.Warn("Failed to record error: %v", rerr)
		}
	}
	return reason
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, ErrKeepAliveTimeout):
		return abortTimeout
	case errors.Is(err, ErrPrematureEOF), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return abortEOF
	case errors.Is(err, ErrPipelinedData):
		return abortPipelined
	}

	switch ErrorCode(err) {
	case ErrCodeAuthenticationFailed:
		return abortAuth
	case ErrCodeHostNotAllowed:
		return abortBlocked
	case ErrCodeUnsupportedRequest:
		return abortUnsupported
	}

	switch {
	case IsConnectionError(err), IsProxyChainError(err):
		return abortConnect
	case IsHTTPError(err):
		return abortHTTP
	}
	return abortInternal
}

func (pl *pipeline) closeUpstream(reason string) {
	if pl.upstream == nil {
		return
	}
	pl.p.metrics.BytesForwarded(metrics.DirectionUpstream, int(pl.upstream.BytesSent()))
	pl.tracked.SetCloseReason(reason)
	if err := pl.upstream.Close(); err != nil {
		pl.log.Debug("Closing upstream: %v", err)
	}
	pl.upstream = nil
	pl.tracked = nil
	pl.target = ""
	pl.connID = 0
}

// close closes both sockets. It is safe to call more than once.
func (pl *pipeline) close(reason string) {
	pl.closeUpstream(reason)
	if pl.client.Valid() {
		pl.p.metrics.BytesForwarded(metrics.DirectionDownstream, int(pl.client.BytesSent()))
	}
	if err := pl.client.Close(); err != nil {
		pl.log.Debug("Closing client: %v", err)
	}
}

// writeForbidden answers a blocked request using the request's HTTP version.
func writeForbidden(w io.Writer, major, minor int) error {
	resp := fmt.Sprintf("HTTP/%d.%d 403 Forbidden\r\nContent-Length: 0\r\n\r\n", major, minor)
	n, err := io.WriteString(w, resp)
	if err != nil {
		return err
	}
	if n != len(resp) {
		return ErrShortWrite
	}
	return nil
}
