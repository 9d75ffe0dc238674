package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/stats"
)

// flushInterval is how much traffic accumulates before an intermediate
// data-transfer record is written for a long-lived upstream connection.
const flushInterval = 64 << 10

// trackedConn wraps an upstream net.Conn and reports its traffic to the
// statistics collector. Sent and received are from the proxy's point of view.
type trackedConn struct {
	net.Conn
	collector    stats.Collector
	connectionID int64
	startTime    time.Time
	ctx          context.Context

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	flushedSent   atomic.Int64
	flushedRecv   atomic.Int64
	flushMu       sync.Mutex

	reason  atomic.Value // string
	endOnce sync.Once
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          context.WithoutCancel(ctx),
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.maybeFlush()
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.maybeFlush()
	}
	return n, err
}

// CloseWrite forwards a half-close to connections that support it.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// SetCloseReason records why the connection is ending. The first reason wins.
func (c *trackedConn) SetCloseReason(reason string) {
	c.reason.CompareAndSwap(nil, reason)
}

func (c *trackedConn) maybeFlush() {
	pending := c.bytesSent.Load() - c.flushedSent.Load() + c.bytesReceived.Load() - c.flushedRecv.Load()
	if pending < flushInterval {
		return
	}
	c.flush()
}

// flush reports the deltas since the last flush.
func (c *trackedConn) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	sent, recv := c.bytesSent.Load(), c.bytesReceived.Load()
	dSent, dRecv := sent-c.flushedSent.Load(), recv-c.flushedRecv.Load()
	if dSent <= 0 && dRecv <= 0 {
		return
	}
	c.flushedSent.Store(sent)
	c.flushedRecv.Store(recv)
	_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, dSent, dRecv)
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		c.flush()
		reason, _ := c.reason.Load().(string)
		if reason == "" {
			reason = "normal"
		}
		_ = c.collector.EndConnection(c.ctx, c.connectionID,
			c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason)
	})
	return err
}
