package stats

import (
	"context"
	"time"
)

// Reasons passed to RecordBlockedRequest.
const (
	ReasonProxyAuthRequired = "proxy_auth_required"
	ReasonHostNotAllowed    = "host_not_allowed"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking. A connection record spans one client connection
	// from the first upstream connect to the close of both sockets.
	StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request/Response tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headerSize int64) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, bodySize, headerSize int64) error

	// Error tracking; connectionID may be 0 when no connection record exists yet.
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	// Security events
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalRequests     int64 `json:"total_requests"`
	TotalResponses    int64 `json:"total_responses"`
	TotalErrors       int64 `json:"total_errors"`
	BlockedRequests   int64 `json:"blocked_requests"`
	TotalBytesIn      int64 `json:"total_bytes_in"`
	TotalBytesOut     int64 `json:"total_bytes_out"`
}
