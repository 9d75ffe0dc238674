package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headerSize int64) error {
	return nil
}

func (d *DummyCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, bodySize, headerSize int64) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

func (d *DummyCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	return nil
}

func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return nil
}

// GetOverviewStats returns empty stats for dummy collector
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
