package proxy

import (
	"context"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/stats"
	"github.com/stretchr/testify/mock"
)

// mockCollector is a mock implementation of stats.Collector for testing
type mockCollector struct {
	mock.Mock
}

var _ stats.Collector = (*mockCollector)(nil)

func (m *mockCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int) (int64, error) {
	args := m.Called(ctx, connectionUUID, clientIP, targetHost, targetPort)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	args := m.Called(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
	return args.Error(0)
}

func (m *mockCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headerSize int64) error {
	args := m.Called(ctx, connectionID, method, url, host, userAgent, headerSize)
	return args.Error(0)
}

func (m *mockCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, bodySize, headerSize int64) error {
	args := m.Called(ctx, connectionID, statusCode, bodySize, headerSize)
	return args.Error(0)
}

func (m *mockCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	args := m.Called(ctx, connectionID, errorType, errorMessage)
	return args.Error(0)
}

func (m *mockCollector) RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error {
	args := m.Called(ctx, connectionID, bytesSent, bytesReceived)
	return args.Error(0)
}

func (m *mockCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	args := m.Called(ctx, clientIP, targetHost, reason)
	return args.Error(0)
}

func (m *mockCollector) GetOverviewStats(ctx context.Context) (*stats.OverviewStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(*stats.OverviewStats), args.Error(1)
}

func (m *mockCollector) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockCollector) Close() error {
	args := m.Called()
	return args.Error(0)
}
