package proxy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"github.com/pezcode/http-roxy/roxy-srv/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewReporterRejectsBadSchedule(t *testing.T) {
	_, err := NewReporter(stats.NewDummyCollector(), "every now and then")
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidSchedule, ErrorCode(err))
	assert.True(t, IsConfigurationError(err))
}

func TestReporterReport(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stdout)

	collector := &mockCollector{}
	collector.On("GetOverviewStats", mock.Anything).Return(&stats.OverviewStats{
		TotalConnections: 3, TotalRequests: 7, BlockedRequests: 1,
	}, nil).Once()
	collector.On("GetOverviewStats", mock.Anything).Return((*stats.OverviewStats)(nil), errors.New("db gone")).Once()

	r, err := NewReporter(collector, "@every 1h")
	require.NoError(t, err)

	r.Report(context.Background())
	assert.Contains(t, buf.String(), "connections=3")
	assert.Contains(t, buf.String(), "requests=7")
	assert.Contains(t, buf.String(), "blocked=1")

	r.Report(context.Background())
	assert.Contains(t, buf.String(), "db gone")
	collector.AssertExpectations(t)
}

func TestReporterStartStop(t *testing.T) {
	r, err := NewReporter(stats.NewDummyCollector(), "@every 1h")
	require.NoError(t, err)
	assert.True(t, r.NextRun().IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	next := r.NextRun()
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)

	cancel()
	require.Eventually(t, func() bool { return r.NextRun().IsZero() }, 5*time.Second, 10*time.Millisecond)
}
