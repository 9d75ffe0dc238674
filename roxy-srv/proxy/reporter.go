package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"github.com/pezcode/http-roxy/roxy-srv/stats"
	"github.com/robfig/cron/v3"
)

// Reporter periodically logs the collector's overview statistics on a cron
// schedule such as "@every 5m" or "0 * * * *".
type Reporter struct {
	collector stats.Collector
	schedule  string
	cron      *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewReporter validates schedule and returns a stopped reporter.
func NewReporter(collector stats.Collector, schedule string) (*Reporter, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, newError(ErrCodeInvalidSchedule, fmt.Errorf("%q: %w", schedule, err))
	}
	return &Reporter{
		collector: collector,
		schedule:  schedule,
		cron:      cron.New(),
	}, nil
}

// Start schedules the report job. It stops when ctx is done.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Report(ctx) }); err != nil {
		return newError(ErrCodeInvalidSchedule, err)
	}
	r.cron.Start()
	r.running = true
	logger.Debug("Statistics report scheduled (%s)", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Report logs one overview line.
func (r *Reporter) Report(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	overview, err := r.collector.GetOverviewStats(ctx)
	if err != nil {
		logger.Warn("Failed to query statistics: %v", err)
		return
	}
	logger.Info("Stats: connections=%d active=%d requests=%d responses=%d errors=%d blocked=%d bytes_in=%d bytes_out=%d",
		overview.TotalConnections, overview.ActiveConnections, overview.TotalRequests, overview.TotalResponses,
		overview.TotalErrors, overview.BlockedRequests, overview.TotalBytesIn, overview.TotalBytesOut)
}

// NextRun returns the next scheduled report time, or the zero time when the
// reporter is not running.
func (r *Reporter) NextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.cron.Entries()
	if !r.running || len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop stops the scheduler and waits for a running report to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
	}
}
