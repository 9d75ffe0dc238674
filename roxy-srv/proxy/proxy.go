package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/auth"
	"github.com/pezcode/http-roxy/roxy-srv/config"
	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"github.com/pezcode/http-roxy/roxy-srv/metrics"
	"github.com/pezcode/http-roxy/roxy-srv/stats"
	"golang.org/x/sync/errgroup"
)

// acceptBackoff is the pause after a failed Accept that did not close the
// listener.
const acceptBackoff = 50 * time.Millisecond

// Proxy accepts client connections and hands them to a fixed pool of
// workers through a ConnQueue.
type Proxy struct {
	config    *config.Config
	auth      *auth.Set
	filter    *HostFilter
	connector *Connector
	collector stats.Collector
	metrics   *metrics.Metrics
	queue     *ConnQueue
	reporter  *Reporter

	mu            sync.Mutex
	listener      net.Listener
	metricsServer *http.Server
	stopped       chan struct{}
}

// NewProxy wires a proxy from cfg. A statistics backend that cannot be opened
// is logged and replaced by the dummy collector.
func NewProxy(cfg *config.Config) *Proxy {
	p := &Proxy{
		config:    cfg,
		auth:      auth.FromConfig(cfg.Credentials),
		filter:    NewHostFilter(cfg.Blocklist),
		connector: NewConnector(cfg),
		metrics:   metrics.New(),
		queue:     NewConnQueue(),
		stopped:   make(chan struct{}),
	}
	p.metrics.RegisterQueueDepth(p.queue.Len)

	collector, err := stats.NewCollector(cfg.Statistics)
	if err != nil {
		logger.Error("%v", newError(ErrCodeStatsInitFailed, err))
		collector = stats.NewDummyCollector()
	}
	p.collector = collector

	if cfg.Statistics.Enabled && cfg.Statistics.ReportSchedule != "" {
		reporter, err := NewReporter(p.collector, cfg.Statistics.ReportSchedule)
		if err != nil {
			logger.Error("%v", err)
		} else {
			p.reporter = reporter
		}
	}
	return p
}

// GetConfig returns the configuration the proxy was built from.
func (p *Proxy) GetConfig() *config.Config {
	return p.config
}

// Metrics returns the proxy's metrics.
func (p *Proxy) Metrics() *metrics.Metrics {
	return p.metrics
}

// Addr returns the listening address once the proxy has started.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Start listens on the configured address and serves until ctx is done or
// Stop is called.
func (p *Proxy) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return newError(ErrCodeListenerCreateFailed, fmt.Errorf("%s: %w", p.config.ListenAddress, err))
	}
	return p.StartWithListener(ctx, listener)
}

// StartWithListener serves on listener. Workers start before the first
// Accept. On shutdown the acceptor stops first, then the workers are
// cancelled and awaited, and finally queued connections are closed.
func (p *Proxy) StartWithListener(ctx context.Context, listener net.Listener) error {
	p.mu.Lock()
	if p.listener != nil {
		p.mu.Unlock()
		return newError(ErrCodeInternalError, errors.New("proxy already started"))
	}
	p.listener = listener
	p.mu.Unlock()
	defer close(p.stopped)

	// Workers are only cancelled after the acceptor has stopped.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	var workers errgroup.Group
	for i := 1; i <= p.config.Workers; i++ {
		id := i
		workers.Go(func() error { return p.worker(workerCtx, id) })
	}

	if p.config.Metrics.Enabled {
		p.startMetricsServer()
	}
	if p.reporter != nil {
		if err := p.reporter.Start(workerCtx); err != nil {
			logger.Error("%v", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = listener.Close()
		case <-p.stopped:
		}
	}()

	logger.Info("Proxy listening on %s with %d workers", listener.Addr(), p.config.Workers)
	if p.auth.Enabled() {
		logger.Info("Proxy authentication enabled for %d credential(s)", p.auth.Len())
	}
	if n := p.filter.Len(); n > 0 {
		logger.Info("Blocking %d domain(s)", n)
	}

	p.acceptLoop(listener)

	cancelWorkers()
	if err := workers.Wait(); err != nil {
		logger.Error("Worker failed: %v", err)
	}
	if n := p.queue.DrainAndClose(); n > 0 {
		logger.Info("Closed %d queued connection(s) on shutdown", n)
	}

	if p.reporter != nil {
		p.reporter.Stop()
	}
	p.stopMetricsServer()
	if err := p.collector.Close(); err != nil {
		logger.Warn("Failed to close statistics collector: %v", err)
	}
	logger.Info("Proxy on %s stopped", listener.Addr())
	return nil
}

func (p *Proxy) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("Accept failed: %v", err)
			time.Sleep(acceptBackoff)
			continue
		}
		p.metrics.ConnectionAccepted()
		p.queue.Enqueue(NewSocket(conn))
	}
}

// worker serves queued connections one at a time until ctx is cancelled.
func (p *Proxy) worker(ctx context.Context, id int) error {
	logger.Debug("Worker %d started", id)
	for {
		client, err := p.queue.Dequeue(ctx)
		if err != nil {
			logger.Debug("Worker %d stopping", id)
			return nil
		}
		p.serveConnection(ctx, id, client)
	}
}

func (p *Proxy) serveConnection(ctx context.Context, id int, client *Socket) {
	p.metrics.WorkerStarted()
	defer p.metrics.WorkerFinished()

	pl := newPipeline(ctx, p, id, client)
	defer func() {
		if r := recover(); r != nil {
			pl.log.Error("Recovered from panic: %v", r)
			pl.close(abortInternal)
		}
	}()
	pl.serve()
}

func (p *Proxy) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle(p.config.Metrics.Path, p.metrics.Handler())

	server := &http.Server{
		Addr:              p.config.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.mu.Lock()
	p.metricsServer = server
	p.mu.Unlock()

	go func() {
		logger.Info("Metrics available at http://%s%s", server.Addr, p.config.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("%v", newError(ErrCodeMetricsServerFailed, err))
		}
	}()
}

func (p *Proxy) stopMetricsServer() {
	p.mu.Lock()
	server := p.metricsServer
	p.metricsServer = nil
	p.mu.Unlock()
	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Failed to stop metrics server: %v", err)
	}
}

// Stop closes the listener and waits until running connections finish and
// the workers have exited.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	listener := p.listener
	p.mu.Unlock()
	if listener == nil {
		return nil
	}

	err := listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	<-p.stopped
	return err
}
