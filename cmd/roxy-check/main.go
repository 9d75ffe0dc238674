package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"golang.org/x/sync/errgroup"
)

// CycleResult is the outcome of one request/response exchange.
type CycleResult struct {
	Conn     int           `json:"conn"`
	Cycle    int           `json:"cycle"`
	Success  bool          `json:"success"`
	Status   int           `json:"status"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Check sends keep-alive request sequences through a proxy, one sequence per
// client connection.
type Check struct {
	ProxyAddr   string
	Target      *url.URL
	Auth        string
	Timeout     time.Duration
	Connections int

	mu      sync.Mutex
	Results []CycleResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:6666", "Proxy address (host:port)")
	target := flag.String("url", "http://example.com/", "Target URL (http only)")
	cycles := flag.Int("cycles", 3, "Number of keep-alive cycles per connection")
	connections := flag.Int("connections", 1, "Number of concurrent client connections")
	user := flag.String("user", "", "Proxy user name")
	password := flag.String("password", "", "Proxy password")
	timeout := flag.Int("timeout", 10, "Per-cycle timeout in seconds")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	targetURL, err := url.Parse(*target)
	if err != nil || targetURL.Scheme != "http" || targetURL.Host == "" {
		logger.Fatal("Invalid target URL %q: only absolute http:// URLs are supported", *target)
	}
	if *cycles < 1 || *connections < 1 {
		logger.Fatal("cycles and connections must be at least 1")
	}

	check := &Check{
		ProxyAddr: *proxyAddr,
		Target:    targetURL,
		Timeout:     time.Duration(*timeout) * time.Second,
		Connections: *connections,
	}
	if *user != "" {
		check.Auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(*user+":"+*password))
	}

	logger.Info("Running %d cycle(s) on %d connection(s) against %s through %s", *cycles, *connections, targetURL, *proxyAddr)
	if err := check.Run(*cycles); err != nil {
		logger.Error("Check aborted: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(check.Results); err != nil {
			logger.Error("Failed to encode results: %v", err)
		}
	} else {
		check.printResults()
		check.printLatency()
	}

	if !check.passed(*cycles) {
		os.Exit(1)
	}
}

// Run drives Connections clients concurrently and returns the first dial
// failure, if any.
func (c *Check) Run(cycles int) error {
	var g errgroup.Group
	for i := 1; i <= c.Connections; i++ {
		id := i
		g.Go(func() error {
			return c.runConnection(id, cycles)
		})
	}
	err := g.Wait()
	sort.SliceStable(c.Results, func(i, j int) bool {
		if c.Results[i].Conn != c.Results[j].Conn {
			return c.Results[i].Conn < c.Results[j].Conn
		}
		return c.Results[i].Cycle < c.Results[j].Cycle
	})
	return err
}

func (c *Check) record(r CycleResult) {
	c.mu.Lock()
	c.Results = append(c.Results, r)
	c.mu.Unlock()
}

// runConnection dials the proxy once and sends the requests back to back,
// stopping at the first cycle that fails or that the proxy answers with a
// close.
func (c *Check) runConnection(id, cycles int) error {
	conn, err := net.DialTimeout("tcp", c.ProxyAddr, c.Timeout)
	if err != nil {
		c.record(CycleResult{Conn: id, Cycle: 1, Error: err.Error()})
		return fmt.Errorf("connection %d: failed to connect to proxy: %w", id, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing proxy connection: %v", closeErr)
		}
	}()
	br := bufio.NewReader(conn)

	for i := 1; i <= cycles; i++ {
		result, keepAlive := c.cycle(conn, br, i, i == cycles)
		result.Conn = id
		c.record(result)
		if !result.Success {
			break
		}
		if !keepAlive && i < cycles {
			c.record(CycleResult{
				Conn:  id,
				Cycle: i + 1,
				Error: "proxy closed the connection",
			})
			break
		}
	}
	return nil
}

func (c *Check) cycle(conn net.Conn, br *bufio.Reader, n int, last bool) (CycleResult, bool) {
	start := time.Now()
	result := CycleResult{Cycle: n}
	if err := conn.SetDeadline(start.Add(c.Timeout)); err != nil {
		result.Error = err.Error()
		return result, false
	}

	connection := "keep-alive"
	if last {
		connection = "close"
	}
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: roxy-check/1.0\r\nConnection: %s\r\n", c.Target, c.Target.Host, connection)
	if c.Auth != "" {
		req += "Proxy-Authorization: " + c.Auth + "\r\n"
	}
	req += "\r\n"

	logger.Debug("Cycle %d: sending %d byte request", n, len(req))
	if _, err := io.WriteString(conn, req); err != nil {
		result.Error = fmt.Sprintf("write failed: %v", err)
		return result, false
	}

	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		result.Duration = time.Since(start)
		result.Error = fmt.Sprintf("no response: %v", err)
		return result, false
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	result.Duration = time.Since(start)
	result.Status = resp.StatusCode
	result.Bytes = len(body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to read body: %v", err)
		return result, false
	}

	switch resp.StatusCode {
	case http.StatusProxyAuthRequired:
		result.Error = "proxy authentication required"
	case http.StatusForbidden:
		result.Error = "target blocked by proxy"
	default:
		result.Success = resp.StatusCode < 500
	}
	logger.Debug("Cycle %d: status %d, %d bytes in %v", n, resp.StatusCode, len(body), result.Duration)
	return result, !resp.Close
}

func (c *Check) passed(cycles int) bool {
	if len(c.Results) != cycles*c.Connections {
		return false
	}
	for _, r := range c.Results {
		if !r.Success {
			return false
		}
	}
	return true
}

func (c *Check) printResults() {
	fmt.Printf("\n%-5s %-6s %-7s %-6s %-8s %-12s %s\n", "CONN", "CYCLE", "RESULT", "STATUS", "BYTES", "DURATION", "ERROR")
	for _, r := range c.Results {
		state := "PASS"
		if !r.Success {
			state = "FAIL"
		}
		fmt.Printf("%-5d %-6d %-7s %-6d %-8d %-12v %s\n", r.Conn, r.Cycle, state, r.Status, r.Bytes, r.Duration.Round(time.Millisecond), r.Error)
	}
}

func (c *Check) printLatency() {
	var durations []time.Duration
	for _, r := range c.Results {
		if r.Success {
			durations = append(durations, r.Duration)
		}
	}
	if len(durations) == 0 {
		return
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	fmt.Printf("\nLatency over %d successful cycle(s): p50=%v p90=%v p99=%v max=%v\n",
		len(durations),
		percentile(durations, 0.50).Round(time.Microsecond),
		percentile(durations, 0.90).Round(time.Microsecond),
		percentile(durations, 0.99).Round(time.Microsecond),
		durations[len(durations)-1].Round(time.Microsecond))
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
