package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlCollector implements Collector on database/sql. Queries are written
// with '?' placeholders and rebound for drivers that number them.
type sqlCollector struct {
	db     *sql.DB
	driver string
}

func (s *sqlCollector) initSchema(ctx context.Context) error {
	for _, stmt := range CreateStatements(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *sqlCollector) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

// StartConnection records the start of a connection
func (s *sqlCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO connections (connection_uuid, client_ip, target_host, target_port, started_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		connectionUUID, clientIP, targetHost, targetPort, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (s *sqlCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request
func (s *sqlCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headerSize int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, user_agent, header_size, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		connectionID, method, url, host, userAgent, headerSize, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response
func (s *sqlCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, bodySize, headerSize int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_responses (connection_id, status_code, body_size, header_size, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		connectionID, statusCode, bodySize, headerSize, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *sqlCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		nullableID(connectionID), errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer records data transfer
func (s *sqlCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	err := s.exec(ctx,
		`INSERT INTO data_transfer (connection_id, bytes_sent, bytes_received, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, bytesSent, bytesReceived, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// RecordBlockedRequest records a blocked request
func (s *sqlCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	err := s.exec(ctx,
		`INSERT INTO security_events (client_ip, target_host, event_type, reason, timestamp)
		 VALUES (?, ?, 'blocked', ?, ?)`,
		clientIP, targetHost, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// GetOverviewStats returns overview statistics
func (s *sqlCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	queries := []struct {
		name  string
		query string
		dest  []any
	}{
		{"connections", "SELECT COUNT(*) FROM connections", []any{&stats.TotalConnections}},
		{"active connections", "SELECT COUNT(*) FROM connections WHERE ended_at IS NULL", []any{&stats.ActiveConnections}},
		{"requests", "SELECT COUNT(*) FROM http_requests", []any{&stats.TotalRequests}},
		{"responses", "SELECT COUNT(*) FROM http_responses", []any{&stats.TotalResponses}},
		{"errors", "SELECT COUNT(*) FROM errors", []any{&stats.TotalErrors}},
		{"blocked requests", "SELECT COUNT(*) FROM security_events WHERE event_type = 'blocked'", []any{&stats.BlockedRequests}},
		{"bytes", "SELECT COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_received), 0) FROM connections",
			[]any{&stats.TotalBytesOut, &stats.TotalBytesIn}},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest...); err != nil {
			return nil, fmt.Errorf("failed to get total %s: %w", q.name, err)
		}
	}
	return stats, nil
}

func (s *sqlCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlCollector) Close() error {
	return s.db.Close()
}
