package stats

import (
	"fmt"
	"strings"
)

// ColumnType is a driver-neutral column type.
type ColumnType string

const (
	ColumnTypeSerial    ColumnType = "SERIAL"
	ColumnTypeInteger   ColumnType = "INTEGER"
	ColumnTypeBigint    ColumnType = "BIGINT"
	ColumnTypeText      ColumnType = "TEXT"
	ColumnTypeTimestamp ColumnType = "TIMESTAMP"
)

// ColumnDefinition defines a database column
type ColumnDefinition struct {
	Name         string
	Type         ColumnType
	NotNull      bool
	DefaultValue string
	References   string // "table(column)", cascading on delete
}

// TableDefinition defines a complete database table
type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes [][]string
}

// Schema is the statistics schema shared by every SQL backend.
var Schema = []TableDefinition{
	{
		Name: "connections",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeSerial},
			{Name: "connection_uuid", Type: ColumnTypeText, NotNull: true},
			{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
			{Name: "target_host", Type: ColumnTypeText, NotNull: true},
			{Name: "target_port", Type: ColumnTypeInteger, NotNull: true},
			{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
			{Name: "ended_at", Type: ColumnTypeTimestamp},
			{Name: "bytes_sent", Type: ColumnTypeBigint, DefaultValue: "0"},
			{Name: "bytes_received", Type: ColumnTypeBigint, DefaultValue: "0"},
			{Name: "duration_ms", Type: ColumnTypeBigint},
			{Name: "close_reason", Type: ColumnTypeText},
		},
		Indexes: [][]string{{"connection_uuid"}, {"target_host"}, {"started_at"}},
	},
	{
		Name: "http_requests",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeSerial},
			{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: "connections(id)"},
			{Name: "method", Type: ColumnTypeText, NotNull: true},
			{Name: "url", Type: ColumnTypeText, NotNull: true},
			{Name: "host", Type: ColumnTypeText, NotNull: true},
			{Name: "user_agent", Type: ColumnTypeText},
			{Name: "header_size", Type: ColumnTypeBigint, DefaultValue: "0"},
			{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
		},
		Indexes: [][]string{{"connection_id"}, {"timestamp"}},
	},
	{
		Name: "http_responses",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeSerial},
			{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: "connections(id)"},
			{Name: "status_code", Type: ColumnTypeInteger, NotNull: true},
			{Name: "body_size", Type: ColumnTypeBigint, DefaultValue: "0"},
			{Name: "header_size", Type: ColumnTypeBigint, DefaultValue: "0"},
			{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
		},
		Indexes: [][]string{{"connection_id"}},
	},
	{
		Name: "errors",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeSerial},
			{Name: "connection_id", Type: ColumnTypeBigint, References: "connections(id)"},
			{Name: "error_type", Type: ColumnTypeText, NotNull: true},
			{Name: "error_message", Type: ColumnTypeText, NotNull: true},
			{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
		},
		Indexes: [][]string{{"error_type"}},
	},
	{
		Name: "data_transfer",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeSerial},
			{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: "connections(id)"},
			{Name: "bytes_sent", Type: ColumnTypeBigint, NotNull: true},
			{Name: "bytes_received", Type: ColumnTypeBigint, NotNull: true},
			{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
		},
	},
	{
		Name: "security_events",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeSerial},
			{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
			{Name: "target_host", Type: ColumnTypeText, NotNull: true},
			{Name: "event_type", Type: ColumnTypeText, NotNull: true},
			{Name: "reason", Type: ColumnTypeText},
			{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
		},
		Indexes: [][]string{{"timestamp"}},
	},
}

// columnSQL renders a column type for driver ("sqlite3" or "postgres").
func columnSQL(driver string, t ColumnType) string {
	switch t {
	case ColumnTypeSerial:
		if driver == "postgres" {
			return "BIGSERIAL PRIMARY KEY"
		}
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	case ColumnTypeTimestamp:
		if driver == "postgres" {
			return "TIMESTAMPTZ"
		}
		return "DATETIME"
	default:
		return string(t)
	}
}

// CreateStatements returns the idempotent DDL for driver.
func CreateStatements(driver string) []string {
	var stmts []string
	for _, table := range Schema {
		cols := make([]string, 0, len(table.Columns))
		for _, col := range table.Columns {
			def := col.Name + " " + columnSQL(driver, col.Type)
			if col.NotNull {
				def += " NOT NULL"
			}
			if col.DefaultValue != "" {
				def += " DEFAULT " + col.DefaultValue
			}
			if col.References != "" {
				def += " REFERENCES " + col.References + " ON DELETE CASCADE"
			}
			cols = append(cols, def)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Name, strings.Join(cols, ",\n\t")))

		for _, idx := range table.Indexes {
			name := fmt.Sprintf("idx_%s_%s", table.Name, strings.Join(idx, "_"))
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table.Name, strings.Join(idx, ", ")))
		}
	}
	return stmts
}
