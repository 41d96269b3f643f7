// Package clickhouse appends finalized metrics to a ClickHouse table, one row per field.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/vshulcz/bamstats/internal/domain"
)

// DefaultTable receives the metric rows.
const DefaultTable = "bam_metrics"

// Config holds connection settings.
type Config struct {
	Database string
	Username string
	Password string
	Table    string
	Addr     []string
}

// Conn is the subset of driver.Conn used by the sink.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// Row is one stored metric value.
type Row struct {
	ComputedAt time.Time
	Source     string
	SessionID  string
	Key        string
	Value      float64
}

// Connect opens a native-protocol connection and pings it.
func Connect(ctx context.Context, cfg Config) (driver.Conn, error) {
	if len(cfg.Addr) == 0 {
		return nil, fmt.Errorf("%w: clickhouse address is required", domain.ErrConfiguration)
	}
	db := cfg.Database
	if db == "" {
		db = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: db,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    2,
		MaxIdleConns:    2,
		ConnMaxLifetime: 10 * time.Minute,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// Sink is an output destination writing to a ClickHouse table.
type Sink struct {
	conn  Conn
	table string
}

// New returns a Sink writing into table (DefaultTable when empty).
func New(conn Conn, table string) (*Sink, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: clickhouse connection is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	if strings.ContainsAny(table, "`; ") {
		return nil, fmt.Errorf("%w: invalid clickhouse table %q", domain.ErrConfiguration, table)
	}
	return &Sink{conn: conn, table: table}, nil
}

// Name identifies the destination in delivery reports.
func (s *Sink) Name() string { return "clickhouse" }

// CreateTableQuery returns the DDL of the metrics table.
func CreateTableQuery(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (\n"+
		"\tsource String,\n"+
		"\tsession_id String,\n"+
		"\tcomputed_at DateTime64(3, 'UTC'),\n"+
		"\tkey LowCardinality(String),\n"+
		"\tvalue Float64\n"+
		") ENGINE = MergeTree ORDER BY (source, computed_at, key)", table)
}

// EnsureTable creates the metrics table when it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	if err := s.conn.Exec(ctx, CreateTableQuery(s.table)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	return nil
}

// Notify appends one row per aggregated field in a single batch.
func (s *Sink) Notify(ctx context.Context, d domain.Delivery) error {
	rows := Rows(d)
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO `%s` (source, session_id, computed_at, key, value)", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.Source, r.SessionID, r.ComputedAt, r.Key, r.Value); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s: %w", r.Key, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Rows flattens a delivery into table rows ordered by key.
func Rows(d domain.Delivery) []Row {
	fields := d.Metrics.Fields()
	out := make([]Row, 0, len(fields))
	at := d.CompletedAt.UTC()
	for _, f := range fields {
		out = append(out, Row{
			Source:     d.Source,
			SessionID:  d.SessionID,
			ComputedAt: at,
			Key:        string(f.Key),
			Value:      f.Value,
		})
	}
	return out
}
