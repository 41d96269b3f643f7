package clickhouse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/vshulcz/bamstats/internal/domain"
)

type fakeConn struct {
	prepareErr error
	execs      []string
	prepared   []string
}

func (f *fakeConn) Exec(_ context.Context, q string, _ ...any) error {
	f.execs = append(f.execs, q)
	return nil
}

func (f *fakeConn) PrepareBatch(_ context.Context, q string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	f.prepared = append(f.prepared, q)
	return nil, f.prepareErr
}

func sample() domain.Delivery {
	m := domain.NewAggregatedMetrics()
	m.Counts[domain.TotalReads] = 100
	m.Counts[domain.MappedReads] = 90
	m.Percentages[domain.PercentageKey(domain.MappedReads)] = 0.9
	return domain.Delivery{
		SessionID:   "s1",
		Source:      "gs://b/a.bam",
		CompletedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600)),
		Metrics:     m,
	}
}

func TestRows(t *testing.T) {
	rows := Rows(sample())
	if len(rows) != 3 {
		t.Fatalf("rows=%d want 3", len(rows))
	}
	want := map[string]float64{"mapped_reads": 90, "mapped_reads_percentage": 0.9, "total_reads": 100}
	for _, r := range rows {
		if r.Value != want[r.Key] {
			t.Errorf("%s=%v want %v", r.Key, r.Value, want[r.Key])
		}
		if r.Source != "gs://b/a.bam" || r.SessionID != "s1" || r.ComputedAt.Location() != time.UTC {
			t.Errorf("unexpected row %+v", r)
		}
	}
	if len(Rows(domain.Delivery{Metrics: domain.NewAggregatedMetrics()})) != 0 {
		t.Fatal("empty metrics must produce no rows")
	}
}

func TestSink_Notify_PrepareError(t *testing.T) {
	conn := &fakeConn{prepareErr: errors.New("connection refused")}
	s, err := New(conn, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Notify(context.Background(), sample()); err == nil {
		t.Fatal("expected error")
	}
	if len(conn.prepared) != 1 || !strings.Contains(conn.prepared[0], "`bam_metrics`") {
		t.Fatalf("prepared=%v", conn.prepared)
	}
}

func TestSink_Notify_EmptyIsNoop(t *testing.T) {
	conn := &fakeConn{prepareErr: errors.New("must not be called")}
	s, _ := New(conn, "t")
	if err := s.Notify(context.Background(), domain.Delivery{Metrics: domain.NewAggregatedMetrics()}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestSink_EnsureTable(t *testing.T) {
	conn := &fakeConn{}
	s, _ := New(conn, "metrics_v1")
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if len(conn.execs) != 1 || !strings.HasPrefix(conn.execs[0], "CREATE TABLE IF NOT EXISTS `metrics_v1`") {
		t.Fatalf("execs=%v", conn.execs)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, ""); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("nil conn: %v", err)
	}
	if _, err := New(&fakeConn{}, "x; DROP"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("bad table: %v", err)
	}
	if _, err := Connect(context.Background(), Config{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("empty addr: %v", err)
	}
}
