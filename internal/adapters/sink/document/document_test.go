package document

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vshulcz/bamstats/internal/adapters/docstore/memory"
	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

func delivery() domain.Delivery {
	m := domain.NewAggregatedMetrics()
	m.Counts[domain.TotalReads] = 100
	m.Counts[domain.MappedReads] = 90
	m.Percentages[domain.PercentageKey(domain.MappedReads)] = 0.9
	return domain.Delivery{SessionID: "s", Source: "a.bam", Metrics: m}
}

func TestSink_Notify_CreatesMappingAndUpdates(t *testing.T) {
	st := memory.New()
	if err := st.PutDocument("files", "doc1", map[string]any{"object_id": "o1", "file_type": "BAM"}); err != nil {
		t.Fatal(err)
	}
	s, err := New(st, "files", "doc1", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Notify(context.Background(), delivery()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	m, err := st.GetFieldMapping(context.Background(), "files", DefaultField)
	if err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if m["mapped_reads"] != TypeCount || m["mapped_reads_percentage"] != TypePercentage || m["total_reads"] != TypeCount {
		t.Fatalf("unexpected mapping %v", m)
	}

	raw, _ := st.Raw("files", "doc1")
	var got map[string]float64
	if err := json.Unmarshal(raw[DefaultField], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["mapped_reads"] != 90 || got["mapped_reads_percentage"] != 0.9 {
		t.Fatalf("update not applied: %v", got)
	}
	if string(raw["object_id"]) != `"o1"` {
		t.Fatalf("other fields touched: %s", raw["object_id"])
	}
}

func TestEnsureMapping_Conflict(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	if err := st.PutFieldMapping(ctx, "files", DefaultField, ports.FieldMapping{"total_reads": "keyword"}); err != nil {
		t.Fatal(err)
	}
	err := EnsureMapping(ctx, st, "files", DefaultField)
	if !errors.Is(err, domain.ErrSchemaMismatch) {
		t.Fatalf("want ErrSchemaMismatch, got %v", err)
	}
}

func TestEnsureMapping_AddsOnlyMissing(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	if err := st.PutFieldMapping(ctx, "files", DefaultField, ports.FieldMapping{"total_reads": TypeCount}); err != nil {
		t.Fatal(err)
	}
	if err := EnsureMapping(ctx, st, "files", DefaultField); err != nil {
		t.Fatalf("EnsureMapping: %v", err)
	}
	m, _ := st.GetFieldMapping(ctx, "files", DefaultField)
	if len(m) != len(Mapping()) {
		t.Fatalf("mapping has %d entries, want %d", len(m), len(Mapping()))
	}
}

func TestSink_Notify_MissingDocument(t *testing.T) {
	s, _ := New(memory.New(), "files", "nope", "")
	if err := s.Notify(context.Background(), delivery()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, "i", "d", ""); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("nil store: %v", err)
	}
	if _, err := New(memory.New(), "", "d", ""); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("empty index: %v", err)
	}
}
