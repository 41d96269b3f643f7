package aggregate

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/vshulcz/bamstats/internal/domain"
)

func snap(values map[domain.MetricKey]float64, cov domain.Histogram) domain.Snapshot {
	s := domain.NewSnapshot()
	for k, v := range values {
		s.Values[k] = v
	}
	if cov != nil {
		s.Histograms[domain.CoverageHist] = cov
	}
	return s
}

func TestComputeMetrics_Example(t *testing.T) {
	s := snap(map[domain.MetricKey]float64{
		domain.MappedReads: 90,
		domain.TotalReads:  100,
	}, domain.Histogram{0: 1, 5: 2, 10: 1})

	got, err := ComputeMetrics(s)
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if v, ok := got.Percentage(domain.MappedReads); !ok || v != 0.9 {
		t.Fatalf("mapped_reads_percentage=%v,%v", v, ok)
	}
	if v, _ := got.Count(domain.MeanReadCoverage); v != 20 {
		t.Fatalf("mean_read_coverage=%d", v)
	}
	if v, _ := got.Count(domain.MappedReads); v != 90 {
		t.Fatalf("mapped_reads=%d", v)
	}
}

func TestMeanCoverage(t *testing.T) {
	tests := []struct {
		name string
		h    domain.Histogram
		want int64
	}{
		{"empty", domain.Histogram{}, 0},
		{"nil", nil, 0},
		{"half zero half ten", domain.Histogram{0: 5, 10: 5}, 50},
		{"fractional frequencies floor", domain.Histogram{1: 0.5, 2: 0.25, 3: 0.25}, 1},
		{"mixed depths", domain.Histogram{0: 1, 5: 2, 10: 1}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MeanCoverage(tt.h)
			if err != nil || got != tt.want {
				t.Fatalf("MeanCoverage=%d,%v want %d", got, err, tt.want)
			}
		})
	}

	for name, h := range map[string]domain.Histogram{
		"negative depth": {-1: 2},
		"sum at 2^63":    {1: math.Exp2(63)},
		"sum above 2^63": {2: math.Exp2(63)},
	} {
		if _, err := MeanCoverage(h); !errors.Is(err, domain.ErrMalformedSnapshot) {
			t.Fatalf("%s: %v", name, err)
		}
	}
}

func TestComputeMetrics_MissingTotalReads(t *testing.T) {
	cases := map[string]map[domain.MetricKey]float64{
		"absent":                {domain.MappedReads: 5},
		"zero":                  {domain.MappedReads: 0, domain.TotalReads: 0},
		"zero total with reads": {domain.MappedReads: 5, domain.TotalReads: 0},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeMetrics(snap(values, nil))
			if !errors.Is(err, domain.ErrMissingTotalReads) {
				t.Fatalf("want ErrMissingTotalReads, got %v", err)
			}
		})
	}
}

func TestComputeMetrics_NoPercentKeysWithoutTotal(t *testing.T) {
	got, err := ComputeMetrics(snap(map[domain.MetricKey]float64{domain.FailedQC: 3}, nil))
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if len(got.Percentages) != 0 {
		t.Fatalf("unexpected percentages: %v", got.Percentages)
	}
	if v, _ := got.Count(domain.FailedQC); v != 3 {
		t.Fatalf("failed_qc=%d", v)
	}
	if v, ok := got.Count(domain.MeanReadCoverage); !ok || v != 0 {
		t.Fatalf("mean_read_coverage=%d,%v", v, ok)
	}
}

func TestComputeMetrics_Malformed(t *testing.T) {
	cases := map[string]map[domain.MetricKey]float64{
		"negative":   {domain.TotalReads: -1},
		"fractional": {domain.TotalReads: 10, domain.Duplicates: 1.5},
		"2^63":       {domain.TotalReads: math.Exp2(63)},
		"count 2^63": {domain.TotalReads: 10, domain.MappedReads: math.Exp2(63)},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeMetrics(snap(values, nil))
			if !errors.Is(err, domain.ErrMalformedSnapshot) {
				t.Fatalf("want ErrMalformedSnapshot, got %v", err)
			}
		})
	}
}

func TestComputeMetrics_ParsedCountTooLarge(t *testing.T) {
	s, err := domain.ParseSnapshot([]byte(`{"total_reads": 9223372036854775808}`))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	got, err := ComputeMetrics(s)
	if !errors.Is(err, domain.ErrMalformedSnapshot) {
		t.Fatalf("want ErrMalformedSnapshot, got %v (metrics %+v)", err, got)
	}
}

func TestComputeMetrics_IgnoresAuxiliaryAndHistograms(t *testing.T) {
	s := snap(map[domain.MetricKey]float64{
		domain.TotalReads:    3,
		domain.Duplicates:    1,
		domain.CoverageDepth: 7,
	}, nil)
	s.Histograms[domain.MapqHist] = domain.Histogram{60: 3}

	got, err := ComputeMetrics(s)
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if _, ok := got.Count(domain.CoverageDepth); ok {
		t.Fatal("auxiliary key copied")
	}
	if v, _ := got.Percentage(domain.Duplicates); v != 0.3333 {
		t.Fatalf("duplicates_percentage=%v", v)
	}
	if got.Len() != 4 {
		t.Fatalf("fields=%v", got.Fields())
	}
}

func TestComputeMetrics_OverridesBrokerMean(t *testing.T) {
	s := snap(map[domain.MetricKey]float64{domain.MeanReadCoverage: 999}, domain.Histogram{2: 1})
	got, err := ComputeMetrics(s)
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if v, _ := got.Count(domain.MeanReadCoverage); v != 2 {
		t.Fatalf("mean_read_coverage=%d", v)
	}
}

func TestComputeMetrics_DoesNotMutateInput(t *testing.T) {
	s := snap(map[domain.MetricKey]float64{domain.MappedReads: 1, domain.TotalReads: 2}, domain.Histogram{1: 1})
	before := len(s.Values)
	if _, err := ComputeMetrics(s); err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if len(s.Values) != before || s.Histograms[domain.CoverageHist][1] != 1 {
		t.Fatalf("input mutated: %+v", s)
	}
}

func TestComputeMetrics_Deterministic(t *testing.T) {
	s := snap(map[domain.MetricKey]float64{
		domain.TotalReads:  300,
		domain.MappedReads: 200,
		domain.Duplicates:  7,
		domain.FailedQC:    1,
	}, domain.Histogram{0: 0.2, 3: 0.5, 9: 0.3})

	first, err := ComputeMetrics(s)
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	second, err := ComputeMetrics(s)
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("outputs differ:\n%+v\n%+v", first, second)
	}
}

func TestComputeMetrics_EveryPercentKey(t *testing.T) {
	const total = 7
	for i, k := range domain.PercentKeys() {
		n := float64(i%total + 1)
		t.Run(string(k), func(t *testing.T) {
			got, err := ComputeMetrics(snap(map[domain.MetricKey]float64{domain.TotalReads: total, k: n}, nil))
			if err != nil {
				t.Fatalf("ComputeMetrics: %v", err)
			}
			want := RoundSignificant(n/total, PercentPrecision)
			if v, ok := got.Percentage(k); !ok || v != want {
				t.Fatalf("%s=%v,%v want %v", domain.PercentageKey(k), v, ok, want)
			}
		})
	}
}

func TestRoundSignificant(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.9, 0.9},
		{1.0 / 3.0, 0.3333},
		{0.123456, 0.1235},
		{2.0 / 3.0, 0.6667},
		{0, 0},
		{1, 1},
		{0.000123456, 0.0001235},
	}
	for _, tt := range tests {
		if got := RoundSignificant(tt.in, 4); got != tt.want {
			t.Errorf("RoundSignificant(%v)=%v want %v", tt.in, got, tt.want)
		}
	}
}
