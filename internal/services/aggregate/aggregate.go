// Package aggregate turns the final broker snapshot into delivered metrics.
package aggregate

import (
	"fmt"
	"math"
	"strconv"

	"github.com/vshulcz/bamstats/internal/domain"
)

// PercentPrecision is the number of significant digits kept in percentages.
const PercentPrecision = 4

// ComputeMetrics copies every known scalar count from s, adds "<key>_percentage" for
// percent-eligible keys and synthesizes mean_read_coverage from coverage_hist.
// It never mutates s and performs no I/O.
func ComputeMetrics(s domain.Snapshot) (domain.AggregatedMetrics, error) {
	if err := s.Validate(); err != nil {
		return domain.AggregatedMetrics{}, err
	}

	out := domain.NewAggregatedMetrics()
	for _, k := range domain.ScalarKeys() {
		v, ok := s.Value(k)
		if !ok {
			continue
		}
		n, err := toCount(k, v)
		if err != nil {
			return domain.AggregatedMetrics{}, err
		}
		out.Counts[k] = n
	}

	total, hasTotal := out.Counts[domain.TotalReads]
	for _, k := range domain.PercentKeys() {
		n, ok := out.Counts[k]
		if !ok {
			continue
		}
		if !hasTotal || total == 0 {
			return domain.AggregatedMetrics{}, fmt.Errorf("%w: cannot derive %s", domain.ErrMissingTotalReads, domain.PercentageKey(k))
		}
		out.Percentages[domain.PercentageKey(k)] = RoundSignificant(float64(n)/float64(total), PercentPrecision)
	}

	hist, _ := s.Histogram(domain.CoverageHist)
	mean, err := MeanCoverage(hist)
	if err != nil {
		return domain.AggregatedMetrics{}, err
	}
	out.Counts[domain.MeanReadCoverage] = mean
	return out, nil
}

// MeanCoverage returns floor(Σ depth × frequency). An empty histogram yields 0.
func MeanCoverage(h domain.Histogram) (int64, error) {
	var sum float64
	for depth, freq := range h {
		if depth < 0 || freq < 0 {
			return 0, fmt.Errorf("%w: coverage_hist[%d]=%v", domain.ErrMalformedSnapshot, depth, freq)
		}
		sum += float64(depth) * freq
	}
	floor := math.Floor(sum)
	if math.IsInf(floor, 0) || math.IsNaN(floor) || floor >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: mean coverage overflow", domain.ErrMalformedSnapshot)
	}
	return int64(floor), nil
}

// RoundSignificant rounds x to digits significant digits.
func RoundSignificant(x float64, digits int) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	v, err := strconv.ParseFloat(strconv.FormatFloat(x, 'g', digits, 64), 64)
	if err != nil {
		return x
	}
	return v
}

// toCount rejects negative, fractional and out-of-range values. float64(math.MaxInt64)
// rounds to 2^63, which itself does not fit an int64.
func toCount(k domain.MetricKey, v float64) (int64, error) {
	if v < 0 || v != math.Trunc(v) || v >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s=%v is not a non-negative integer", domain.ErrMalformedSnapshot, k, v)
	}
	return int64(v), nil
}
