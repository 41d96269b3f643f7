package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FieldKind describes how an aggregated field is typed downstream.
type FieldKind string

const (
	KindCount      FieldKind = "count"
	KindPercentage FieldKind = "percentage"
)

// Field is one flattened entry of AggregatedMetrics.
type Field struct {
	Key   MetricKey
	Kind  FieldKind
	Value float64
}

// AggregatedMetrics is the terminal product of a session: integer counts for every
// known scalar key, "<key>_percentage" fractions and the synthesized mean_read_coverage.
type AggregatedMetrics struct {
	Counts      map[MetricKey]int64
	Percentages map[MetricKey]float64
}

// NewAggregatedMetrics returns empty metrics ready for writes.
func NewAggregatedMetrics() AggregatedMetrics {
	return AggregatedMetrics{
		Counts:      map[MetricKey]int64{},
		Percentages: map[MetricKey]float64{},
	}
}

// Count returns a count and whether it was present.
func (m AggregatedMetrics) Count(k MetricKey) (int64, bool) {
	v, ok := m.Counts[k]
	return v, ok
}

// Percentage returns the fraction stored under PercentageKey(k).
func (m AggregatedMetrics) Percentage(k MetricKey) (float64, bool) {
	v, ok := m.Percentages[PercentageKey(k)]
	return v, ok
}

// Fields flattens the metrics sorted by key.
func (m AggregatedMetrics) Fields() []Field {
	out := make([]Field, 0, len(m.Counts)+len(m.Percentages))
	for k, v := range m.Counts {
		out = append(out, Field{Key: k, Kind: KindCount, Value: float64(v)})
	}
	for k, v := range m.Percentages {
		out = append(out, Field{Key: k, Kind: KindPercentage, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of fields.
func (m AggregatedMetrics) Len() int {
	return len(m.Counts) + len(m.Percentages)
}

// MarshalJSON encodes a flat object of counts and percentages.
func (m AggregatedMetrics) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, m.Len())
	for k, v := range m.Counts {
		out[string(k)] = v
	}
	for k, v := range m.Percentages {
		out[string(k)] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a flat object; "<key>_percentage" keys become percentages.
func (m *AggregatedMetrics) UnmarshalJSON(b []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := NewAggregatedMetrics()
	for name, num := range raw {
		key, ok := LookupKey(name)
		if !ok {
			continue
		}
		if info := catalog[key]; info.Group == GroupPercentage {
			v, err := num.Float64()
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			out.Percentages[key] = v
			continue
		}
		v, err := num.Int64()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		out.Counts[key] = v
	}
	*m = out
	return nil
}

// Delivery is what every output destination receives once a session finalizes.
type Delivery struct {
	CompletedAt time.Time
	SessionID   string
	// Source is the target URL the statistics were computed for.
	Source  string
	Metrics AggregatedMetrics
}

// SessionState is the lifecycle position of a stream session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateListening
	StateAccumulating
	StateFinalizing
	StateDelivered
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAccumulating:
		return "accumulating"
	case StateFinalizing:
		return "finalizing"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// StreamOptions are passed verbatim to the broker.
type StreamOptions struct {
	IndexURL  string `json:"index_url,omitempty"`
	RegionURL string `json:"region_url,omitempty"`
	// Server overrides the broker endpoint for a single session.
	Server string `json:"server,omitempty"`
}
