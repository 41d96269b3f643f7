package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Histogram maps a bucket value (depth, length, quality) to its frequency.
type Histogram map[int]float64

// Clone returns an independent copy.
func (h Histogram) Clone() Histogram {
	if h == nil {
		return nil
	}
	cp := make(Histogram, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}

// Buckets returns bucket values in ascending order.
func (h Histogram) Buckets() []int {
	out := make([]int, 0, len(h))
	for k := range h {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// MarshalJSON encodes buckets as object keys, the shape the broker emits.
func (h Histogram) MarshalJSON() ([]byte, error) {
	raw := make(map[string]float64, len(h))
	for k, v := range h {
		raw[strconv.Itoa(k)] = v
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes an object of integer bucket keys.
func (h *Histogram) UnmarshalJSON(b []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: histogram: %v", ErrMalformedSnapshot, err)
	}
	out := make(Histogram, len(raw))
	for k, v := range raw {
		bucket, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("%w: histogram bucket %q", ErrMalformedSnapshot, k)
		}
		out[bucket] = v
	}
	*h = out
	return nil
}

// Snapshot is one complete cumulative statistics update emitted by a broker.
// Later snapshots supersede earlier ones.
type Snapshot struct {
	Values     map[MetricKey]float64
	Histograms map[MetricKey]Histogram
	// Extra keeps keys unknown to the catalog untouched.
	Extra map[string]json.RawMessage
}

// NewSnapshot returns an empty snapshot ready for writes.
func NewSnapshot() Snapshot {
	return Snapshot{
		Values:     map[MetricKey]float64{},
		Histograms: map[MetricKey]Histogram{},
	}
}

// ParseSnapshot decodes a broker data payload.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		if errors.Is(err, ErrMalformedSnapshot) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return s, nil
}

// Value returns a scalar value and whether it was present.
func (s Snapshot) Value(k MetricKey) (float64, bool) {
	v, ok := s.Values[k]
	return v, ok
}

// Histogram returns a histogram and whether it was present.
func (s Snapshot) Histogram(k MetricKey) (Histogram, bool) {
	h, ok := s.Histograms[k]
	return h, ok
}

// Has reports whether the snapshot carries the raw key in any form.
func (s Snapshot) Has(raw string) bool {
	if _, ok := s.Values[MetricKey(raw)]; ok {
		return true
	}
	if _, ok := s.Histograms[MetricKey(raw)]; ok {
		return true
	}
	_, ok := s.Extra[raw]
	return ok
}

// KeyNames lists every key in the snapshot, sorted.
func (s Snapshot) KeyNames() []string {
	out := make([]string, 0, len(s.Values)+len(s.Histograms)+len(s.Extra))
	for k := range s.Values {
		out = append(out, string(k))
	}
	for k := range s.Histograms {
		out = append(out, string(k))
	}
	for k := range s.Extra {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of keys.
func (s Snapshot) Len() int {
	return len(s.Values) + len(s.Histograms) + len(s.Extra)
}

// Clone returns a deep copy so buffered snapshots never alias broker state.
func (s Snapshot) Clone() Snapshot {
	cp := Snapshot{
		Values:     make(map[MetricKey]float64, len(s.Values)),
		Histograms: make(map[MetricKey]Histogram, len(s.Histograms)),
	}
	for k, v := range s.Values {
		cp.Values[k] = v
	}
	for k, h := range s.Histograms {
		cp.Histograms[k] = h.Clone()
	}
	if len(s.Extra) > 0 {
		cp.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			cp.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return cp
}

// MarshalJSON produces the flat broker payload.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, s.Len())
	for k, v := range s.Extra {
		out[k] = v
	}
	for k, v := range s.Values {
		out[string(k)] = v
	}
	for k, h := range s.Histograms {
		out[string(k)] = h
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat payload into scalars, histograms and pass-through keys.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return fmt.Errorf("%w: null payload", ErrMalformedSnapshot)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	out := NewSnapshot()
	for name, msg := range raw {
		key, known := LookupKey(name)
		if known && bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
			return fmt.Errorf("%w: %s is null", ErrMalformedSnapshot, name)
		}
		switch {
		case known && IsHistogramKey(key):
			var h Histogram
			if err := json.Unmarshal(msg, &h); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			out.Histograms[key] = h
		case known && (IsScalarKey(key) || IsAuxiliaryKey(key)):
			var v float64
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("%w: %s is not a number", ErrMalformedSnapshot, name)
			}
			out.Values[key] = v
		default:
			if out.Extra == nil {
				out.Extra = map[string]json.RawMessage{}
			}
			out.Extra[name] = append(json.RawMessage(nil), msg...)
		}
	}
	*s = out
	return nil
}

// Validate checks counts and histograms for values no aggregation can use.
func (s Snapshot) Validate() error {
	for k, v := range s.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrMalformedSnapshot, k)
		}
	}
	for k, h := range s.Histograms {
		for bucket, freq := range h {
			if math.IsNaN(freq) || math.IsInf(freq, 0) || freq < 0 {
				return fmt.Errorf("%w: %s[%d]=%v", ErrMalformedSnapshot, k, bucket, freq)
			}
		}
	}
	return nil
}
