package app

import "example.com/internal/domain"

type label string

func keys(raw string) []domain.MetricKey {
	k, _ := domain.LookupKey(raw)
	_ = label("fine")
	return []domain.MetricKey{
		domain.TotalReads,
		domain.MetricKey(raw),
		k,
		domain.MetricKey("mapped_reads"),   // want `metric key "mapped_reads" built from a literal`
		domain.MetricKey(("duplicates")), // want `metric key "duplicates" built from a literal`
	}
}
