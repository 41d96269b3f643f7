package domain

import "strings"

// MetricKey names a statistic produced by the data broker.
type MetricKey string

const (
	MappedReads      MetricKey = "mapped_reads"
	ForwardStrands   MetricKey = "forward_strands"
	ReverseStrands   MetricKey = "reverse_strands"
	ProperPairs      MetricKey = "proper_pairs"
	Singletons       MetricKey = "singletons"
	BothMatesMapped  MetricKey = "both_mates_mapped"
	Duplicates       MetricKey = "duplicates"
	FailedQC         MetricKey = "failed_qc"
	FirstMates       MetricKey = "first_mates"
	SecondMates      MetricKey = "second_mates"
	PairedEndReads   MetricKey = "paired_end_reads"
	LastReadPosition MetricKey = "last_read_position"
	TotalReads       MetricKey = "total_reads"
	MeanReadCoverage MetricKey = "mean_read_coverage"
	CoverageDepth    MetricKey = "coverage_depth"

	CoverageHist MetricKey = "coverage_hist"
	FragHist     MetricKey = "frag_hist"
	LengthHist   MetricKey = "length_hist"
	MapqHist     MetricKey = "mapq_hist"
	BaseqHist    MetricKey = "baseq_hist"
)

const percentageSuffix = "_percentage"

// KeyGroup classifies catalog entries.
type KeyGroup string

const (
	GroupPercent    KeyGroup = "percent"
	GroupStatistic  KeyGroup = "statistic"
	GroupHistogram  KeyGroup = "histogram"
	GroupAuxiliary  KeyGroup = "auxiliary"
	GroupPercentage KeyGroup = "percentage"
)

// KeyInfo is the catalog entry for a single key.
type KeyInfo struct {
	Key             MetricKey `json:"key"`
	DisplayName     string    `json:"display_name"`
	Group           KeyGroup  `json:"group"`
	IgnoresOutliers bool      `json:"ignores_outliers,omitempty"`
}

var percentKeys = []MetricKey{
	MappedReads, ForwardStrands, ProperPairs, Singletons, BothMatesMapped, Duplicates,
}

var statisticKeys = []MetricKey{
	FailedQC, FirstMates, LastReadPosition, MeanReadCoverage, PairedEndReads,
	ReverseStrands, SecondMates, TotalReads,
}

var histogramKeys = []MetricKey{
	CoverageHist, FragHist, LengthHist, MapqHist, BaseqHist,
}

var auxiliaryKeys = []MetricKey{CoverageDepth}

var displayNames = map[MetricKey]string{
	MappedReads:      "Mapped Reads",
	ForwardStrands:   "Forward Strands",
	ReverseStrands:   "Reverse Strands",
	ProperPairs:      "Proper Pairs",
	Singletons:       "Singletons",
	BothMatesMapped:  "Both Mates Mapped",
	Duplicates:       "Duplicates",
	FailedQC:         "Failed QC",
	FirstMates:       "First Mates",
	SecondMates:      "Second Mates",
	PairedEndReads:   "Paired End Reads",
	LastReadPosition: "Last Read Position",
	TotalReads:       "Total Reads",
	MeanReadCoverage: "Mean Read Coverage",
	CoverageDepth:    "Coverage Depth",
	CoverageHist:     "Read Coverage Distribution",
	FragHist:         "Fragment Length",
	LengthHist:       "Read Length",
	MapqHist:         "Mapping Quality",
	BaseqHist:        "Base Quality",
}

var catalog = buildCatalog()

func buildCatalog() map[MetricKey]KeyInfo {
	m := make(map[MetricKey]KeyInfo, 32)
	for _, k := range percentKeys {
		m[k] = KeyInfo{Key: k, DisplayName: displayNames[k], Group: GroupPercent}
		pk := PercentageKey(k)
		m[pk] = KeyInfo{Key: pk, DisplayName: displayNames[k] + " Percentage", Group: GroupPercentage}
	}
	for _, k := range statisticKeys {
		m[k] = KeyInfo{Key: k, DisplayName: displayNames[k], Group: GroupStatistic}
	}
	for _, k := range histogramKeys {
		m[k] = KeyInfo{Key: k, DisplayName: displayNames[k], Group: GroupHistogram, IgnoresOutliers: k == FragHist || k == LengthHist}
	}
	for _, k := range auxiliaryKeys {
		m[k] = KeyInfo{Key: k, DisplayName: displayNames[k], Group: GroupAuxiliary}
	}
	return m
}

// IsPercentKey reports whether the key is expressed as a fraction of total reads.
func IsPercentKey(k MetricKey) bool {
	info, ok := catalog[k]
	return ok && info.Group == GroupPercent
}

// IsHistogramKey reports whether the key carries a bucket->frequency distribution.
func IsHistogramKey(k MetricKey) bool {
	info, ok := catalog[k]
	return ok && info.Group == GroupHistogram
}

// IsAuxiliaryKey reports whether the key is display-only and never aggregated.
func IsAuxiliaryKey(k MetricKey) bool {
	info, ok := catalog[k]
	return ok && info.Group == GroupAuxiliary
}

// IsScalarKey reports whether the key is a count copied into aggregated metrics.
func IsScalarKey(k MetricKey) bool {
	info, ok := catalog[k]
	return ok && (info.Group == GroupPercent || info.Group == GroupStatistic)
}

// IgnoresOutliers reports whether consumers should trim outliers when plotting the histogram.
func IgnoresOutliers(k MetricKey) bool {
	return catalog[k].IgnoresOutliers
}

// DisplayName returns the human label of a known key. Unknown keys report ok=false.
func DisplayName(k MetricKey) (string, bool) {
	info, ok := catalog[k]
	if !ok {
		return "", false
	}
	return info.DisplayName, true
}

// LookupKey resolves a raw broker key against the catalog.
func LookupKey(raw string) (MetricKey, bool) {
	k := MetricKey(strings.TrimSpace(raw))
	_, ok := catalog[k]
	return k, ok
}

// PercentageKey returns the derived "<key>_percentage" key.
func PercentageKey(k MetricKey) MetricKey {
	return MetricKey(string(k) + percentageSuffix)
}

// PercentKeys lists percent-eligible keys in catalog order.
func PercentKeys() []MetricKey {
	return append([]MetricKey(nil), percentKeys...)
}

// ScalarKeys lists percent-eligible and plain statistic keys in catalog order.
func ScalarKeys() []MetricKey {
	out := make([]MetricKey, 0, len(percentKeys)+len(statisticKeys))
	out = append(out, percentKeys...)
	return append(out, statisticKeys...)
}

// HistogramKeys lists histogram keys in catalog order.
func HistogramKeys() []MetricKey {
	return append([]MetricKey(nil), histogramKeys...)
}

// Catalog returns every entry in a stable order.
func Catalog() []KeyInfo {
	out := make([]KeyInfo, 0, len(catalog))
	for _, k := range percentKeys {
		out = append(out, catalog[k], catalog[PercentageKey(k)])
	}
	for _, group := range [][]MetricKey{statisticKeys, histogramKeys, auxiliaryKeys} {
		for _, k := range group {
			out = append(out, catalog[k])
		}
	}
	return out
}
