package domain

type MetricKey string

const TotalReads MetricKey = "total_reads"

var custom = MetricKey("allowed_inside_domain")

func LookupKey(raw string) (MetricKey, bool) { return MetricKey(raw), raw != "" }
