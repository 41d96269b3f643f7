package bamscan

import (
	"github.com/grailbio/hts/sam"

	"github.com/vshulcz/bamstats/internal/domain"
)

// Stats accumulates read statistics over primary alignments.
type Stats struct {
	regions Regions
	counts  map[domain.MetricKey]int64
	hists   map[domain.MetricKey]domain.Histogram
	cov     coverage
	lastPos int
}

// NewStats returns an accumulator restricted to regions (all reads when empty).
func NewStats(regions Regions) *Stats {
	s := &Stats{
		regions: regions,
		counts:  map[domain.MetricKey]int64{},
		hists:   map[domain.MetricKey]domain.Histogram{},
		cov:     coverage{regions: regions, hist: domain.Histogram{}},
	}
	for _, k := range domain.HistogramKeys() {
		if k != domain.CoverageHist {
			s.hists[k] = domain.Histogram{}
		}
	}
	return s
}

// Total returns the number of counted reads.
func (s *Stats) Total() int64 { return s.counts[domain.TotalReads] }

// Add counts r and reports whether it was counted. Secondary and supplementary
// alignments are skipped, and so are reads outside the regions.
func (s *Stats) Add(r *sam.Record) bool {
	f := r.Flags
	if f&(sam.Secondary|sam.Supplementary) != 0 {
		return false
	}
	mapped := f&sam.Unmapped == 0 && r.Ref != nil
	if !s.regions.Empty() {
		if !mapped || !s.regions.Overlaps(r.Ref.Name(), r.Start(), r.End()) {
			return false
		}
	}

	s.counts[domain.TotalReads]++
	if f&sam.QCFail != 0 {
		s.counts[domain.FailedQC]++
	}
	if f&sam.Duplicate != 0 {
		s.counts[domain.Duplicates]++
	}
	if f&sam.Paired != 0 {
		s.counts[domain.PairedEndReads]++
		if f&sam.Read1 != 0 {
			s.counts[domain.FirstMates]++
		}
		if f&sam.Read2 != 0 {
			s.counts[domain.SecondMates]++
		}
		if f&sam.ProperPair != 0 {
			s.counts[domain.ProperPairs]++
		}
		if mapped {
			if f&sam.MateUnmapped != 0 {
				s.counts[domain.Singletons]++
			} else {
				s.counts[domain.BothMatesMapped]++
			}
		}
	}
	if r.Seq.Length > 0 {
		s.hists[domain.LengthHist][r.Seq.Length]++
	}
	for _, q := range r.Qual {
		if q != 0xff {
			s.hists[domain.BaseqHist][int(q)]++
		}
	}
	if !mapped {
		return true
	}

	s.counts[domain.MappedReads]++
	if f&sam.Reverse != 0 {
		s.counts[domain.ReverseStrands]++
	} else {
		s.counts[domain.ForwardStrands]++
	}
	s.hists[domain.MapqHist][int(r.MapQ)]++
	if f&(sam.Paired|sam.ProperPair) == sam.Paired|sam.ProperPair && r.TempLen > 0 {
		s.hists[domain.FragHist][r.TempLen]++
	}
	if end := r.End(); end > s.lastPos {
		s.lastPos = end
	}
	if blocks := alignedBlocks(r); len(blocks) > 0 {
		s.cov.add(r.Ref.Name(), blocks)
	}
	return true
}

// Finish flushes pending coverage. Add must not be called afterwards.
func (s *Stats) Finish() {
	s.cov.flushAll()
}

// Snapshot returns the cumulative statistics. Percentage-bearing counts are
// only included once at least one read was counted.
func (s *Stats) Snapshot() domain.Snapshot {
	snap := domain.NewSnapshot()
	total := s.counts[domain.TotalReads]
	for _, k := range domain.ScalarKeys() {
		if k == domain.MeanReadCoverage {
			continue
		}
		if domain.IsPercentKey(k) && total == 0 {
			continue
		}
		snap.Values[k] = float64(s.counts[k])
	}
	snap.Values[domain.LastReadPosition] = float64(s.lastPos)
	for k, h := range s.hists {
		snap.Histograms[k] = h.Clone()
	}
	snap.Histograms[domain.CoverageHist] = s.cov.normalized()
	return snap
}

type block struct{ start, end int }

func alignedBlocks(r *sam.Record) []block {
	var out []block
	pos := r.Pos
	for _, co := range r.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			out = append(out, block{pos, pos + n})
			pos += n
		case sam.CigarDeletion, sam.CigarSkipped:
			pos += n
		default:
		}
	}
	return out
}

// coverage sweeps per-base depth over coordinate-sorted reads. Positions are
// recorded once no later read can start before them; gaps between reads of the
// same reference count as depth zero.
type coverage struct {
	regions Regions
	hist    domain.Histogram
	ref     string
	depth   []int32
	base    int
	active  bool
}

func (c *coverage) add(ref string, blocks []block) {
	start := blocks[0].start
	switch {
	case !c.active || ref != c.ref:
		c.flushAll()
		c.ref, c.base, c.active = ref, start, true
	case start > c.base:
		c.flushTo(start)
	}
	for _, b := range blocks {
		lo := max(b.start, c.base)
		if b.end <= lo {
			continue
		}
		if need := b.end - c.base; need > len(c.depth) {
			c.depth = append(c.depth, make([]int32, need-len(c.depth))...)
		}
		for p := lo; p < b.end; p++ {
			c.depth[p-c.base]++
		}
	}
}

func (c *coverage) flushTo(pos int) {
	n := pos - c.base
	tracked := min(n, len(c.depth))
	for i := 0; i < tracked; i++ {
		c.record(c.base+i, c.depth[i])
	}
	if gap := n - tracked; gap > 0 {
		lo := c.base + tracked
		if c.regions.Empty() {
			c.hist[0] += float64(gap)
		} else {
			c.hist[0] += float64(c.regions.OverlapLen(c.ref, lo, pos))
		}
	}
	c.depth = c.depth[:copy(c.depth, c.depth[tracked:])]
	c.base = pos
}

func (c *coverage) flushAll() {
	if !c.active {
		return
	}
	c.flushTo(c.base + len(c.depth))
	c.active = false
}

func (c *coverage) record(pos int, d int32) {
	if c.regions.Empty() || c.regions.Contains(c.ref, pos) {
		c.hist[int(d)]++
	}
}

// normalized returns the depth histogram as fractions of recorded positions.
func (c *coverage) normalized() domain.Histogram {
	var total float64
	for _, v := range c.hist {
		total += v
	}
	out := make(domain.Histogram, len(c.hist))
	if total == 0 {
		return out
	}
	for d, v := range c.hist {
		out[d] = v / total
	}
	return out
}
