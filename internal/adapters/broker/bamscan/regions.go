package bamscan

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/vshulcz/bamstats/internal/domain"
)

// Interval is a zero-based, half-open reference range.
type Interval struct {
	Start int
	End   int
}

// Regions holds merged, sorted intervals per reference name.
type Regions map[string][]Interval

// ParseRegions reads BED-like lines "<ref> <start> <end> ...". Blank lines,
// comments and track/browser headers are skipped. Overlapping intervals are merged.
func ParseRegions(r io.Reader) (Regions, error) {
	out := Regions{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "track") || strings.HasPrefix(text, "browser") {
			continue
		}
		f := strings.Fields(text)
		if len(f) < 3 {
			return nil, fmt.Errorf("%w: region line %d: want <ref> <start> <end>", domain.ErrConfiguration, line)
		}
		start, err1 := strconv.Atoi(f[1])
		end, err2 := strconv.Atoi(f[2])
		if err1 != nil || err2 != nil || start < 0 || end <= start {
			return nil, fmt.Errorf("%w: region line %d: invalid range %s-%s", domain.ErrConfiguration, line, f[1], f[2])
		}
		out[f[0]] = append(out[f[0]], Interval{Start: start, End: end})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read regions: %w", err)
	}
	for ref, iv := range out {
		out[ref] = merge(iv)
	}
	return out, nil
}

func merge(iv []Interval) []Interval {
	sort.Slice(iv, func(i, j int) bool { return iv[i].Start < iv[j].Start })
	out := iv[:0]
	for _, x := range iv {
		if n := len(out); n > 0 && x.Start <= out[n-1].End {
			if x.End > out[n-1].End {
				out[n-1].End = x.End
			}
			continue
		}
		out = append(out, x)
	}
	return out
}

// Empty reports whether no region is defined.
func (r Regions) Empty() bool { return len(r) == 0 }

// first returns the index of the first interval of ref ending after pos.
func (r Regions) first(ref string, pos int) ([]Interval, int) {
	iv := r[ref]
	return iv, sort.Search(len(iv), func(i int) bool { return iv[i].End > pos })
}

// Overlaps reports whether [start,end) intersects any interval of ref.
func (r Regions) Overlaps(ref string, start, end int) bool {
	iv, i := r.first(ref, start)
	return i < len(iv) && iv[i].Start < end
}

// Contains reports whether pos lies inside an interval of ref.
func (r Regions) Contains(ref string, pos int) bool {
	return r.Overlaps(ref, pos, pos+1)
}

// OverlapLen returns how many positions of [start,end) fall inside intervals of ref.
func (r Regions) OverlapLen(ref string, start, end int) int {
	iv, i := r.first(ref, start)
	n := 0
	for ; i < len(iv) && iv[i].Start < end; i++ {
		lo, hi := max(iv[i].Start, start), min(iv[i].End, end)
		if hi > lo {
			n += hi - lo
		}
	}
	return n
}
