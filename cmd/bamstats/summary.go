package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/services/delivery"
	"github.com/vshulcz/bamstats/internal/services/indexer"
)

var (
	headerStyle = color.New(color.Bold).SprintFunc()
	okStyle     = color.New(color.FgGreen).SprintFunc()
	failStyle   = color.New(color.FgRed).SprintFunc()
	dimStyle    = color.New(color.Faint).SprintFunc()
)

func printSummary(w io.Writer, source string, m domain.AggregatedMetrics, rep delivery.Report) {
	fmt.Fprintln(w, headerStyle("Statistics for "+source))
	for _, f := range m.Fields() {
		name, ok := domain.DisplayName(f.Key)
		if !ok {
			name = string(f.Key)
		}
		switch f.Kind {
		case domain.KindPercentage:
			fmt.Fprintf(w, "  %-28s %10.2f%%\n", name, f.Value*100)
		default:
			fmt.Fprintf(w, "  %-28s %10d\n", name, int64(f.Value))
		}
	}
	if len(rep.Outcomes) == 0 {
		return
	}
	fmt.Fprintln(w, headerStyle("Destinations"))
	for _, o := range rep.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(w, "  %-12s %s %v\n", o.Destination, failStyle("failed"), o.Err)
			continue
		}
		fmt.Fprintf(w, "  %-12s %s\n", o.Destination, okStyle("ok"))
	}
}

func printResults(w io.Writer, results []indexer.Result) {
	for _, r := range results {
		status := okStyle("ok")
		if r.Err != nil {
			status = failStyle("failed")
		}
		line := fmt.Sprintf("%s %s %s", r.DocumentID, status, dimStyle(r.Duration.Round(time.Millisecond)))
		if n, ok := r.Metrics.Count(domain.TotalReads); ok {
			line += fmt.Sprintf(" total_reads=%d", n)
		}
		if r.Error != "" {
			line += " " + strings.TrimSpace(r.Error)
		}
		fmt.Fprintln(w, line)
	}
}
