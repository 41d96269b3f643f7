// Package file writes finalized metrics to dated JSON files.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/vshulcz/bamstats/internal/domain"
)

// DefaultField wraps the metrics object in the written document.
const DefaultField = "bam_metrics"

const suffix = ".bamstats.json"

// Writer is an output destination that atomically writes one file per delivery.
type Writer struct {
	dir   string
	field string
}

// New returns a Writer placing files in dir under the given wrapping field.
func New(dir, field string) *Writer {
	if strings.TrimSpace(field) == "" {
		field = DefaultField
	}
	return &Writer{dir: dir, field: field}
}

// Name identifies the destination in delivery reports.
func (w *Writer) Name() string { return "file" }

// Notify writes {"<field>": metrics} to <dir>/<base>.<date>.bamstats.json.
func (w *Writer) Notify(_ context.Context, d domain.Delivery) error {
	p := w.PathFor(d.Source, d.CompletedAt)
	return writeJSONAtomic(p, map[string]domain.AggregatedMetrics{w.field: d.Metrics})
}

// PathFor returns the file path used for a source completed at t.
func (w *Writer) PathFor(source string, t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return filepath.Join(w.dir, BaseName(source)+"."+t.UTC().Format(time.DateOnly)+suffix)
}

// BaseName derives a file-system friendly name from a source URL or path, dropping
// the query string and a .bam/.cram extension.
func BaseName(source string) string {
	p := strings.TrimSpace(source)
	if u, err := url.Parse(p); err == nil && u.Scheme != "" {
		p = u.Path
		if p == "" || p == "/" {
			p = u.Host
		}
	}
	base := path.Base(filepath.ToSlash(p))
	switch ext := strings.ToLower(path.Ext(base)); ext {
	case ".bam", ".cram":
		base = strings.TrimSuffix(base, base[len(base)-len(ext):])
	}
	base = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '?', '*', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." || base == "/" {
		return "metrics"
	}
	return base
}

func writeJSONAtomic(path string, payload any) (retErr error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".bamstats-*")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	closed := false
	defer func() {
		if !closed {
			if cerr := tmp.Close(); cerr != nil && retErr == nil {
				retErr = fmt.Errorf("close tmp: %w", cerr)
			}
		}
		if cleanup {
			if err := os.Remove(tmpName); err != nil && retErr == nil {
				retErr = fmt.Errorf("remove tmp: %w", err)
			}
		}
	}()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tmp: %w", err)
	}
	closed = true
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	cleanup = false
	return nil
}
