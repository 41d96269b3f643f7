// Package journal appends every delivery to a newline-delimited JSON history file.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vshulcz/bamstats/internal/domain"
)

// Entry is one line of the journal.
type Entry struct {
	CompletedAt time.Time                `json:"completed_at"`
	SessionID   string                   `json:"session_id"`
	Source      string                   `json:"source"`
	Metrics     domain.AggregatedMetrics `json:"metrics"`
}

// Writer appends deliveries to a local newline-delimited JSON file.
type Writer struct {
	path string
	mu   sync.Mutex
}

// New creates a Writer that appends to the provided filesystem path.
func New(path string) *Writer {
	return &Writer{path: path}
}

// Name identifies the destination in delivery reports.
func (w *Writer) Name() string { return "journal" }

// Notify marshals the delivery and appends it as a single line.
func (w *Writer) Notify(_ context.Context, d domain.Delivery) (retErr error) {
	if w == nil || w.path == "" {
		return nil
	}

	payload, err := json.Marshal(Entry{
		CompletedAt: d.CompletedAt,
		SessionID:   d.SessionID,
		Source:      d.Source,
		Metrics:     d.Metrics,
	})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && retErr == nil {
			retErr = fmt.Errorf("close journal: %w", cerr)
		}
	}()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}
