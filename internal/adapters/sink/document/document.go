// Package document delivers metrics as a partial update of a document-store record.
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

// DefaultField is the document field receiving the metrics object.
const DefaultField = "bam_metrics"

// Mapping types declared for the metrics field.
const (
	TypeCount      = "long"
	TypePercentage = "float"
)

// Sink updates a single document with each delivery.
type Sink struct {
	store ports.DocumentStore
	index string
	id    string
	field string
}

// New returns a Sink updating index/id under field.
func New(store ports.DocumentStore, index, id, field string) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: document store is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(index) == "" || strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: index and document id are required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(field) == "" {
		field = DefaultField
	}
	return &Sink{store: store, index: index, id: id, field: field}, nil
}

// Name identifies the destination in delivery reports.
func (s *Sink) Name() string { return "document" }

// Notify ensures the field mapping and then merges the metrics into the document.
func (s *Sink) Notify(ctx context.Context, d domain.Delivery) error {
	if err := EnsureMapping(ctx, s.store, s.index, s.field); err != nil {
		return err
	}
	if err := s.store.UpdateDocument(ctx, s.index, s.id, s.field, d.Metrics); err != nil {
		return fmt.Errorf("update %s/%s: %w", s.index, s.id, err)
	}
	return nil
}

// Mapping returns the property types declared for every scalar and percentage key.
func Mapping() ports.FieldMapping {
	m := ports.FieldMapping{}
	for _, k := range domain.ScalarKeys() {
		m[string(k)] = TypeCount
	}
	for _, k := range domain.PercentKeys() {
		m[string(domain.PercentageKey(k))] = TypePercentage
	}
	return m
}

// EnsureMapping declares any missing properties of field. A property already
// mapped with a different type is reported as domain.ErrSchemaMismatch.
func EnsureMapping(ctx context.Context, store ports.DocumentStore, index, field string) error {
	want := Mapping()
	have, err := store.GetFieldMapping(ctx, index, field)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		have = nil
	case err != nil:
		return fmt.Errorf("read mapping %s.%s: %w", index, field, err)
	}

	missing := ports.FieldMapping{}
	for k, typ := range want {
		cur, ok := have[k]
		if !ok {
			missing[k] = typ
			continue
		}
		if cur != typ {
			return fmt.Errorf("%w: %s.%s is mapped as %q, want %q", domain.ErrSchemaMismatch, field, k, cur, typ)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := store.PutFieldMapping(ctx, index, field, missing); err != nil {
		return fmt.Errorf("put mapping %s.%s: %w", index, field, err)
	}
	return nil
}
