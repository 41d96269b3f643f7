// Package memory implements an in-memory document store for tests and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

// Store keeps raw JSON documents and field mappings per index.
type Store struct {
	docs     map[string]map[string]map[string]json.RawMessage
	mappings map[string]map[string]ports.FieldMapping
	mu       sync.RWMutex
}

var _ ports.DocumentStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:     map[string]map[string]map[string]json.RawMessage{},
		mappings: map[string]map[string]ports.FieldMapping{},
	}
}

// PutDocument stores doc (any JSON-marshalable value) under index/id, replacing it.
func (s *Store) PutDocument(index, id string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("document must be an object: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[index] == nil {
		s.docs[index] = map[string]map[string]json.RawMessage{}
	}
	s.docs[index][id] = fields
	return nil
}

// Raw returns a copy of the stored document fields.
func (s *Store) Raw(index, id string) (map[string]json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[index][id]
	if !ok {
		return nil, false
	}
	return maps.Clone(doc), true
}

// GetDocument decodes the stored document or returns domain.ErrNotFound.
func (s *Store) GetDocument(_ context.Context, index, id string) (domain.FileDocument, error) {
	s.mu.RLock()
	fields, ok := s.docs[index][id]
	var b []byte
	var err error
	if ok {
		b, err = json.Marshal(fields)
	}
	s.mu.RUnlock()
	if !ok {
		return domain.FileDocument{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FileDocument{}, err
	}
	var doc domain.FileDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return domain.FileDocument{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	doc.ID = id
	return doc, nil
}

// GetFieldMapping returns a copy of the mapping or domain.ErrNotFound.
func (s *Store) GetFieldMapping(_ context.Context, index, field string) (ports.FieldMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[index][field]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return maps.Clone(m), nil
}

// PutFieldMapping adds properties to the field mapping. Existing properties keep their type.
func (s *Store) PutFieldMapping(_ context.Context, index, field string, m ports.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mappings[index] == nil {
		s.mappings[index] = map[string]ports.FieldMapping{}
	}
	cur := s.mappings[index][field]
	if cur == nil {
		cur = ports.FieldMapping{}
	}
	for k, v := range m {
		if old, ok := cur[k]; ok && old != v {
			return fmt.Errorf("%w: %s.%s already mapped as %s", domain.ErrSchemaMismatch, field, k, old)
		}
		cur[k] = v
	}
	s.mappings[index][field] = cur
	return nil
}

// UpdateDocument merges value into the object stored under field.
func (s *Store) UpdateDocument(_ context.Context, index, id, field string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[index][id]
	if !ok {
		return domain.ErrNotFound
	}
	merged, err := mergeObjects(doc[field], b)
	if err != nil {
		return err
	}
	doc[field] = merged
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func mergeObjects(cur json.RawMessage, patch []byte) (json.RawMessage, error) {
	var p map[string]json.RawMessage
	if err := json.Unmarshal(patch, &p); err != nil {
		return patch, nil //nolint:nilerr // non-object patches replace the field
	}
	base := map[string]json.RawMessage{}
	if len(cur) > 0 {
		if err := json.Unmarshal(cur, &base); err != nil {
			base = map[string]json.RawMessage{}
		}
	}
	for k, v := range p {
		base[k] = v
	}
	return json.Marshal(base)
}
