package ports

import (
	"context"

	"github.com/vshulcz/bamstats/internal/domain"
)

// FieldMapping maps a field name to its store type ("long", "float").
type FieldMapping map[string]string

// DocumentStore is the search/document backend holding file records.
type DocumentStore interface {
	GetDocument(ctx context.Context, index, id string) (domain.FileDocument, error)
	// GetFieldMapping returns the mapping of an object field, or domain.ErrNotFound.
	GetFieldMapping(ctx context.Context, index, field string) (FieldMapping, error)
	PutFieldMapping(ctx context.Context, index, field string, m FieldMapping) error
	// UpdateDocument merges value under field without touching other fields.
	UpdateDocument(ctx context.Context, index, id, field string, value any) error
	Ping(ctx context.Context) error
}

// FileMetadataResolver resolves object IDs into download descriptors.
type FileMetadataResolver interface {
	Resolve(ctx context.Context, objectID string, size int64) (domain.FileMetadata, error)
}
