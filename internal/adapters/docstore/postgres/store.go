// Package postgres implements a Postgres-backed document store.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/misc"
	"github.com/vshulcz/bamstats/internal/ports"
)

// Store keeps documents and field mappings as JSONB rows with retryable operations.
type Store struct {
	db *sql.DB
}

var _ ports.DocumentStore = (*Store)(nil)

var retryablePGCodes = map[string]struct{}{
	pgerrcode.ConnectionException:                           {},
	pgerrcode.ConnectionDoesNotExist:                        {},
	pgerrcode.ConnectionFailure:                             {},
	pgerrcode.SQLClientUnableToEstablishSQLConnection:       {},
	pgerrcode.SQLServerRejectedEstablishmentOfSQLConnection: {},
	pgerrcode.TransactionResolutionUnknown:                  {},
	pgerrcode.SerializationFailure:                          {},
	pgerrcode.DeadlockDetected:                              {},
	pgerrcode.LockNotAvailable:                              {},
	pgerrcode.TooManyConnections:                            {},
	pgerrcode.AdminShutdown:                                 {},
	pgerrcode.CrashShutdown:                                 {},
	pgerrcode.CannotConnectNow:                              {},
}

// New returns a Postgres-backed store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetDocument reads and decodes a document body.
func (s *Store) GetDocument(ctx context.Context, index, id string) (domain.FileDocument, error) {
	const q = `SELECT body FROM documents WHERE index_name=$1 AND id=$2`
	var body []byte
	op := func() error {
		body = nil
		return s.db.QueryRowContext(ctx, q, index, id).Scan(&body)
	}
	if err := misc.Retry(ctx, misc.DefaultBackoff, isRetryablePG, op); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FileDocument{}, domain.ErrNotFound
		}
		return domain.FileDocument{}, err
	}
	var doc domain.FileDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.FileDocument{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	doc.ID = id
	return doc, nil
}

// PutDocument upserts a whole document body.
func (s *Store) PutDocument(ctx context.Context, index, id string, doc any) error {
	const q = `
INSERT INTO documents (index_name, id, body, updated_at)
VALUES ($1, $2, $3::jsonb, now())
ON CONFLICT (index_name, id)
DO UPDATE SET body=EXCLUDED.body, updated_at=now();`
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	op := func() error {
		_, err := s.db.ExecContext(ctx, q, index, id, string(b))
		return err
	}
	return misc.Retry(ctx, misc.DefaultBackoff, isRetryablePG, op)
}

// GetFieldMapping returns the declared properties of field or domain.ErrNotFound.
func (s *Store) GetFieldMapping(ctx context.Context, index, field string) (ports.FieldMapping, error) {
	const q = `SELECT properties FROM field_mappings WHERE index_name=$1 AND field=$2`
	var raw []byte
	op := func() error {
		raw = nil
		return s.db.QueryRowContext(ctx, q, index, field).Scan(&raw)
	}
	if err := misc.Retry(ctx, misc.DefaultBackoff, isRetryablePG, op); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	m := ports.FieldMapping{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode mapping %s.%s: %w", index, field, err)
	}
	return m, nil
}

// PutFieldMapping merges properties into the field mapping. Properties that
// already exist keep their stored type.
func (s *Store) PutFieldMapping(ctx context.Context, index, field string, m ports.FieldMapping) error {
	const q = `
INSERT INTO field_mappings (index_name, field, properties, updated_at)
VALUES ($1, $2, $3::jsonb, now())
ON CONFLICT (index_name, field)
DO UPDATE SET properties=EXCLUDED.properties || field_mappings.properties, updated_at=now();`
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	op := func() error {
		_, err := s.db.ExecContext(ctx, q, index, field, string(b))
		return err
	}
	return misc.Retry(ctx, misc.DefaultBackoff, isRetryablePG, op)
}

// UpdateDocument merges value into the JSON object stored under field.
func (s *Store) UpdateDocument(ctx context.Context, index, id, field string, value any) error {
	const q = `
UPDATE documents
SET body=jsonb_set(body, ARRAY[$3::text], COALESCE(body->$3::text, '{}'::jsonb) || $4::jsonb), updated_at=now()
WHERE index_name=$1 AND id=$2;`
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	var affected int64
	op := func() error {
		res, err := s.db.ExecContext(ctx, q, index, id, field, string(b))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}
	if err := misc.Retry(ctx, misc.DefaultBackoff, isRetryablePG, op); err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping verifies the database connection using a short-lived context.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	op := func() error {
		return s.db.PingContext(ctx)
	}
	return misc.Retry(ctx, misc.DefaultBackoff, isRetryablePG, op)
}

// IsRetryable reports whether the error should trigger a retry according to Postgres semantics.
func IsRetryable(err error) bool {
	return isRetryablePG(err)
}

func isRetryablePG(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return isRetryablePGCode(string(pqe.Code))
	}
	return false
}

func isRetryablePGCode(code string) bool {
	if _, ok := retryablePGCodes[code]; ok {
		return true
	}
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "40")
}
