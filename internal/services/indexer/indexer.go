// Package indexer computes statistics for indexed alignment documents and writes
// them back to the document store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vshulcz/bamstats/internal/adapters/sink/document"
	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
	"github.com/vshulcz/bamstats/internal/services/delivery"
	"github.com/vshulcz/bamstats/internal/services/stream"
)

// Config selects the index and field the service works on.
type Config struct {
	Index       string
	Field       string
	RegionURL   string
	Server      string
	Concurrency int
}

// Result is the outcome for one document.
type Result struct {
	Err        error                    `json:"-"`
	Metrics    domain.AggregatedMetrics `json:"metrics"`
	DocumentID string                   `json:"document_id"`
	ObjectID   string                   `json:"object_id,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Duration   time.Duration            `json:"duration"`
}

// Service runs the lookup, resolve, stream and deliver workflow.
type Service struct {
	store    ports.DocumentStore
	resolver ports.FileMetadataResolver
	listener *stream.Listener
	logger   *zap.Logger
	extra    []delivery.Destination
	cfg      Config
}

// New returns a Service. extra destinations receive every delivery next to the document update.
func New(store ports.DocumentStore, resolver ports.FileMetadataResolver, listener *stream.Listener, logger *zap.Logger, cfg Config, extra ...delivery.Destination) (*Service, error) {
	if store == nil || resolver == nil || listener == nil {
		return nil, fmt.Errorf("%w: indexer needs a document store, a resolver and a listener", domain.ErrConfiguration)
	}
	if strings.TrimSpace(cfg.Index) == "" {
		return nil, fmt.Errorf("%w: index name is empty", domain.ErrConfiguration)
	}
	if cfg.Field == "" {
		cfg.Field = document.DefaultField
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, resolver: resolver, listener: listener, logger: logger, cfg: cfg, extra: extra}, nil
}

// Index processes one document. Metrics are returned even when a delivery failed.
func (s *Service) Index(ctx context.Context, documentID string) (Result, error) {
	start := time.Now()
	res := Result{DocumentID: documentID}
	m, err := s.index(ctx, documentID, &res)
	res.Metrics = m
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		s.logger.Warn("document not indexed", zap.String("document_id", documentID), zap.Error(err))
		return res, err
	}
	s.logger.Info("document indexed", zap.String("document_id", documentID), zap.Duration("duration", res.Duration))
	return res, nil
}

func (s *Service) index(ctx context.Context, id string, res *Result) (domain.AggregatedMetrics, error) {
	var none domain.AggregatedMetrics
	doc, err := s.store.GetDocument(ctx, s.cfg.Index, id)
	if err != nil {
		return none, fmt.Errorf("lookup document %s: %w", id, err)
	}
	res.ObjectID = doc.ObjectID
	if !doc.IsAlignment() {
		return none, fmt.Errorf("%w: document %s has file type %q", domain.ErrSchemaMismatch, id, doc.FileType)
	}

	fileURL, err := s.resolve(ctx, doc.ObjectID, doc.File.Size)
	if err != nil {
		return none, err
	}
	var indexURL string
	if ix := doc.File.IndexFile; ix != nil && ix.ObjectID != "" {
		if indexURL, err = s.resolve(ctx, ix.ObjectID, ix.Size); err != nil {
			return none, err
		}
	}

	sink, err := document.New(s.store, s.cfg.Index, id, s.cfg.Field)
	if err != nil {
		return none, err
	}
	dests := append([]delivery.Destination{sink}, s.extra...)
	deliverer := delivery.New(s.logger, dests...)

	opts := domain.StreamOptions{IndexURL: indexURL, RegionURL: s.cfg.RegionURL, Server: s.cfg.Server}
	return s.listener.Run(ctx, fileURL, opts, stream.WithDeliverer(deliverer))
}

func (s *Service) resolve(ctx context.Context, objectID string, size int64) (string, error) {
	meta, err := s.resolver.Resolve(ctx, objectID, size)
	if err != nil {
		return "", fmt.Errorf("resolve object %s: %w", objectID, err)
	}
	u, ok := meta.DownloadURL()
	if !ok {
		return "", fmt.Errorf("resolve object %s: no download url: %w", objectID, domain.ErrNotFound)
	}
	return u, nil
}

// IndexMany processes documents concurrently. A failing document never stops the
// others; failures are joined in the returned error and kept on each Result.
func (s *Service) IndexMany(ctx context.Context, ids []string) ([]Result, error) {
	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{DocumentID: id, Err: err, Error: err.Error()}
				return nil
			}
			results[i], _ = s.Index(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.DocumentID, r.Err))
		}
	}
	return results, errors.Join(errs...)
}
