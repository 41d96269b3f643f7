package ginserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/adapters/broker/ndjson"
	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
	"github.com/vshulcz/bamstats/internal/services/indexer"
	"github.com/vshulcz/bamstats/internal/services/stream"
)

// Deps are the services behind the HTTP API. Indexer and Broker are optional;
// their routes answer 503 when unset.
type Deps struct {
	Store    ports.DocumentStore
	Listener *stream.Listener
	Indexer  *indexer.Service
	Broker   ports.Broker
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Handler exposes the statistics API and the broker event stream.
type Handler struct {
	deps Deps
}

// NewHandler wires the services into a gin-compatible HTTP handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 10 * time.Minute
	}
	return &Handler{deps: deps}
}

// StatsRequest is the body of `POST /api/v1/stats`.
type StatsRequest struct {
	URL       string `json:"url"`
	IndexURL  string `json:"index_url,omitempty"`
	RegionURL string `json:"region_url,omitempty"`
	Server    string `json:"server,omitempty"`
}

// StatsResponse carries finalized metrics and, on partial delivery, the error.
type StatsResponse struct {
	Metrics domain.AggregatedMetrics `json:"metrics"`
	Error   string                   `json:"error,omitempty"`
}

// Ping proxies `GET /ping` to the document store health check.
func (h *Handler) Ping(c *gin.Context) {
	if h.deps.Store == nil {
		c.String(http.StatusOK, "ok")
		return
	}
	if err := h.deps.Store.Ping(c.Request.Context()); err != nil {
		c.String(http.StatusInternalServerError, "store ping error: %v", err)
		return
	}
	c.String(http.StatusOK, "ok")
}

// Keys handles `GET /api/v1/keys` and lists the metric catalog.
func (h *Handler) Keys(c *gin.Context) {
	c.JSON(http.StatusOK, domain.Catalog())
}

// Stats handles `POST /api/v1/stats`: it runs one stream session under the
// configured deadline and answers with the finalized metrics.
func (h *Handler) Stats(c *gin.Context) {
	var req StatsRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if h.deps.Listener == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no broker configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deps.Timeout)
	defer cancel()
	opts := domain.StreamOptions{IndexURL: req.IndexURL, RegionURL: req.RegionURL, Server: req.Server}
	m, err := h.deps.Listener.Run(ctx, req.URL, opts)
	h.respondMetrics(c, m, err)
}

// IndexDocument handles `POST /api/v1/documents/:id/stats`.
func (h *Handler) IndexDocument(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.deps.Indexer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "indexing is not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deps.Timeout)
	defer cancel()
	res, err := h.deps.Indexer.Index(ctx, id)
	h.respondMetrics(c, res.Metrics, err)
}

func (h *Handler) respondMetrics(c *gin.Context, m domain.AggregatedMetrics, err error) {
	if err == nil {
		c.JSON(http.StatusOK, StatsResponse{Metrics: m})
		return
	}
	var de *domain.DeliveryError
	if errors.As(err, &de) {
		c.JSON(http.StatusBadGateway, StatsResponse{Metrics: m, Error: err.Error()})
		return
	}
	httpError(c, err)
}

// BrokerStats handles `GET /broker/stats` and streams NDJSON events for a file.
func (h *Handler) BrokerStats(c *gin.Context) {
	target := strings.TrimSpace(c.Query("url"))
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if h.deps.Broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no local broker"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deps.Timeout)
	defer cancel()

	c.Header("Content-Type", ndjson.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	em := &notifyingEmitter{Emitter: ndjson.NewEmitter(c.Writer), done: make(chan struct{})}
	opts := domain.StreamOptions{IndexURL: c.Query("index"), RegionURL: c.Query("regions")}
	sub, err := h.deps.Broker.Subscribe(ctx, target, opts, em)
	if err != nil {
		em.OnError(err)
		em.detach()
		return
	}
	defer func() { _ = sub.Close() }()

	select {
	case <-em.done:
	case <-ctx.Done():
		em.OnError(ctx.Err())
	}
	em.detach()
	if err := em.Err(); err != nil {
		h.deps.Logger.Debug("broker stream write failed", zap.Error(err))
	}
}

// notifyingEmitter signals completion and drops events once the handler returned.
type notifyingEmitter struct {
	*ndjson.Emitter
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func (e *notifyingEmitter) OnStart() { e.emit(func() { e.Emitter.OnStart() }, false) }

func (e *notifyingEmitter) OnData(s domain.Snapshot) { e.emit(func() { e.Emitter.OnData(s) }, false) }

func (e *notifyingEmitter) OnEnd() { e.emit(func() { e.Emitter.OnEnd() }, true) }

func (e *notifyingEmitter) OnError(err error) { e.emit(func() { e.Emitter.OnError(err) }, true) }

func (e *notifyingEmitter) emit(fn func(), last bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	fn()
	if last {
		e.closed = true
		close(e.done)
	}
}

func (e *notifyingEmitter) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

func httpError(c *gin.Context, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrConfiguration):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrEmptyStream),
		errors.Is(err, domain.ErrMalformedSnapshot),
		errors.Is(err, domain.ErrMissingTotalReads),
		errors.Is(err, domain.ErrNonCumulativeSnapshot),
		errors.Is(err, domain.ErrSchemaMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "deadline exceeded"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
