// Package elastic keeps file documents and metric mappings in an Elasticsearch index.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/misc"
	"github.com/vshulcz/bamstats/internal/ports"
)

// Client is a document store backed by an Elasticsearch cluster.
type Client struct {
	es *elasticsearch.Client
}

var _ ports.DocumentStore = (*Client)(nil)

type options struct {
	hc       *http.Client
	username string
	password string
	apiKey   string
}

// Option configures the Client.
type Option func(*options)

// WithBasicAuth sets HTTP basic credentials.
func WithBasicAuth(user, pass string) Option {
	return func(o *options) { o.username, o.password = user, pass }
}

// WithAPIKey sets an "ApiKey" authorization header.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithHTTPClient sends every request through hc, keeping its timeout and transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		if hc != nil {
			o.hc = hc
		}
	}
}

// StatusError is a non-2xx reply from the cluster.
type StatusError struct {
	Op   string
	Body string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

// retryStatuses are retried by the transport with misc.DefaultBackoff delays.
var retryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// New returns a Client for the cluster at rawURL.
func New(rawURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: elasticsearch url is empty", domain.ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("%w: invalid elasticsearch url: %v", domain.ErrConfiguration, err)
	}
	o := options{hc: &http.Client{Timeout: 10 * time.Second}}
	for _, fn := range opts {
		fn(&o)
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{rawURL},
		Username:      o.username,
		Password:      o.password,
		APIKey:        o.apiKey,
		Transport:     clientTransport{hc: o.hc},
		RetryOnStatus: retryStatuses,
		MaxRetries:    len(misc.DefaultBackoff),
		RetryBackoff:  backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: elasticsearch client: %v", domain.ErrConfiguration, err)
	}
	return &Client{es: es}, nil
}

func backoff(attempt int) time.Duration {
	b := misc.DefaultBackoff
	switch {
	case len(b) == 0:
		return 0
	case attempt > len(b):
		return b[len(b)-1]
	case attempt < 1:
		return b[0]
	}
	return b[attempt-1]
}

type clientTransport struct {
	hc *http.Client
}

func (t clientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.hc.Do(req)
}

type getResponse struct {
	Source json.RawMessage `json:"_source"`
	ID     string          `json:"_id"`
	Found  bool            `json:"found"`
}

// GetDocument fetches the _source of index/id.
func (c *Client) GetDocument(ctx context.Context, index, id string) (domain.FileDocument, error) {
	var resp getResponse
	res, err := c.es.Get(index, id, c.es.Get.WithContext(ctx))
	if err := decode("get "+index+"/"+id, res, err, &resp); err != nil {
		return domain.FileDocument{}, err
	}
	if !resp.Found {
		return domain.FileDocument{}, domain.ErrNotFound
	}
	var doc domain.FileDocument
	if err := json.Unmarshal(resp.Source, &doc); err != nil {
		return domain.FileDocument{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	doc.ID = id
	return doc, nil
}

type property struct {
	Properties map[string]property `json:"properties,omitempty"`
	Type       string              `json:"type,omitempty"`
}

type indexMapping struct {
	Mappings property `json:"mappings"`
}

// GetFieldMapping reads the sub-properties of field. A field with no mapping
// yields domain.ErrNotFound.
func (c *Client) GetFieldMapping(ctx context.Context, index, field string) (ports.FieldMapping, error) {
	var resp map[string]indexMapping
	res, err := c.es.Indices.GetMapping(
		c.es.Indices.GetMapping.WithIndex(index),
		c.es.Indices.GetMapping.WithContext(ctx),
	)
	if err := decode("get mapping "+index, res, err, &resp); err != nil {
		return nil, err
	}
	for _, im := range resp {
		p, ok := im.Mappings.Properties[field]
		if !ok {
			return nil, domain.ErrNotFound
		}
		m := ports.FieldMapping{}
		for k, v := range p.Properties {
			m[k] = v.Type
		}
		return m, nil
	}
	return nil, domain.ErrNotFound
}

// PutFieldMapping declares properties under field. The cluster rejects type
// changes of existing properties; such rejections map to domain.ErrSchemaMismatch.
func (c *Client) PutFieldMapping(ctx context.Context, index, field string, m ports.FieldMapping) error {
	props := make(map[string]property, len(m))
	for k, typ := range m {
		props[k] = property{Type: typ}
	}
	body, err := jsonBody(property{Properties: map[string]property{field: {Properties: props}}})
	if err != nil {
		return err
	}
	res, err := c.es.Indices.PutMapping([]string{index}, body, c.es.Indices.PutMapping.WithContext(ctx))
	err = decode("put mapping "+index, res, err, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest {
		return fmt.Errorf("%w: %v", domain.ErrSchemaMismatch, err)
	}
	return err
}

// UpdateDocument sends a partial update {"doc":{field:value}}.
func (c *Client) UpdateDocument(ctx context.Context, index, id, field string, value any) error {
	body, err := jsonBody(map[string]any{"doc": map[string]any{field: value}})
	if err != nil {
		return err
	}
	res, err := c.es.Update(index, id, body, c.es.Update.WithContext(ctx))
	return decode("update "+index+"/"+id, res, err, nil)
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	return decode("ping", res, err, nil)
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return bytes.NewReader(b), nil
}

// decode maps a response onto out, closing the body. 404 becomes domain.ErrNotFound.
func decode(op string, res *esapi.Response, err error, out any) (retErr error) {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil && retErr == nil {
			retErr = fmt.Errorf("close response: %w", cerr)
		}
	}()

	if res.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, res.Body)
		return domain.ErrNotFound
	}
	if res.IsError() {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Op: op, Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, err = io.Copy(io.Discard, res.Body)
		return err
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}
