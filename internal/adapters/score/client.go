// Package score resolves object IDs to download URLs through the object storage gateway.
package score

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/misc"
	"github.com/vshulcz/bamstats/internal/ports"
)

// ErrInvalidResponse marks a gateway reply that does not match the expected shape.
var ErrInvalidResponse = errors.New("invalid score response")

var metadataSchema = map[string]any{
	"type":     "object",
	"required": []any{"objectId", "parts"},
	"properties": map[string]any{
		"objectId":   map[string]any{"type": "string", "minLength": 1},
		"objectSize": map[string]any{"type": "integer", "minimum": 0},
		"parts": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"url"},
				"properties": map[string]any{
					"url":        map[string]any{"type": "string", "minLength": 1},
					"partNumber": map[string]any{"type": "integer"},
					"partSize":   map[string]any{"type": "integer"},
					"offset":     map[string]any{"type": "integer"},
				},
			},
		},
	},
}

// Client calls the gateway's download endpoint.
type Client struct {
	hc    *http.Client
	base  string
	token string
}

var _ ports.FileMetadataResolver = (*Client)(nil)

// New validates the gateway URL and returns a Client. token, when set, is sent as a bearer token.
func New(rawURL, token string, hc *http.Client) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: score url is empty", domain.ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("%w: invalid score url: %v", domain.ErrConfiguration, err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{base: strings.TrimRight(rawURL, "/"), token: token, hc: hc}, nil
}

// DownloadURL builds the metadata request URL for objectID.
func (c *Client) DownloadURL(objectID string, size int64) string {
	q := url.Values{}
	q.Set("User-Agent", "unknown")
	q.Set("external", "true")
	q.Set("length", strconv.FormatInt(size, 10))
	q.Set("offset", "0")
	return c.base + "/download/" + url.PathEscape(objectID) + "?" + q.Encode()
}

// Resolve fetches and validates the download metadata of objectID, retrying transient failures.
func (c *Client) Resolve(ctx context.Context, objectID string, size int64) (domain.FileMetadata, error) {
	if strings.TrimSpace(objectID) == "" {
		return domain.FileMetadata{}, fmt.Errorf("%w: object id is empty", domain.ErrConfiguration)
	}
	return misc.RetryValue(ctx, misc.DefaultBackoff, isRetryable, func() (domain.FileMetadata, error) {
		return c.fetch(ctx, objectID, size)
	})
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("score status %d", e.code) }

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidResponse) || errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) fetch(ctx context.Context, objectID string, size int64) (meta domain.FileMetadata, retErr error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(objectID, size), nil)
	if err != nil {
		return meta, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return meta, fmt.Errorf("score request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && retErr == nil {
			retErr = fmt.Errorf("close score response: %w", cerr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return meta, fmt.Errorf("object %s: %w", objectID, domain.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return meta, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return meta, fmt.Errorf("read score response: %w", err)
	}
	if err := Validate(body); err != nil {
		return meta, err
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return meta, nil
}

// Validate checks a raw gateway reply against the metadata schema.
func Validate(body []byte) error {
	res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(metadataSchema), gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(msgs, "; "))
	}
	return nil
}
