// Package webhook posts finalized metrics to a callback URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/misc"
)

// Payload is the JSON body sent to the endpoint.
type Payload struct {
	CompletedAt time.Time                `json:"completed_at"`
	SessionID   string                   `json:"session_id"`
	Source      string                   `json:"source"`
	Metrics     domain.AggregatedMetrics `json:"metrics"`
}

// Client sends deliveries to a remote HTTP endpoint.
type Client struct {
	hc       *http.Client
	endpoint string
	key      string
}

// Option configures a Client.
type Option func(*Client)

// WithSigningKey signs every body with HMAC-SHA256 in the misc.SignatureHeader header.
func WithSigningKey(key string) Option {
	return func(c *Client) { c.key = strings.TrimSpace(key) }
}

// New validates the endpoint URL and returns a Client that POSTs deliveries there.
func New(rawURL string, hc *http.Client, opts ...Option) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: webhook url is empty", domain.ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("%w: invalid webhook url: %v", domain.ErrConfiguration, err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	c := &Client{endpoint: rawURL, hc: hc}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name identifies the destination in delivery reports.
func (c *Client) Name() string { return "webhook" }

// Notify serializes the delivery and issues an HTTP POST to the configured endpoint.
func (c *Client) Notify(ctx context.Context, d domain.Delivery) (retErr error) {
	if c == nil {
		return nil
	}
	payload, err := json.Marshal(Payload{
		CompletedAt: d.CompletedAt,
		SessionID:   d.SessionID,
		Source:      d.Source,
		Metrics:     d.Metrics,
	})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set(misc.SignatureHeader, misc.Sign(payload, c.key))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && retErr == nil {
			retErr = fmt.Errorf("close webhook response: %w", cerr)
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post status %d", resp.StatusCode)
	}
	return nil
}
