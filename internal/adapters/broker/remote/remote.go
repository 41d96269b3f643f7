// Package remote subscribes to a statistics broker that streams NDJSON events over HTTP.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/adapters/broker/ndjson"
	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

// StatsPath is the broker endpoint serving event streams.
const StatsPath = "/broker/stats"

// Broker opens one HTTP stream per subscription.
type Broker struct {
	hc     *http.Client
	logger *zap.Logger
	base   string
}

var _ ports.Broker = (*Broker)(nil)

// New returns a Broker for the service at rawURL. hc should not set a
// Timeout shorter than the longest expected stream.
func New(rawURL string, hc *http.Client, logger *zap.Logger) (*Broker, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: broker url is empty", domain.ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("%w: invalid broker url: %v", domain.ErrConfiguration, err)
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{base: strings.TrimRight(rawURL, "/"), hc: hc, logger: logger}, nil
}

// StreamURL builds the request URL for a target. opts.Server, when set, replaces
// the configured broker address.
func (b *Broker) StreamURL(targetURL string, opts domain.StreamOptions) string {
	base := b.base
	if s := strings.TrimSpace(opts.Server); s != "" {
		base = strings.TrimRight(s, "/")
	}
	q := url.Values{}
	q.Set("url", targetURL)
	if opts.IndexURL != "" {
		q.Set("index", opts.IndexURL)
	}
	if opts.RegionURL != "" {
		q.Set("regions", opts.RegionURL)
	}
	return base + StatsPath + "?" + q.Encode()
}

type subscription struct {
	cancel context.CancelFunc
}

// Close stops the stream without waiting for the reader to exit.
func (s *subscription) Close() error {
	s.cancel()
	return nil
}

// Subscribe starts the HTTP stream in the background and returns immediately.
func (b *Broker) Subscribe(ctx context.Context, targetURL string, opts domain.StreamOptions, h ports.StreamHandler) (ports.Subscription, error) {
	if strings.TrimSpace(targetURL) == "" {
		return nil, fmt.Errorf("%w: target url is empty", domain.ErrConfiguration)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: stream handler is required", domain.ErrConfiguration)
	}
	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, b.StreamURL(targetURL, opts), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	req.Header.Set("Accept", ndjson.ContentType)

	go func() {
		defer cancel()
		if err := b.stream(req, h); err != nil && sctx.Err() == nil {
			b.logger.Debug("broker stream ended with error", zap.Error(err))
		}
	}()
	return &subscription{cancel: cancel}, nil
}

func (b *Broker) stream(req *http.Request, h ports.StreamHandler) (retErr error) {
	resp, err := b.hc.Do(req)
	if err != nil {
		err = fmt.Errorf("connect to broker: %w", err)
		h.OnError(err)
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && retErr == nil {
			retErr = cerr
		}
	}()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		err := fmt.Errorf("broker status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		h.OnError(err)
		return err
	}
	return ndjson.Dispatch(resp.Body, h)
}
