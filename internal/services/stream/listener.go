// Package stream runs broker subscriptions as sessions that end in exactly one
// delivered result or failure.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

// Deliverer hands finalized metrics to output destinations.
type Deliverer interface {
	Deliver(ctx context.Context, d domain.Delivery) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, d domain.Delivery) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, d domain.Delivery) error {
	if f == nil {
		return nil
	}
	return f(ctx, d)
}

// Listener starts stream sessions against a broker.
type Listener struct {
	broker      ports.Broker
	deliverer   Deliverer
	logger      *zap.Logger
	now         func() time.Time
	bufferLimit int
}

// Option customizes a Listener.
type Option func(*Listener)

// WithBufferLimit bounds how many snapshots a session retains. The newest one is
// always kept. Zero keeps everything.
func WithBufferLimit(n int) Option {
	return func(l *Listener) {
		if n >= 0 {
			l.bufferLimit = n
		}
	}
}

// WithClock overrides the time source used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

// NewListener returns a Listener that delivers every finalized session to d.
// A nil deliverer leaves results available through Session.Wait only.
func NewListener(broker ports.Broker, d Deliverer, logger *zap.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{broker: broker, deliverer: d, logger: logger, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SessionOption customizes a single session.
type SessionOption func(*Session)

// WithDeliverer replaces the listener's deliverer for one session.
func WithDeliverer(d Deliverer) SessionOption {
	return func(s *Session) { s.deliverer = d }
}

// StartSession subscribes to the broker for targetURL and returns immediately. Options
// are passed to the broker unchanged. Cancelling ctx fails the session.
func (l *Listener) StartSession(ctx context.Context, targetURL string, opts domain.StreamOptions, sopts ...SessionOption) (*Session, error) {
	if strings.TrimSpace(targetURL) == "" {
		return nil, fmt.Errorf("%w: target url is empty", domain.ErrConfiguration)
	}
	if l.broker == nil {
		return nil, fmt.Errorf("%w: no broker configured", domain.ErrConfiguration)
	}

	sctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	s := &Session{
		id:          id,
		target:      targetURL,
		opts:        opts,
		deliverer:   l.deliverer,
		bufferLimit: l.bufferLimit,
		now:         l.now,
		ctx:         sctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      l.logger.With(zap.String("session_id", id), zap.String("target", targetURL)),
	}
	for _, o := range sopts {
		o(s)
	}

	s.transition(domain.StateListening)
	sub, err := l.broker.Subscribe(sctx, targetURL, opts, s)
	if err != nil {
		s.OnError(fmt.Errorf("subscribe: %w", err))
		return nil, fmt.Errorf("subscribe %s: %w", targetURL, err)
	}
	s.attach(sub)

	go func() {
		select {
		case <-sctx.Done():
			s.fail(fmt.Errorf("session aborted: %w", context.Cause(sctx)))
		case <-s.done:
		}
	}()
	return s, nil
}

// Run starts a session and waits for its result.
func (l *Listener) Run(ctx context.Context, targetURL string, opts domain.StreamOptions, sopts ...SessionOption) (domain.AggregatedMetrics, error) {
	s, err := l.StartSession(ctx, targetURL, opts, sopts...)
	if err != nil {
		return domain.AggregatedMetrics{}, err
	}
	return s.Wait(ctx)
}
