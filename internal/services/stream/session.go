package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
	"github.com/vshulcz/bamstats/internal/services/aggregate"
)

// Session accumulates the snapshots of one subscription. It implements
// ports.StreamHandler and is driven by the broker.
type Session struct {
	ctx       context.Context
	deliverer Deliverer
	now       func() time.Time
	cancel    context.CancelFunc
	logger    *zap.Logger
	sub       ports.Subscription
	err       error
	done      chan struct{}

	id     string
	target string
	opts   domain.StreamOptions

	buffer      []domain.Snapshot
	received    int
	bufferLimit int
	metrics     domain.AggregatedMetrics

	mu         sync.Mutex
	detachOnce sync.Once
	state      domain.SessionState
}

var _ ports.StreamHandler = (*Session)(nil)

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Target returns the URL the session subscribed to.
func (s *Session) Target() string { return s.target }

// Options returns the broker options the session was started with.
func (s *Session) Options() domain.StreamOptions { return s.opts }

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Received returns how many data snapshots arrived.
func (s *Session) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Buffered returns a copy of the retained snapshots, oldest first.
func (s *Session) Buffered() []domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Snapshot(nil), s.buffer...)
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the terminal outcome. Before completion it reports the current state
// and a nil error.
func (s *Session) Result() (domain.SessionState, domain.AggregatedMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.metrics, s.err
}

// Wait blocks until the session terminates or ctx ends. When ctx ends first the
// session fails with the context error and its subscription is detached.
func (s *Session) Wait(ctx context.Context) (domain.AggregatedMetrics, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.fail(fmt.Errorf("wait for %s: %w", s.target, ctx.Err()))
	}
	_, m, err := s.Result()
	return m, err
}

// OnStart handles the stream-start event.
func (s *Session) OnStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.logger.Debug("stream started")
}

// OnData appends a snapshot to the buffer. Snapshots are never merged.
func (s *Session) OnData(snap domain.Snapshot) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == domain.StateFinalizing {
		s.mu.Unlock()
		s.logger.Debug("snapshot after completion ignored")
		return
	}
	if n := len(s.buffer); n > 0 {
		if err := checkCumulative(s.buffer[n-1], snap); err != nil {
			s.mu.Unlock()
			s.fail(err)
			return
		}
	}
	s.buffer = append(s.buffer, snap.Clone())
	if s.bufferLimit > 0 && len(s.buffer) > s.bufferLimit {
		s.buffer = append(s.buffer[:0], s.buffer[len(s.buffer)-s.bufferLimit:]...)
	}
	s.received++
	s.state = domain.StateAccumulating
	s.mu.Unlock()
}

// OnEnd finalizes the session from the last buffered snapshot only.
func (s *Session) OnEnd() {
	s.mu.Lock()
	if s.state.Terminal() || s.state == domain.StateFinalizing {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateFinalizing
	var last domain.Snapshot
	empty := len(s.buffer) == 0
	if !empty {
		last = s.buffer[len(s.buffer)-1]
	}
	received := s.received
	s.mu.Unlock()

	if empty {
		s.fail(domain.ErrEmptyStream)
		return
	}

	metrics, err := aggregate.ComputeMetrics(last)
	if err != nil {
		s.fail(fmt.Errorf("aggregate: %w", err))
		return
	}

	s.logger.Info("stream finalized", zap.Int("snapshots", received), zap.Int("fields", metrics.Len()))

	var derr error
	if s.deliverer != nil {
		derr = s.deliverer.Deliver(s.ctx, domain.Delivery{
			SessionID:   s.id,
			Source:      s.target,
			CompletedAt: s.now().UTC(),
			Metrics:     metrics,
		})
	}
	s.finish(metrics, derr)
}

// OnError fails the session with a broker-reported error.
func (s *Session) OnError(err error) {
	if err == nil {
		err = errors.New("broker reported an unknown error")
	}
	s.fail(err)
}

func (s *Session) transition(to domain.SessionState) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

func (s *Session) attach(sub ports.Subscription) {
	s.mu.Lock()
	s.sub = sub
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		s.detach()
	}
}

func (s *Session) detach() {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return
	}
	s.detachOnce.Do(func() {
		if err := sub.Close(); err != nil {
			s.logger.Warn("detach subscription failed", zap.Error(err))
		}
	})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateFailed
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.logger.Warn("stream session failed", zap.Error(err))
	s.cancel()
	s.detach()
}

// finish records metrics and moves to Delivered, or Failed when any destination failed.
func (s *Session) finish(m domain.AggregatedMetrics, deliveryErr error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.metrics = m
	if deliveryErr != nil {
		s.state = domain.StateFailed
		s.err = deliveryErr
	} else {
		s.state = domain.StateDelivered
	}
	close(s.done)
	s.mu.Unlock()

	if deliveryErr != nil {
		s.logger.Warn("delivery incomplete", zap.Error(deliveryErr))
	} else {
		s.logger.Info("stream delivered")
	}
	s.cancel()
	s.detach()
}

// checkCumulative rejects a snapshot that drops keys seen before or whose total_reads
// went backwards.
func checkCumulative(prev, next domain.Snapshot) error {
	for _, k := range prev.KeyNames() {
		if !next.Has(k) {
			return fmt.Errorf("%w: key %q disappeared", domain.ErrNonCumulativeSnapshot, k)
		}
	}
	pt, okPrev := prev.Value(domain.TotalReads)
	nt, okNext := next.Value(domain.TotalReads)
	if okPrev && okNext && nt < pt {
		return fmt.Errorf("%w: total_reads decreased from %v to %v", domain.ErrNonCumulativeSnapshot, pt, nt)
	}
	return nil
}
