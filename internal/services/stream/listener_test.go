package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

type fakeSub struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeSub) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeBroker records the handler so tests can drive events by hand.
type fakeBroker struct {
	err     error
	handler ports.StreamHandler
	target  string
	opts    domain.StreamOptions
	sub     *fakeSub
}

func (b *fakeBroker) Subscribe(_ context.Context, target string, opts domain.StreamOptions, h ports.StreamHandler) (ports.Subscription, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.handler, b.target, b.opts = h, target, opts
	b.sub = &fakeSub{}
	return b.sub, nil
}

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []domain.Delivery
	err   error
}

func (r *recordingDeliverer) Deliver(_ context.Context, d domain.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	return r.err
}

func snapshot(total, mapped float64, cov domain.Histogram) domain.Snapshot {
	s := domain.NewSnapshot()
	s.Values[domain.TotalReads] = total
	s.Values[domain.MappedReads] = mapped
	if cov != nil {
		s.Histograms[domain.CoverageHist] = cov
	}
	return s
}

func newListener(b ports.Broker, d Deliverer, opts ...Option) *Listener {
	return NewListener(b, d, zap.NewNop(), opts...)
}

func TestSession_UsesLastSnapshotOnly(t *testing.T) {
	b := &fakeBroker{}
	d := &recordingDeliverer{}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newListener(b, d, WithClock(func() time.Time { return fixed }))

	opts := domain.StreamOptions{IndexURL: "https://x/a.bai", RegionURL: "https://x/r.bed", Server: "https://broker"}
	s, err := l.StartSession(context.Background(), "https://x/a.bam", opts)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if b.opts != opts || b.target != "https://x/a.bam" {
		t.Fatalf("options not passed verbatim: %+v %q", b.opts, b.target)
	}
	if s.State() != domain.StateListening {
		t.Fatalf("state=%v", s.State())
	}

	b.handler.OnStart()
	b.handler.OnData(snapshot(10, 1, domain.Histogram{1: 1}))
	b.handler.OnData(snapshot(50, 25, domain.Histogram{3: 1}))
	if s.State() != domain.StateAccumulating {
		t.Fatalf("state=%v", s.State())
	}
	b.handler.OnData(snapshot(100, 90, domain.Histogram{0: 1, 5: 2, 10: 1}))
	b.handler.OnEnd()

	m, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v, _ := m.Percentage(domain.MappedReads); v != 0.9 {
		t.Fatalf("mapped_reads_percentage=%v", v)
	}
	if v, _ := m.Count(domain.MeanReadCoverage); v != 20 {
		t.Fatalf("mean_read_coverage=%d", v)
	}
	if s.State() != domain.StateDelivered {
		t.Fatalf("state=%v", s.State())
	}
	if len(d.calls) != 1 {
		t.Fatalf("deliveries=%d", len(d.calls))
	}
	if got := d.calls[0]; got.SessionID != s.ID() || got.Source != "https://x/a.bam" || !got.CompletedAt.Equal(fixed) {
		t.Fatalf("delivery=%+v", got)
	}
	if b.sub.closedCount() != 1 {
		t.Fatalf("subscription closed %d times", b.sub.closedCount())
	}
	if s.Received() != 3 {
		t.Fatalf("received=%d", s.Received())
	}
}

func TestSession_EmptyStream(t *testing.T) {
	b := &fakeBroker{}
	d := &recordingDeliverer{}
	s, err := newListener(b, d).StartSession(context.Background(), "file:///a.bam", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b.handler.OnStart()
	b.handler.OnEnd()

	if _, err := s.Wait(context.Background()); !errors.Is(err, domain.ErrEmptyStream) {
		t.Fatalf("want ErrEmptyStream, got %v", err)
	}
	if s.State() != domain.StateFailed || len(d.calls) != 0 {
		t.Fatalf("state=%v deliveries=%d", s.State(), len(d.calls))
	}
}

func TestSession_FinalizesOnce(t *testing.T) {
	b := &fakeBroker{}
	d := &recordingDeliverer{}
	s, err := newListener(b, d).StartSession(context.Background(), "u", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b.handler.OnData(snapshot(2, 1, nil))
	b.handler.OnEnd()
	b.handler.OnData(snapshot(4, 2, nil))
	b.handler.OnEnd()
	b.handler.OnError(errors.New("late"))

	if _, err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(d.calls) != 1 || s.State() != domain.StateDelivered {
		t.Fatalf("deliveries=%d state=%v", len(d.calls), s.State())
	}
}

func TestSession_DeliveryFailureFailsSession(t *testing.T) {
	b := &fakeBroker{}
	boom := &domain.DeliveryError{Destination: "file", Err: errors.New("disk full")}
	d := &recordingDeliverer{err: boom}
	s, err := newListener(b, d).StartSession(context.Background(), "u", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b.handler.OnData(snapshot(2, 1, nil))
	b.handler.OnEnd()

	m, err := s.Wait(context.Background())
	var de *domain.DeliveryError
	if !errors.As(err, &de) || de.Destination != "file" {
		t.Fatalf("want DeliveryError, got %v", err)
	}
	if s.State() != domain.StateFailed {
		t.Fatalf("state=%v", s.State())
	}
	if v, _ := m.Count(domain.TotalReads); v != 2 {
		t.Fatal("metrics should still be reported alongside the delivery error")
	}
}

func TestSession_NonCumulativeSnapshot(t *testing.T) {
	tests := []struct {
		name string
		next domain.Snapshot
	}{
		{"total decreases", snapshot(5, 1, nil)},
		{"key disappears", func() domain.Snapshot {
			s := domain.NewSnapshot()
			s.Values[domain.TotalReads] = 20
			return s
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBroker{}
			s, err := newListener(b, nil).StartSession(context.Background(), "u", domain.StreamOptions{})
			if err != nil {
				t.Fatalf("StartSession: %v", err)
			}
			b.handler.OnData(snapshot(10, 2, nil))
			b.handler.OnData(tt.next)
			if _, err := s.Wait(context.Background()); !errors.Is(err, domain.ErrNonCumulativeSnapshot) {
				t.Fatalf("want ErrNonCumulativeSnapshot, got %v", err)
			}
			if b.sub.closedCount() != 1 {
				t.Fatal("subscription not detached")
			}
		})
	}
}

func TestSession_MalformedFinalSnapshot(t *testing.T) {
	b := &fakeBroker{}
	s, err := newListener(b, nil).StartSession(context.Background(), "u", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b.handler.OnData(snapshot(0, 3, nil))
	b.handler.OnEnd()
	if _, err := s.Wait(context.Background()); !errors.Is(err, domain.ErrMissingTotalReads) {
		t.Fatalf("want ErrMissingTotalReads, got %v", err)
	}
}

func TestSession_WaitDeadlineDetaches(t *testing.T) {
	b := &fakeBroker{}
	s, err := newListener(b, nil).StartSession(context.Background(), "u", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b.handler.OnData(snapshot(1, 1, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}
	if s.State() != domain.StateFailed || b.sub.closedCount() != 1 {
		t.Fatalf("state=%v closed=%d", s.State(), b.sub.closedCount())
	}
	b.handler.OnEnd()
	if s.State() != domain.StateFailed {
		t.Fatal("late end changed terminal state")
	}
}

func TestSession_ParentCancelFails(t *testing.T) {
	b := &fakeBroker{}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := newListener(b, nil).StartSession(ctx, "u", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not fail after cancel")
	}
	if _, _, err := s.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestStartSession_Errors(t *testing.T) {
	if _, err := newListener(&fakeBroker{}, nil).StartSession(context.Background(), " ", domain.StreamOptions{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("empty target: %v", err)
	}
	if _, err := newListener(nil, nil).StartSession(context.Background(), "u", domain.StreamOptions{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("nil broker: %v", err)
	}
	boom := errors.New("dial")
	if _, err := newListener(&fakeBroker{err: boom}, nil).StartSession(context.Background(), "u", domain.StreamOptions{}); !errors.Is(err, boom) {
		t.Fatalf("subscribe error: %v", err)
	}
}

func TestSession_BufferLimitKeepsNewest(t *testing.T) {
	b := &fakeBroker{}
	s, err := newListener(b, nil, WithBufferLimit(2)).StartSession(context.Background(), "u", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 1; i <= 5; i++ {
		b.handler.OnData(snapshot(float64(i*10), float64(i), nil))
	}
	buf := s.Buffered()
	if len(buf) != 2 {
		t.Fatalf("buffered=%d", len(buf))
	}
	if v, _ := buf[1].Value(domain.TotalReads); v != 50 {
		t.Fatalf("newest not retained: %v", v)
	}
	b.handler.OnEnd()
	m, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v, _ := m.Count(domain.TotalReads); v != 50 {
		t.Fatalf("total_reads=%d", v)
	}
}

func TestSession_PerSessionDeliverer(t *testing.T) {
	b := &fakeBroker{}
	def := &recordingDeliverer{}
	override := &recordingDeliverer{}
	s, err := newListener(b, def).StartSession(context.Background(), "u", domain.StreamOptions{}, WithDeliverer(override))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b.handler.OnData(snapshot(1, 1, nil))
	b.handler.OnEnd()
	if _, err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(def.calls) != 0 || len(override.calls) != 1 {
		t.Fatalf("default=%d override=%d", len(def.calls), len(override.calls))
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	b1, b2 := &fakeBroker{}, &fakeBroker{}
	s1, _ := newListener(b1, nil).StartSession(context.Background(), "a", domain.StreamOptions{})
	s2, _ := newListener(b2, nil).StartSession(context.Background(), "b", domain.StreamOptions{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b1.handler.OnData(snapshot(10, 5, nil))
		b1.handler.OnEnd()
	}()
	go func() {
		defer wg.Done()
		b2.handler.OnData(snapshot(20, 5, nil))
		b2.handler.OnEnd()
	}()
	wg.Wait()

	m1, err1 := s1.Wait(context.Background())
	m2, err2 := s2.Wait(context.Background())
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v %v", err1, err2)
	}
	p1, _ := m1.Percentage(domain.MappedReads)
	p2, _ := m2.Percentage(domain.MappedReads)
	if p1 != 0.5 || p2 != 0.25 || s1.ID() == s2.ID() {
		t.Fatalf("p1=%v p2=%v", p1, p2)
	}
}
