// Package bamscan is an in-process broker computing read statistics directly from a BAM stream.
package bamscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/grailbio/hts/bam"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

// DefaultEvery is the number of counted reads between intermediate snapshots.
const DefaultEvery = 50000

// Opener opens a URL for reading.
type Opener interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Broker scans alignment files and emits cumulative snapshots.
type Broker struct {
	opener   Opener
	logger   *zap.Logger
	every    int
	maxReads int
}

var _ ports.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithEvery sets how many counted reads separate intermediate snapshots; n <= 0 emits only the final one.
func WithEvery(n int) Option {
	return func(b *Broker) { b.every = n }
}

// WithMaxReads stops scanning after n counted reads, sampling the head of the file.
func WithMaxReads(n int) Option {
	return func(b *Broker) { b.maxReads = n }
}

// New returns a Broker reading sources through opener.
func New(opener Opener, logger *zap.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{opener: opener, logger: logger, every: DefaultEvery}
	for _, o := range opts {
		o(b)
	}
	return b
}

type subscription struct {
	cancel context.CancelFunc
}

func (s *subscription) Close() error {
	s.cancel()
	return nil
}

// Subscribe starts scanning targetURL in the background. The index URL is not
// needed for a sequential scan and is ignored.
func (b *Broker) Subscribe(ctx context.Context, targetURL string, opts domain.StreamOptions, h ports.StreamHandler) (ports.Subscription, error) {
	if b.opener == nil {
		return nil, fmt.Errorf("%w: source opener is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(targetURL) == "" {
		return nil, fmt.Errorf("%w: target url is empty", domain.ErrConfiguration)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: stream handler is required", domain.ErrConfiguration)
	}
	if isCRAM(targetURL) {
		return nil, fmt.Errorf("%w: cram input needs a remote broker", domain.ErrConfiguration)
	}
	sctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		if err := b.scan(sctx, targetURL, opts, h); err != nil {
			h.OnError(err)
		}
	}()
	return &subscription{cancel: cancel}, nil
}

func (b *Broker) scan(ctx context.Context, target string, opts domain.StreamOptions, h ports.StreamHandler) (retErr error) {
	regions, err := b.loadRegions(ctx, opts.RegionURL)
	if err != nil {
		return err
	}
	rc, err := b.opener.Open(ctx, target)
	if err != nil {
		return fmt.Errorf("open %s: %w", redact(target), err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && retErr == nil {
			b.logger.Debug("close source", zap.Error(cerr))
		}
	}()

	br, err := bam.NewReader(rc, 1)
	if err != nil {
		return fmt.Errorf("read bam header: %w", err)
	}
	defer func() { _ = br.Close() }()

	h.OnStart()
	st := NewStats(regions)
	counted, seen := 0, 0
	for {
		if seen++; seen%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := br.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read bam record: %w", err)
		}
		if !st.Add(rec) {
			continue
		}
		counted++
		if b.maxReads > 0 && counted >= b.maxReads {
			break
		}
		if b.every > 0 && counted%b.every == 0 {
			h.OnData(st.Snapshot())
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st.Finish()
	if st.Total() > 0 {
		h.OnData(st.Snapshot())
	}
	b.logger.Debug("scan finished", zap.Int("reads", counted), zap.Bool("regions", !regions.Empty()))
	h.OnEnd()
	return nil
}

func (b *Broker) loadRegions(ctx context.Context, u string) (Regions, error) {
	if strings.TrimSpace(u) == "" {
		return nil, nil
	}
	rc, err := b.opener.Open(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("open regions: %w", err)
	}
	defer func() { _ = rc.Close() }()
	return ParseRegions(rc)
}

func isCRAM(u string) bool {
	p := u
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.EqualFold(path.Ext(p), ".cram")
}

func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
