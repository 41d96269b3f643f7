package ports

import (
	"context"

	"github.com/vshulcz/bamstats/internal/domain"
)

// StreamHandler receives broker events for one subscription. Calls are made from a
// single goroutine in event order.
type StreamHandler interface {
	OnStart()
	OnData(domain.Snapshot)
	OnEnd()
	OnError(error)
}

// Subscription detaches a handler from the broker.
type Subscription interface {
	Close() error
}

// Broker produces statistic snapshots for an alignment file. Subscribe must not
// block until the stream ends.
type Broker interface {
	Subscribe(ctx context.Context, targetURL string, opts domain.StreamOptions, h StreamHandler) (Subscription, error)
}
