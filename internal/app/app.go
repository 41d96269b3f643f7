// Package app assembles adapters and services from configuration. It is shared
// by the server and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/adapters/broker/bamscan"
	"github.com/vshulcz/bamstats/internal/adapters/broker/remote"
	"github.com/vshulcz/bamstats/internal/adapters/docstore/elastic"
	"github.com/vshulcz/bamstats/internal/adapters/docstore/memory"
	"github.com/vshulcz/bamstats/internal/adapters/docstore/postgres"
	"github.com/vshulcz/bamstats/internal/adapters/score"
	"github.com/vshulcz/bamstats/internal/adapters/sink/clickhouse"
	"github.com/vshulcz/bamstats/internal/adapters/sink/file"
	"github.com/vshulcz/bamstats/internal/adapters/sink/journal"
	"github.com/vshulcz/bamstats/internal/adapters/sink/webhook"
	"github.com/vshulcz/bamstats/internal/adapters/source"
	"github.com/vshulcz/bamstats/internal/config"
	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/misc"
	"github.com/vshulcz/bamstats/internal/ports"
	"github.com/vshulcz/bamstats/internal/services/delivery"
	"github.com/vshulcz/bamstats/pkg/observer"
)

// Closer releases whatever the builders opened, in reverse order.
type Closer struct {
	fns []func() error
}

func (c *Closer) add(fn func() error) {
	c.fns = append(c.fns, fn)
}

// Close runs every release function and joins the failures.
func (c *Closer) Close() error {
	var errs []error
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.fns = nil
	return errors.Join(errs...)
}

// NewLogger returns a production zap logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %v", domain.ErrConfiguration, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

// OpenStore returns the configured document store: Postgres when a DSN is set,
// Elasticsearch when a URL is set, otherwise an empty in-memory store.
func OpenStore(ctx context.Context, cfg config.StoreConfig, hc *http.Client, logger *zap.Logger, c *Closer) (ports.DocumentStore, error) {
	switch {
	case strings.TrimSpace(cfg.DSN) != "":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		op := func() error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			return postgres.Migrate(ctx, db)
		}
		if err := misc.Retry(ctx, misc.DefaultBackoff, postgres.IsRetryable, op); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		c.add(db.Close)
		logger.Info("db connected & migrated")
		return postgres.New(db), nil

	case strings.TrimSpace(cfg.ElasticURL) != "":
		opts := []elastic.Option{elastic.WithHTTPClient(hc)}
		if cfg.ElasticAPIKey != "" {
			opts = append(opts, elastic.WithAPIKey(cfg.ElasticAPIKey))
		} else if cfg.ElasticUsername != "" {
			opts = append(opts, elastic.WithBasicAuth(cfg.ElasticUsername, cfg.ElasticPassword))
		}
		es, err := elastic.New(cfg.ElasticURL, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("using elasticsearch document store", zap.String("url", cfg.ElasticURL))
		return es, nil

	default:
		logger.Info("using in-memory document store")
		return memory.New(), nil
	}
}

// NewOpener returns the source opener used by the local broker.
func NewOpener(cfg config.SourceConfig, hc *http.Client) *source.Opener {
	opts := []source.Option{source.WithHTTPClient(hc)}
	if cfg.GCSToken != "" {
		opts = append(opts, source.WithGCSToken(cfg.GCSToken))
	}
	if cfg.AWSRegion != "" {
		opts = append(opts, source.WithAWSRegion(cfg.AWSRegion))
	}
	return source.NewOpener(opts...)
}

// NewLocalBroker returns a broker scanning files in-process.
func NewLocalBroker(cfg config.SourceConfig, hc *http.Client, logger *zap.Logger) *bamscan.Broker {
	var opts []bamscan.Option
	if cfg.SnapshotEvery > 0 {
		opts = append(opts, bamscan.WithEvery(cfg.SnapshotEvery))
	}
	return bamscan.New(NewOpener(cfg, hc), logger, opts...)
}

// NewBroker returns the remote broker when BrokerURL is set and the local one otherwise.
func NewBroker(cfg config.SourceConfig, hc *http.Client, logger *zap.Logger) (ports.Broker, error) {
	if strings.TrimSpace(cfg.BrokerURL) != "" {
		return remote.New(cfg.BrokerURL, hc, logger)
	}
	return NewLocalBroker(cfg, hc, logger), nil
}

// NewResolver returns the score client, or nil when no gateway is configured.
func NewResolver(cfg config.ScoreConfig, hc *http.Client) (ports.FileMetadataResolver, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil
	}
	return score.New(cfg.URL, cfg.Token, hc)
}

// NewSinks builds the optional destinations. field wraps the metrics in files.
func NewSinks(ctx context.Context, cfg config.SinkConfig, field string, hc *http.Client, logger *zap.Logger, c *Closer) ([]delivery.Destination, error) {
	var dests []delivery.Destination
	if !cfg.NoFile {
		dests = append(dests, file.New(cfg.OutDir, field))
	}
	if cfg.JournalPath != "" {
		dests = append(dests, journal.New(cfg.JournalPath))
	}
	if cfg.WebhookURL != "" {
		wh, err := webhook.New(cfg.WebhookURL, hc, webhook.WithSigningKey(cfg.WebhookKey))
		if err != nil {
			return nil, err
		}
		dests = append(dests, wh)
	}
	if len(cfg.ClickHouseAddr) > 0 {
		conn, err := clickhouse.Connect(ctx, clickhouse.Config{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
			Table:    cfg.ClickHouseTable,
		})
		if err != nil {
			return nil, err
		}
		c.add(conn.Close)
		ch, err := clickhouse.New(conn, cfg.ClickHouseTable)
		if err != nil {
			return nil, err
		}
		if err := ch.EnsureTable(ctx); err != nil {
			return nil, err
		}
		dests = append(dests, ch)
	}
	names := make([]string, 0, len(dests))
	for _, d := range dests {
		if n, ok := d.(observer.Namer); ok {
			names = append(names, n.Name())
		}
	}
	logger.Info("destinations ready", zap.Strings("destinations", names))
	return dests, nil
}
