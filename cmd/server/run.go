package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/adapters/http/ginserver"
	"github.com/vshulcz/bamstats/internal/adapters/http/ginserver/middlewares"
	"github.com/vshulcz/bamstats/internal/app"
	"github.com/vshulcz/bamstats/internal/config"
	"github.com/vshulcz/bamstats/internal/services/delivery"
	"github.com/vshulcz/bamstats/internal/services/indexer"
	"github.com/vshulcz/bamstats/internal/services/stream"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	var closer app.Closer
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("release resources", zap.Error(err))
		}
	}()

	r, err := buildRouter(ctx, cfg, logger, &closer)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.Address, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(sctx)
	}
}

func buildRouter(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger, closer *app.Closer) (*gin.Engine, error) {
	// Streams last as long as the file scan; deadlines come from the session context.
	streamClient := &http.Client{}
	apiClient := &http.Client{Timeout: 10 * time.Second}

	store, err := app.OpenStore(ctx, cfg.Store, apiClient, logger, closer)
	if err != nil {
		return nil, err
	}
	broker, err := app.NewBroker(cfg.Source, streamClient, logger)
	if err != nil {
		return nil, err
	}
	sinks, err := app.NewSinks(ctx, cfg.Sinks, cfg.Store.Field, apiClient, logger, closer)
	if err != nil {
		return nil, err
	}
	listener := stream.NewListener(broker, delivery.New(logger, sinks...), logger)

	deps := ginserver.Deps{
		Store:    store,
		Listener: listener,
		Broker:   app.NewLocalBroker(cfg.Source, streamClient, logger),
		Logger:   logger,
		Timeout:  cfg.Timeout,
	}

	resolver, err := app.NewResolver(cfg.Score, apiClient)
	if err != nil {
		return nil, err
	}
	if resolver != nil {
		deps.Indexer, err = indexer.New(store, resolver, listener, logger, indexer.Config{
			Index: cfg.Store.Index,
			Field: cfg.Store.Field,
		}, sinks...)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("score gateway not configured, document indexing disabled")
	}

	h := ginserver.NewHandler(deps)
	return ginserver.NewRouter(h, logger,
		middlewares.SignatureRequired(cfg.Key),
		middlewares.ZapLogger(logger),
		middlewares.GzipRequest(),
		middlewares.GzipResponse(),
	), nil
}
