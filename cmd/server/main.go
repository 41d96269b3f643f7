package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/app"
	"github.com/vshulcz/bamstats/internal/config"
	"github.com/vshulcz/bamstats/pkg/util"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	util.PrintBuildInfo(os.Stdout, buildVersion, buildDate, buildCommit)

	cfg, err := config.LoadServerConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("failed to parse flags: %v", err)
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("server starting",
		zap.String("addr", cfg.Address),
		zap.Duration("session_timeout", cfg.Timeout),
		zap.Bool("postgres", cfg.Store.DSN != ""),
		zap.String("elastic", cfg.Store.ElasticURL),
		zap.String("broker", cfg.Source.BrokerURL),
	)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
