package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/vshulcz/bamstats/internal/app"
	"github.com/vshulcz/bamstats/internal/config"
	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/services/delivery"
	"github.com/vshulcz/bamstats/internal/services/indexer"
	"github.com/vshulcz/bamstats/internal/services/stream"
	"github.com/vshulcz/bamstats/pkg/util"
)

func newRootCmd(p prompter) *cobra.Command {
	root := &cobra.Command{
		Use:   "bamstats",
		Short: "bamstats computes alignment statistics from BAM streams",
		Long: `bamstats subscribes to a statistics broker for a BAM file, aggregates the
final snapshot into counts and percentages, and delivers the result to files,
document stores, webhooks and ClickHouse.

Flags can also be given as ENV variables, a .env file or a YAML file (--config).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(p),
		newIndexCmd(),
		newKeysCmd(),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(p prompter) *cobra.Command {
	return &cobra.Command{
		Use:                "run [flags]",
		Short:              "Compute statistics for one alignment file",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRunConfig(args, cmd.ErrOrStderr())
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := completeRunConfig(&cfg, p); err != nil {
				return err
			}
			return runStats(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "index DOCID... [flags]",
		Short:              "Compute statistics for indexed documents and store them on the documents",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRunConfig(args, cmd.ErrOrStderr())
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			if err != nil {
				return err
			}
			return runIndex(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the metric catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tNAME\tGROUP")
			for _, k := range domain.Catalog() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", k.Key, k.DisplayName, k.Group)
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			util.PrintBuildInfo(cmd.OutOrStdout(), buildVersion, buildDate, buildCommit)
		},
	}
}

// runStats streams one file and prints a summary. Metrics are printed even when
// a destination failed; the delivery error is still returned.
func runStats(ctx context.Context, out io.Writer, cfg config.RunConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var closer app.Closer
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("release resources", zap.Error(err))
		}
	}()

	broker, err := app.NewBroker(cfg.Source, &http.Client{}, logger)
	if err != nil {
		return err
	}
	sinks, err := app.NewSinks(ctx, cfg.Sinks, cfg.Store.Field, nil, logger, &closer)
	if err != nil {
		return err
	}
	rec := &reportRecorder{svc: delivery.New(logger, sinks...)}

	opts := domain.StreamOptions{IndexURL: cfg.IndexURL, RegionURL: cfg.RegionURL}
	m, err := stream.NewListener(broker, rec, logger).Run(ctx, cfg.URL, opts)
	var de *domain.DeliveryError
	if err != nil && !errors.As(err, &de) {
		return err
	}
	printSummary(out, cfg.URL, m, rec.Report())
	return err
}

// reportRecorder keeps the last delivery report. The session may give up on a
// delivery still running in the broker goroutine, so access is locked.
type reportRecorder struct {
	svc *delivery.Service
	mu  sync.Mutex
	rep delivery.Report
}

func (r *reportRecorder) Deliver(ctx context.Context, d domain.Delivery) error {
	rep := r.svc.DeliverReport(ctx, d)
	r.mu.Lock()
	r.rep = rep
	r.mu.Unlock()
	return rep.Err()
}

// Report returns a copy of the last recorded report.
func (r *reportRecorder) Report() delivery.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return delivery.Report{Outcomes: append([]delivery.Outcome(nil), r.rep.Outcomes...)}
}

func runIndex(ctx context.Context, out io.Writer, cfg config.RunConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Args) == 0 {
		return fmt.Errorf("%w: at least one document id is required", domain.ErrConfiguration)
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var closer app.Closer
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("release resources", zap.Error(err))
		}
	}()

	resolver, err := app.NewResolver(cfg.Score, nil)
	if err != nil {
		return err
	}
	if resolver == nil {
		return fmt.Errorf("%w: --score-url is required for indexing", domain.ErrConfiguration)
	}
	store, err := app.OpenStore(ctx, cfg.Store, nil, logger, &closer)
	if err != nil {
		return err
	}
	broker, err := app.NewBroker(cfg.Source, &http.Client{}, logger)
	if err != nil {
		return err
	}
	sinks, err := app.NewSinks(ctx, cfg.Sinks, cfg.Store.Field, nil, logger, &closer)
	if err != nil {
		return err
	}

	svc, err := indexer.New(store, resolver, stream.NewListener(broker, nil, logger), logger, indexer.Config{
		Index:       cfg.Store.Index,
		Field:       cfg.Store.Field,
		RegionURL:   cfg.RegionURL,
		Concurrency: cfg.Concurrency,
	}, sinks...)
	if err != nil {
		return err
	}
	results, err := svc.IndexMany(ctx, cfg.Args)
	printResults(out, results)
	return err
}
