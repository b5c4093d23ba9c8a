package shardviz

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manifest-network/shardviz/internal/client"
	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/engine"
	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/health"
	"github.com/manifest-network/shardviz/internal/output"
	"github.com/manifest-network/shardviz/internal/output/jsonl"
	"github.com/manifest-network/shardviz/internal/output/postgresql"
	"github.com/manifest-network/shardviz/internal/server"
	"github.com/manifest-network/shardviz/internal/telemetry"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve the live graph and transaction API",
		Long: `Loads the ledger graph, serves it with the transaction API and a
websocket feed, and reconciles submitted transactions until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadWatchConfigFromCLI()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, cfg)
		},
	}

	addDispatchFlags(cmd)
	addReconcileFlags(cmd)
	cmd.Flags().String(config.KeyEdgeMode, string(graph.EdgeModeIndex), "Edge derivation (index|hash)")
	cmd.Flags().String(config.KeyListenAddr, config.DefaultListenAddr, "Address of the HTTP API")
	cmd.Flags().Bool(config.KeyEnablePrometheus, false, "Expose prometheus metrics")
	cmd.Flags().String(config.KeyPrometheusAddr, config.DefaultPrometheusAddr, "Address of the prometheus endpoint")
	cmd.Flags().String(config.KeyGRPCHealthAddr, "", "Address of the gRPC health endpoint (disabled when empty)")
	cmd.Flags().StringP(config.KeyOutput, "o", config.OutputNone, "Snapshot output (none|jsonl|postgres)")
	cmd.Flags().String(config.KeyOutputFile, "", "JSONL output file (stdout when empty)")
	cmd.Flags().String(config.KeyPostgresDSN, "", "PostgreSQL connection string for postgres output")

	return cmd
}

func runWatch(ctx context.Context, cfg config.WatchConfig) error {
	var metrics *telemetry.Metrics
	if cfg.EnablePrometheus {
		metrics = telemetry.NewMetrics()
	}

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Warn("Failed to close output", "error", err)
		}
	}()
	if gen, err := sink.LatestGeneration(ctx); err == nil && gen > 0 {
		slog.Info("Output already holds snapshots", "generation", gen)
	}

	edgeMode, err := graph.ParseEdgeMode(cfg.EdgeMode)
	if err != nil {
		return err
	}
	ecfg := engine.DefaultConfig()
	ecfg.EdgeMode = edgeMode
	ecfg.Dispatch = cfg.Dispatch
	ecfg.Reconcile = cfg.Reconcile

	opts := []engine.Option{engine.WithSink(sink)}
	var copts []client.Option
	if metrics != nil {
		copts = append(copts, client.WithObserver(metrics))
		opts = append(opts,
			engine.WithRefreshObserver(metrics),
			engine.WithDispatchObserver(metrics),
			engine.WithReconcileObserver(metrics),
		)
	}
	var hs *health.Server
	if cfg.GRPCHealthAddr != "" {
		hs = health.NewServer()
		opts = append(opts, engine.WithRefreshObserver(hs))
	}

	e := engine.New(ctx, client.New(cfg.Client, copts...), ecfg, opts...)
	defer e.Close()

	// The API starts even when the backend is down; the next refresh recovers.
	if err := e.Refresh(ctx); err != nil {
		slog.Warn("Initial graph refresh failed", "error", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.New(e, metrics).Serve(ctx, cfg.ListenAddr)
	})
	if metrics != nil {
		eg.Go(func() error {
			return metrics.Serve(ctx, cfg.PrometheusAddr)
		})
	}
	if hs != nil {
		eg.Go(func() error {
			return hs.Serve(ctx, cfg.GRPCHealthAddr)
		})
	}

	slog.Info("Watching ledger", "backend", cfg.Client.BaseURL, "listen", cfg.ListenAddr, "output", cfg.Output)
	return eg.Wait()
}

func openSink(ctx context.Context, cfg config.WatchConfig) (output.Sink, error) {
	switch cfg.Output {
	case config.OutputJSONL:
		if cfg.OutputFile == "" {
			return jsonl.New(os.Stdout), nil
		}
		h, err := jsonl.Open(cfg.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open JSONL output: %w", err)
		}
		return h, nil
	case config.OutputPostgres:
		h, err := postgresql.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres output: %w", err)
		}
		slog.Info("Writing snapshots to postgres", "run", h.RunID())
		return h, nil
	default:
		return output.Discard{}, nil
	}
}
