package shardviz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/shardviz/internal/client"
	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/engine"
	"github.com/manifest-network/shardviz/internal/graph"
)

const envPrefix = "SHARDVIZ"

var rootCmd = &cobra.Command{
	Use:   "shardviz",
	Short: "Visualise a sharded ledger and drive its transaction lifecycle",
	Long: `shardviz lays out the blocks of a sharded ledger as a graph, submits
transactions to the ledger backend and tracks them until they complete.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
		if cfgFile := viper.GetString("config"); cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
			}
		}

		level := slog.LevelInfo
		if err := level.UnmarshalText([]byte(viper.GetString("logLevel"))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", viper.GetString("logLevel"), err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		slog.Debug("Configuration loaded", "backend", viper.GetString(config.KeyBackendURL), "config", viper.ConfigFileUsed())
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetDefault(config.KeyBatchSize, config.DefaultBatchSize)
	viper.SetDefault(config.KeyMaxConcurrency, config.DefaultMaxConcurrency)
	viper.SetDefault(config.KeyPollInterval, config.DefaultPollInterval)
	viper.SetDefault(config.KeyPollConcurrency, config.DefaultMaxConcurrency)

	rootCmd.PersistentFlags().StringP("logLevel", "l", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("config", "", "Optional config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringP(config.KeyBackendURL, "b", config.DefaultBackendURL, "Ledger backend base URL")
	rootCmd.PersistentFlags().Duration(config.KeyTimeout, config.DefaultTimeout, "Timeout of a single backend request")
	rootCmd.PersistentFlags().Uint(config.KeyMaxRetries, config.DefaultMaxRetries, "Retries of failed read requests")

	rootCmd.AddCommand(
		newWatchCmd(),
		newGraphCmd(),
		newSubmitCmd(),
		newLogsCmd(),
		newShardCmd(),
		newRunCmd(),
		newConflictsCmd(),
		newHealthCmd(),
	)
}

func addDispatchFlags(cmd *cobra.Command) {
	cmd.Flags().Int(config.KeyBatchSize, config.DefaultBatchSize, "Transactions per batch request")
	cmd.Flags().Int(config.KeyMaxConcurrency, config.DefaultMaxConcurrency, "Batch requests in flight")
}

func addReconcileFlags(cmd *cobra.Command) {
	cmd.Flags().Duration(config.KeyPollInterval, config.DefaultPollInterval, "Interval between status polls")
	cmd.Flags().Uint(config.KeyMaxPollAttempts, 0, "Polls before a transaction expires (0 polls forever)")
	cmd.Flags().Int(config.KeyPollConcurrency, config.DefaultMaxConcurrency, "Status requests in flight")
}

func loadClient(opts ...client.Option) (*client.Client, error) {
	cfg := config.LoadClientConfigFromCLI()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return client.New(cfg, opts...), nil
}

// loadEngine builds an engine on a fresh client and loads the current graph.
func loadEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	c, err := loadClient()
	if err != nil {
		return nil, err
	}

	cfg := engine.DefaultConfig()
	cfg.Dispatch = config.LoadDispatchConfigFromCLI()
	cfg.Reconcile = config.LoadReconcileConfigFromCLI()
	if err := cfg.Dispatch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Reconcile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.EdgeMode, err = graph.ParseEdgeMode(viper.GetString(config.KeyEdgeMode)); err != nil {
		return nil, err
	}

	e := engine.New(ctx, c, cfg, opts...)
	if err := e.Refresh(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
