package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Viper keys shared by the command tree and the loaders below.
const (
	KeyBackendURL       = "backend-url"
	KeyTimeout          = "timeout"
	KeyMaxRetries       = "max-retries"
	KeyBatchSize        = "batch-size"
	KeyMaxConcurrency   = "max-concurrency"
	KeyPollInterval     = "poll-interval"
	KeyMaxPollAttempts  = "max-poll-attempts"
	KeyPollConcurrency  = "poll-concurrency"
	KeyEdgeMode         = "edge-mode"
	KeyListenAddr       = "listen-addr"
	KeyEnablePrometheus = "enable-prometheus"
	KeyPrometheusAddr   = "prometheus-addr"
	KeyGRPCHealthAddr   = "grpc-health-addr"
	KeyOutput           = "output"
	KeyOutputFile       = "output-file"
	KeyPostgresDSN      = "postgres-dsn"
)

// Defaults.
const (
	DefaultBackendURL     = "http://localhost:8080"
	DefaultTimeout        = 10 * time.Second
	DefaultMaxRetries     = 3
	DefaultBatchSize      = 3
	DefaultMaxConcurrency = 8
	DefaultPollInterval   = 2 * time.Second
	DefaultListenAddr     = ":8090"
	DefaultPrometheusAddr = ":2112"
)

// ClientConfig configures the ledger backend client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint
}

func (c ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("backend URL must be set")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid backend URL %q: %w", c.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend URL %q must use http or https", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

// DispatchConfig configures the transaction dispatcher.
type DispatchConfig struct {
	BatchSize      int
	MaxConcurrency int
}

func (c DispatchConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1")
	}
	return nil
}

// ReconcileConfig configures the pending transaction reconciler.
// MaxPollAttempts of 0 polls forever.
type ReconcileConfig struct {
	Interval        time.Duration
	MaxPollAttempts uint
	PollConcurrency int
}

func (c ReconcileConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("poll interval must be greater than 0")
	}
	if c.PollConcurrency < 1 {
		return fmt.Errorf("poll concurrency must be at least 1")
	}
	return nil
}

// Output kinds accepted by the watch command.
const (
	OutputNone     = "none"
	OutputJSONL    = "jsonl"
	OutputPostgres = "postgres"
)

// WatchConfig holds everything the watch command needs beyond the client.
type WatchConfig struct {
	Client           ClientConfig
	Dispatch         DispatchConfig
	Reconcile        ReconcileConfig
	EdgeMode         string
	ListenAddr       string
	EnablePrometheus bool
	PrometheusAddr   string
	GRPCHealthAddr   string
	Output           string
	OutputFile       string // JSONL destination, stdout when empty
	PostgresDSN      string
}

func (c WatchConfig) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if err := c.Reconcile.Validate(); err != nil {
		return err
	}
	switch c.EdgeMode {
	case "index", "hash":
	default:
		return fmt.Errorf("unknown edge mode %q", c.EdgeMode)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must be set")
	}
	if c.EnablePrometheus && c.PrometheusAddr == "" {
		return fmt.Errorf("prometheus address must be set when prometheus is enabled")
	}
	switch c.Output {
	case OutputNone, OutputJSONL:
	case OutputPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN must be set for postgres output")
		}
	default:
		return fmt.Errorf("unknown output %q", c.Output)
	}
	return nil
}

// LoadClientConfigFromCLI reads the client settings bound by the root command.
func LoadClientConfigFromCLI() ClientConfig {
	return ClientConfig{
		BaseURL:    strings.TrimRight(viper.GetString(KeyBackendURL), "/"),
		Timeout:    viper.GetDuration(KeyTimeout),
		MaxRetries: viper.GetUint(KeyMaxRetries),
	}
}

// LoadDispatchConfigFromCLI reads dispatcher settings.
func LoadDispatchConfigFromCLI() DispatchConfig {
	return DispatchConfig{
		BatchSize:      viper.GetInt(KeyBatchSize),
		MaxConcurrency: viper.GetInt(KeyMaxConcurrency),
	}
}

// LoadReconcileConfigFromCLI reads reconciler settings.
func LoadReconcileConfigFromCLI() ReconcileConfig {
	return ReconcileConfig{
		Interval:        viper.GetDuration(KeyPollInterval),
		MaxPollAttempts: viper.GetUint(KeyMaxPollAttempts),
		PollConcurrency: viper.GetInt(KeyPollConcurrency),
	}
}

// LoadWatchConfigFromCLI reads the full watch configuration.
func LoadWatchConfigFromCLI() WatchConfig {
	return WatchConfig{
		Client:           LoadClientConfigFromCLI(),
		Dispatch:         LoadDispatchConfigFromCLI(),
		Reconcile:        LoadReconcileConfigFromCLI(),
		EdgeMode:         viper.GetString(KeyEdgeMode),
		ListenAddr:       viper.GetString(KeyListenAddr),
		EnablePrometheus: viper.GetBool(KeyEnablePrometheus),
		PrometheusAddr:   viper.GetString(KeyPrometheusAddr),
		GRPCHealthAddr:   viper.GetString(KeyGRPCHealthAddr),
		Output:           viper.GetString(KeyOutput),
		OutputFile:       viper.GetString(KeyOutputFile),
		PostgresDSN:      viper.GetString(KeyPostgresDSN),
	}
}
