package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validWatchConfig() WatchConfig {
	return WatchConfig{
		Client:     ClientConfig{BaseURL: DefaultBackendURL, Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries},
		Dispatch:   DispatchConfig{BatchSize: DefaultBatchSize, MaxConcurrency: DefaultMaxConcurrency},
		Reconcile:  ReconcileConfig{Interval: DefaultPollInterval, PollConcurrency: 4},
		EdgeMode:   "index",
		ListenAddr: DefaultListenAddr,
		Output:     OutputNone,
	}
}

func TestWatchConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *WatchConfig)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *WatchConfig) {}},
		{name: "missing backend", mutate: func(c *WatchConfig) { c.Client.BaseURL = "" }, wantErr: "backend URL must be set"},
		{name: "bad scheme", mutate: func(c *WatchConfig) { c.Client.BaseURL = "ftp://ledger" }, wantErr: "must use http or https"},
		{name: "zero timeout", mutate: func(c *WatchConfig) { c.Client.Timeout = 0 }, wantErr: "timeout"},
		{name: "zero batch", mutate: func(c *WatchConfig) { c.Dispatch.BatchSize = 0 }, wantErr: "batch size"},
		{name: "zero interval", mutate: func(c *WatchConfig) { c.Reconcile.Interval = 0 }, wantErr: "poll interval"},
		{name: "hash edges", mutate: func(c *WatchConfig) { c.EdgeMode = "hash" }},
		{name: "unknown edges", mutate: func(c *WatchConfig) { c.EdgeMode = "force" }, wantErr: "unknown edge mode"},
		{name: "prometheus without addr", mutate: func(c *WatchConfig) { c.EnablePrometheus = true }, wantErr: "prometheus address"},
		{name: "postgres without dsn", mutate: func(c *WatchConfig) { c.Output = OutputPostgres }, wantErr: "postgres DSN"},
		{name: "unknown output", mutate: func(c *WatchConfig) { c.Output = "kafka" }, wantErr: "unknown output"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validWatchConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReconcileConfigAllowsUnlimitedAttempts(t *testing.T) {
	cfg := ReconcileConfig{Interval: time.Second, MaxPollAttempts: 0, PollConcurrency: 1}
	assert.NoError(t, cfg.Validate())
}
