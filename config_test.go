package syncd

import (
	"testing"
	"time"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/codec"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/queue"
)

func validConfig() Config {
	return Config{Endpoint: "https://ingest.pulsearc.test/v1/batch"}
}

func TestConfigDefaults(t *testing.T) {
	c := validConfig().withDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.StorePath != DefaultStorePath || c.KeyPath != DefaultKeyPath {
		t.Fatalf("path defaults: %+v", c)
	}
	if c.CompressionAlgo != "s2" || c.CompressionThreshold != "4KiB" {
		t.Fatalf("compression defaults: %+v", c)
	}
	if c.OverflowPolicy != string(queue.OverflowReject) {
		t.Fatalf("overflow default: %q", c.OverflowPolicy)
	}
	if c.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("shutdown default: %v", c.ShutdownTimeout)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }},
		{"unknown overflow policy", func(c *Config) { c.OverflowPolicy = "spill" }},
		{"unknown compression algo", func(c *Config) { c.CompressionAlgo = "lz4" }},
		{"unparseable threshold", func(c *Config) { c.CompressionThreshold = "four kilobytes" }},
		{"unknown jitter", func(c *Config) { c.RetryJitter = "gaussian" }},
		{"negative capacity", func(c *Config) { c.Capacity = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig().withDefaults()
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestConfigCodecThresholdParsing(t *testing.T) {
	c := validConfig().withDefaults()
	c.CompressionThreshold = "4KiB"
	c.CompressionAlgo = "zstd"
	got, err := c.codecConfig()
	if err != nil {
		t.Fatalf("codecConfig: %v", err)
	}
	if got.Algo != codec.AlgoZstd || got.Threshold != 4096 {
		t.Fatalf("codec config: %+v", got)
	}
}

func TestConfigComponentMapping(t *testing.T) {
	c := validConfig().withDefaults()
	c.Capacity = 42
	c.OverflowPolicy = "block"
	c.BlockTimeout = 3 * time.Second
	c.RetryMaxAttempts = 7

	qc, err := c.queueConfig()
	if err != nil {
		t.Fatalf("queueConfig: %v", err)
	}
	if qc.Capacity != 42 || qc.Overflow != queue.OverflowBlock || qc.BlockTimeout != 3*time.Second {
		t.Fatalf("queue config: %+v", qc)
	}
	if got := c.strategyConfig(); got.MaxAttempts != 7 {
		t.Fatalf("strategy config: %+v", got)
	}
}
