package syncd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/codec"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/queue"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/retry"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/worker"
)

const (
	// DefaultStorePath is where the queue database lives.
	DefaultStorePath = "syncd.db"
	// DefaultKeyPath is where the PEM key bundle lives; it is created
	// on first start.
	DefaultKeyPath = "syncd-keys.pem"
	// DefaultCompressionAlgo is applied to payloads above the
	// threshold.
	DefaultCompressionAlgo = "s2"
	// DefaultCompressionThreshold is the payload size below which
	// compression is skipped.
	DefaultCompressionThreshold = "4KiB"
	// DefaultOverflowPolicy governs enqueue at capacity.
	DefaultOverflowPolicy = string(queue.OverflowReject)
	// DefaultJitter selects the backoff jitter mode.
	DefaultJitter = "equal"
	// DefaultShutdownTimeout bounds the worker drain during shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is the Prometheus scrape endpoint; empty
	// disables the listener.
	DefaultMetricsListen = ""
)

// Config is the complete daemon configuration. Zero values take the
// documented defaults; Validate normalises and checks the result.
type Config struct {
	// StorePath is the SQLite database file.
	StorePath string
	// KeyPath is the PEM bundle holding the payload root key.
	KeyPath string

	// Endpoint is the ingest API batch URL.
	Endpoint string
	// AuthToken is sent as a bearer token when set.
	AuthToken string

	// Capacity bounds the count of undelivered items.
	Capacity int
	// OverflowPolicy is one of reject, drop_oldest_low_priority, block.
	OverflowPolicy string
	// BlockTimeout bounds a blocked enqueue under the block policy.
	BlockTimeout time.Duration
	// ReservationTTL is how long a reservation may sit unacknowledged.
	ReservationTTL time.Duration

	// CompressionAlgo is one of identity, s2, zstd.
	CompressionAlgo string
	// CompressionThreshold is a byte size ("4KiB", "64000"); payloads
	// below it are stored uncompressed.
	CompressionThreshold string

	// RetryBase is the first backoff delay.
	RetryBase time.Duration
	// RetryCap bounds any single backoff delay.
	RetryCap time.Duration
	// RetryMaxExp caps the backoff exponent.
	RetryMaxExp int
	// RetryMaxAttempts dead-letters an item beyond this attempt count.
	RetryMaxAttempts int
	// RetryJitter is one of none, full, equal, decorrelated.
	RetryJitter string
	// RetryAuthFloor is the minimum delay after credential failures.
	RetryAuthFloor time.Duration

	// BudgetCapacity sizes the retry token bucket.
	BudgetCapacity int
	// BudgetRefillEvery is the token refill cadence.
	BudgetRefillEvery time.Duration

	// BreakerFailureThreshold opens the circuit after this many
	// consecutive batch failures.
	BreakerFailureThreshold int
	// BreakerCoolOff is how long the circuit stays open.
	BreakerCoolOff time.Duration
	// BreakerHalfOpenProbes bounds concurrent half-open probes.
	BreakerHalfOpenProbes int
	// BreakerSuccessThreshold closes the circuit after this many probe
	// successes.
	BreakerSuccessThreshold int

	// BatchSize bounds one forwarded batch.
	BatchSize int
	// PollInterval is the worker's idle wake cadence.
	PollInterval time.Duration
	// SendTimeout bounds one Forwarder call.
	SendTimeout time.Duration
	// ReapInterval is the expired-reservation recovery cadence.
	ReapInterval time.Duration
	// MaintenanceInterval is the retention-prune and gauge cadence.
	MaintenanceInterval time.Duration

	// CommittedRetention is how long delivered items are kept.
	CommittedRetention time.Duration
	// DeadRetention is how long dead-lettered items are kept.
	DeadRetention time.Duration

	// ShutdownTimeout bounds the drain on shutdown.
	ShutdownTimeout time.Duration
	// MetricsListen is the Prometheus bind address; empty disables it.
	MetricsListen string
}

// withDefaults fills in unset fields. Component-level defaults (queue
// capacity, worker cadences, retry parameters) are applied by the
// components themselves.
func (c Config) withDefaults() Config {
	if c.StorePath == "" {
		c.StorePath = DefaultStorePath
	}
	if c.KeyPath == "" {
		c.KeyPath = DefaultKeyPath
	}
	if c.CompressionAlgo == "" {
		c.CompressionAlgo = DefaultCompressionAlgo
	}
	if c.CompressionThreshold == "" {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = DefaultOverflowPolicy
	}
	if c.RetryJitter == "" {
		c.RetryJitter = DefaultJitter
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("syncd: endpoint required")
	}
	if _, err := queue.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		return err
	}
	if _, err := codec.ParseAlgo(c.CompressionAlgo); err != nil {
		return err
	}
	if _, err := humanize.ParseBytes(c.CompressionThreshold); err != nil {
		return fmt.Errorf("syncd: compression threshold %q: %w", c.CompressionThreshold, err)
	}
	if _, ok := retry.ParseJitter(c.RetryJitter); !ok {
		return fmt.Errorf("syncd: unknown jitter mode %q", c.RetryJitter)
	}
	if c.Capacity < 0 || c.BatchSize < 0 || c.RetryMaxAttempts < 0 {
		return fmt.Errorf("syncd: negative sizes are not valid")
	}
	return nil
}

func (c Config) queueConfig() (queue.Config, error) {
	overflow, err := queue.ParseOverflowPolicy(c.OverflowPolicy)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Capacity:           c.Capacity,
		Overflow:           overflow,
		BlockTimeout:       c.BlockTimeout,
		ReservationTTL:     c.ReservationTTL,
		CommittedRetention: c.CommittedRetention,
		DeadRetention:      c.DeadRetention,
	}, nil
}

func (c Config) codecConfig() (codec.Config, error) {
	algo, err := codec.ParseAlgo(c.CompressionAlgo)
	if err != nil {
		return codec.Config{}, err
	}
	threshold, err := humanize.ParseBytes(c.CompressionThreshold)
	if err != nil {
		return codec.Config{}, fmt.Errorf("syncd: compression threshold %q: %w", c.CompressionThreshold, err)
	}
	return codec.Config{Algo: algo, Threshold: int(threshold)}, nil
}

func (c Config) strategyConfig() retry.StrategyConfig {
	jitter, _ := retry.ParseJitter(c.RetryJitter)
	return retry.StrategyConfig{
		Base:        c.RetryBase,
		Cap:         c.RetryCap,
		MaxExp:      c.RetryMaxExp,
		MaxAttempts: c.RetryMaxAttempts,
		Jitter:      jitter,
		AuthFloor:   c.RetryAuthFloor,
	}
}

func (c Config) budgetConfig() retry.BudgetConfig {
	return retry.BudgetConfig{
		Capacity:    c.BudgetCapacity,
		RefillEvery: c.BudgetRefillEvery,
	}
}

func (c Config) breakerConfig() retry.BreakerConfig {
	return retry.BreakerConfig{
		FailureThreshold: c.BreakerFailureThreshold,
		CoolOff:          c.BreakerCoolOff,
		HalfOpenProbes:   c.BreakerHalfOpenProbes,
		SuccessThreshold: c.BreakerSuccessThreshold,
	}
}

func (c Config) workerConfig() worker.Config {
	return worker.Config{
		BatchSize:           c.BatchSize,
		PollInterval:        c.PollInterval,
		SendTimeout:         c.SendTimeout,
		ReapInterval:        c.ReapInterval,
		MaintenanceInterval: c.MaintenanceInterval,
	}
}
