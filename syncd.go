package syncd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/clock"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/codec"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/forward"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/queue"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/retry"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/store"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/worker"
)

// drainPollInterval is how often the shutdown drain re-checks depth.
const drainPollInterval = 100 * time.Millisecond

// Option customises a Service.
type Option func(*options)

type options struct {
	logger    pslog.Logger
	clk       clock.Clock
	registry  prometheus.Registerer
	forwarder worker.Forwarder
}

// WithLogger sets the structured logger for every component.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clk = clk
		}
	}
}

// WithRegistry registers the daemon's collectors on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithForwarder overrides the HTTP forwarder, typically for tests.
func WithForwarder(fwd worker.Forwarder) Option {
	return func(o *options) {
		if fwd != nil {
			o.forwarder = fwd
		}
	}
}

// Service owns the store, queue and worker of one sync daemon.
type Service struct {
	cfg   Config
	log   pslog.Logger
	clk   clock.Clock
	store store.Store
	queue *queue.Queue
	work  *worker.Worker
}

// New opens the store and key bundle and wires the full pipeline. The
// returned Service is idle until Run is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: pslog.NoopLogger(), clk: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With("app", "syncd")

	st, err := store.Open(ctx, store.PoolConfig{Path: cfg.StorePath})
	if err != nil {
		return nil, err
	}

	keys, err := codec.LoadKeyring(cfg.KeyPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	codecCfg, err := cfg.codecConfig()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	cdc, err := codec.New(keys, codecCfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	queueCfg, err := cfg.queueConfig()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	metrics := queue.NewMetrics(o.registry)
	q, err := queue.New(st, cdc, o.clk, queueCfg,
		queue.WithLogger(log), queue.WithMetrics(metrics))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine := retry.NewEngine(
		retry.NewStrategy(cfg.strategyConfig()),
		retry.NewBudget(cfg.budgetConfig(), o.clk.Now()),
		retry.NewBreaker(cfg.breakerConfig(), o.clk),
		o.clk,
	)

	fwd := o.forwarder
	if fwd == nil {
		fwd, err = forward.New(forward.Config{
			Endpoint:  cfg.Endpoint,
			AuthToken: cfg.AuthToken,
		}, forward.WithLogger(log))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	work, err := worker.New(q, fwd, engine, o.clk, cfg.workerConfig(),
		worker.WithLogger(log), worker.WithMetrics(metrics))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	log.Info("syncd.configured",
		"store", cfg.StorePath,
		"endpoint", cfg.Endpoint,
		"compression", cfg.CompressionAlgo,
		"overflow_policy", cfg.OverflowPolicy)
	return &Service{
		cfg:   cfg,
		log:   log,
		clk:   o.clk,
		store: st,
		queue: q,
		work:  work,
	}, nil
}

// Queue exposes the producer surface: enqueue, status, depth, dead
// letter listing and purge.
func (s *Service) Queue() *queue.Queue {
	return s.queue
}

// Run drives the outbox worker until ctx is cancelled, then drains and
// closes the store. A degraded queue terminates Run with the fatal
// store error.
func (s *Service) Run(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.work.Run(workerCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
		s.drain()
		cancel()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	if err := s.store.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("syncd: close store: %w", err)
	}
	return runErr
}

// drain stops accepting enqueues and waits for in-flight and pending
// work to clear, bounded by the shutdown timeout.
func (s *Service) drain() {
	s.queue.BeginShutdown()
	deadline := s.clk.Now().Add(s.cfg.ShutdownTimeout)
	for s.clk.Now().Before(deadline) {
		counts, err := s.queue.DepthByStatus(context.Background())
		if err != nil {
			s.log.Warn("syncd.drain.depth.error", "error", err)
			return
		}
		remaining := counts[store.StatusPending] + counts[store.StatusInFlight]
		if remaining == 0 {
			s.log.Info("syncd.drain.complete")
			return
		}
		s.clk.Sleep(drainPollInterval)
	}
	s.log.Warn("syncd.drain.deadline", "timeout", s.cfg.ShutdownTimeout)
}
