// Package worker runs the outbox loop: it leases batches from the
// queue, hands them to the Forwarder and applies the retry engine's
// verdict to every item that did not make it upstream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/clock"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/queue"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/retry"
)

const (
	// DefaultBatchSize bounds one reservation lease.
	DefaultBatchSize = 32
	// DefaultPollInterval is the idle wake cadence.
	DefaultPollInterval = time.Second
	// DefaultSendTimeout bounds one Forwarder batch call.
	DefaultSendTimeout = 10 * time.Second
	// DefaultReapInterval is the cadence of expired-reservation
	// recovery.
	DefaultReapInterval = 15 * time.Second
	// DefaultMaintenanceInterval is the cadence of retention pruning
	// and gauge refresh.
	DefaultMaintenanceInterval = time.Minute
	// DefaultFatalThreshold is how many consecutive store failures the
	// worker tolerates before declaring the queue degraded.
	DefaultFatalThreshold = 5
)

// Config tunes the worker loop. Zero values take the defaults above.
type Config struct {
	BatchSize           int
	PollInterval        time.Duration
	SendTimeout         time.Duration
	ReapInterval        time.Duration
	MaintenanceInterval time.Duration
	FatalThreshold      int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.FatalThreshold <= 0 {
		c.FatalThreshold = DefaultFatalThreshold
	}
	return c
}

// Option customises a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(logger pslog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithMetrics points the worker at the shared instrument set.
func WithMetrics(m *queue.Metrics) Option {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// Worker is the single long-lived drain loop for one queue.
type Worker struct {
	queue   *queue.Queue
	fwd     Forwarder
	engine  *retry.Engine
	clk     clock.Clock
	cfg     Config
	log     pslog.Logger
	metrics *queue.Metrics

	nextReap  time.Time
	nextMaint time.Time
	storeErrs int
}

// New builds a Worker draining q through fwd under the engine's retry
// policy.
func New(q *queue.Queue, fwd Forwarder, engine *retry.Engine, clk clock.Clock, cfg Config, opts ...Option) (*Worker, error) {
	if q == nil {
		return nil, errors.New("worker: queue required")
	}
	if fwd == nil {
		return nil, errors.New("worker: forwarder required")
	}
	if engine == nil {
		return nil, errors.New("worker: retry engine required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	w := &Worker{
		queue:   q,
		fwd:     fwd,
		engine:  engine,
		clk:     clk,
		cfg:     cfg.withDefaults(),
		log:     pslog.NoopLogger(),
		metrics: queue.NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("svc", "worker")
	now := clk.Now()
	w.nextReap = now.Add(w.cfg.ReapInterval)
	w.nextMaint = now.Add(w.cfg.MaintenanceInterval)
	return w, nil
}

// Run executes the drain loop until ctx is cancelled or the queue
// degrades. Each pass waits for the earliest of the poll interval, an
// enqueue wake or a breaker state change, then ticks once.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker.start",
		"batch_size", w.cfg.BatchSize, "poll_interval", w.cfg.PollInterval)
	var wakeAt time.Time
	for {
		delay := w.cfg.PollInterval
		if !wakeAt.IsZero() {
			if d := wakeAt.Sub(w.clk.Now()); d < delay {
				delay = d
			}
			if delay < 0 {
				delay = 0
			}
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker.stop", "reason", ctx.Err())
			return ctx.Err()
		case <-w.clk.After(delay):
		case <-w.queue.Wake():
		case <-w.engine.Breaker().StateChanges():
		}
		next, err := w.Tick(ctx)
		if err != nil {
			w.log.Error("worker.fatal", "error", err)
			return err
		}
		wakeAt = next
	}
}

// Tick performs one full pass: due maintenance, then draining eligible
// items until the queue is empty or the breaker rejects. It returns the
// time of the next forced wake (the breaker's cool-off expiry), or zero
// when the regular poll cadence suffices.
func (w *Worker) Tick(ctx context.Context) (time.Time, error) {
	now := w.clk.Now()
	if !now.Before(w.nextReap) {
		if _, err := w.queue.Reap(ctx); err != nil {
			if fatal := w.noteStoreErr(err); fatal != nil {
				return time.Time{}, fatal
			}
		}
		w.nextReap = now.Add(w.cfg.ReapInterval)
	}
	if !now.Before(w.nextMaint) {
		w.maintain(ctx)
		w.nextMaint = now.Add(w.cfg.MaintenanceInterval)
	}

	for {
		permit := w.engine.Breaker().Permit()
		w.observeEngine()
		if !permit.Allowed {
			w.log.Debug("worker.breaker.rejected", "until", permit.Until)
			return permit.Until, nil
		}
		items, err := w.queue.Reserve(ctx, w.cfg.BatchSize)
		if err != nil {
			if errors.Is(err, queue.ErrDegraded) {
				return time.Time{}, err
			}
			return time.Time{}, w.noteStoreErr(err)
		}
		w.storeErrs = 0
		if len(items) == 0 {
			return time.Time{}, nil
		}
		if err := w.forward(ctx, items); err != nil {
			return time.Time{}, err
		}
	}
}

// forward sends one reserved batch and acknowledges every item.
func (w *Worker) forward(ctx context.Context, items []queue.Delivery) error {
	batch := make([]BatchItem, len(items))
	for i, d := range items {
		batch[i] = BatchItem{
			ID:       d.Handle.ID,
			Payload:  d.Payload,
			Attempts: d.Attempts,
			Priority: d.Priority,
		}
	}

	if ctx.Err() != nil {
		// Shutdown raced the reservation; put the batch straight back
		// instead of waiting for the reaper.
		w.releaseBatch(items, "shutdown before send")
		return ctx.Err()
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	start := w.clk.Now()
	results, err := w.fwd.SendBatch(sendCtx, batch)
	cancel()
	w.metrics.ForwardDuration.Observe(w.clk.Now().Sub(start).Seconds())
	if err != nil || len(results) != len(items) {
		results = w.uniformFailure(err, len(items), len(results))
	}

	batchOK := true
	for i, d := range items {
		res := results[i]
		switch res.Kind {
		case ResultOk:
			if err := w.queue.Commit(ctx, d.Handle); err != nil {
				if errors.Is(err, queue.ErrIllegalTransition) {
					// The reaper got there first; the item is already
					// pending and will be delivered again.
					w.log.Warn("worker.ack.raced", "id", d.Handle.ID, "error", err)
					continue
				}
				if fatal := w.noteStoreErr(err); fatal != nil {
					return fatal
				}
				continue
			}
			w.storeErrs = 0
		case ResultNonRetryable:
			dir := w.engine.OnFailure(d.Attempts+1, retry.ClassNonRetryable)
			if err := w.ackFailure(ctx, d, dir, res); err != nil {
				return err
			}
		default:
			batchOK = false
			dir := w.engine.OnFailure(d.Attempts+1, classOf(res.Kind))
			if err := w.ackFailure(ctx, d, dir, res); err != nil {
				return err
			}
		}
	}

	if batchOK {
		w.engine.Breaker().RecordSuccess()
		w.metrics.BatchTotal.WithLabelValues("success").Inc()
	} else {
		w.engine.Breaker().RecordFailure()
		w.metrics.BatchTotal.WithLabelValues("failure").Inc()
	}
	w.observeEngine()
	return nil
}

func (w *Worker) ackFailure(ctx context.Context, d queue.Delivery, dir retry.Directive, res Result) error {
	err := w.queue.Fail(ctx, d.Handle, dir, res.Describe())
	if err == nil {
		w.storeErrs = 0
		return nil
	}
	if errors.Is(err, queue.ErrIllegalTransition) {
		// The reaper got there first; the item is already pending.
		w.log.Warn("worker.ack.raced", "id", d.Handle.ID, "error", err)
		return nil
	}
	return w.noteStoreErr(err)
}

// uniformFailure maps a transport-level error onto per-item results so
// that every item in the batch retries.
func (w *Worker) uniformFailure(err error, want, got int) []Result {
	kind := ResultRetryable
	reason := fmt.Sprintf("result count %d does not match batch %d", got, want)
	if err != nil {
		reason = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ResultTimeout
		}
	}
	w.log.Warn("worker.forward.batch_error", "kind", kind.String(), "reason", reason)
	results := make([]Result, want)
	for i := range results {
		results[i] = Result{Kind: kind, Reason: reason}
	}
	return results
}

func (w *Worker) releaseBatch(items []queue.Delivery, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	now := w.clk.Now()
	for _, d := range items {
		if err := w.queue.Release(ctx, d.Handle, now, reason); err != nil {
			w.log.Warn("worker.release.failed", "id", d.Handle.ID, "error", err)
		}
	}
}

// maintain prunes retention horizons and refreshes the gauges. Failures
// here are logged, not fatal; the next tick retries.
func (w *Worker) maintain(ctx context.Context) {
	if _, err := w.queue.Prune(ctx); err != nil {
		w.log.Warn("worker.maintain.prune.error", "error", err)
	}
	if err := w.queue.PublishGauges(ctx); err != nil {
		w.log.Warn("worker.maintain.gauges.error", "error", err)
	}
	w.observeEngine()
}

func (w *Worker) observeEngine() {
	w.metrics.BreakerState.Set(float64(w.engine.Breaker().State()))
	w.metrics.BudgetLevel.Set(float64(w.engine.Budget().Level(w.clk.Now())))
}

// noteStoreErr tracks consecutive store failures. Transient errors are
// swallowed so the next tick retries; past the threshold the queue is
// latched degraded and the error becomes fatal.
func (w *Worker) noteStoreErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	w.storeErrs++
	w.log.Error("worker.store.error", "error", err, "consecutive", w.storeErrs)
	if w.storeErrs >= w.cfg.FatalThreshold {
		w.queue.MarkDegraded(err)
		return fmt.Errorf("worker: %d consecutive store failures: %w", w.storeErrs, err)
	}
	return nil
}

func classOf(kind ResultKind) retry.Class {
	switch kind {
	case ResultAuth:
		return retry.ClassAuth
	case ResultTimeout:
		return retry.ClassTimeout
	case ResultNonRetryable:
		return retry.ClassNonRetryable
	default:
		return retry.ClassRetryable
	}
}
