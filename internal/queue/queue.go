// Package queue layers capacity, idempotency and payload sealing on top
// of the durable item store. It is the only component that mutates item
// state; producers enqueue through it and the outbox worker drains it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/clock"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/codec"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/retry"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/store"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/uuidv7"
)

var (
	// ErrQueueFull reports that the queue is at capacity and the
	// overflow policy could not make room.
	ErrQueueFull = errors.New("queue: full")
	// ErrShuttingDown reports that the queue no longer accepts items.
	ErrShuttingDown = errors.New("queue: shutting down")
	// ErrDegraded reports that the queue has seen an irrecoverable
	// store failure and refuses all new work.
	ErrDegraded = errors.New("queue: degraded")
	// ErrIllegalTransition reports a commit or fail against an item
	// that is not in flight.
	ErrIllegalTransition = errors.New("queue: illegal transition")
	// ErrEncode wraps codec failures during enqueue.
	ErrEncode = errors.New("queue: encode payload")
)

// OverflowPolicy selects the behaviour of enqueue at capacity.
type OverflowPolicy string

const (
	// OverflowReject fails the enqueue with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest evicts the oldest pending item of equal or
	// lower priority to make room, dead-lettering it.
	OverflowDropOldest OverflowPolicy = "drop_oldest_low_priority"
	// OverflowBlock suspends the enqueue until room appears or the
	// block timeout expires.
	OverflowBlock OverflowPolicy = "block"
)

// ParseOverflowPolicy maps a configuration string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", string(OverflowReject):
		return OverflowReject, nil
	case string(OverflowDropOldest), "drop_oldest":
		return OverflowDropOldest, nil
	case string(OverflowBlock):
		return OverflowBlock, nil
	default:
		return "", fmt.Errorf("queue: unknown overflow policy %q", s)
	}
}

// overflowReason is recorded as last_error on items evicted to make
// room for newer work.
const overflowReason = "overflow: evicted to admit newer item"

const (
	// DefaultCapacity bounds the count of non-dead items.
	DefaultCapacity = 10000
	// DefaultBlockTimeout bounds an enqueue under OverflowBlock.
	DefaultBlockTimeout = 5 * time.Second
	// DefaultReservationTTL is how long a reservation may sit
	// unacknowledged before the reaper returns it to pending.
	DefaultReservationTTL = 30 * time.Second
	// DefaultCommittedRetention is how long delivered items are kept
	// before pruning.
	DefaultCommittedRetention = 24 * time.Hour
	// DefaultDeadRetention is how long dead-lettered items are kept
	// before pruning.
	DefaultDeadRetention = 7 * 24 * time.Hour
)

// Config tunes queue behaviour. Zero values take the defaults above.
type Config struct {
	Capacity           int
	Overflow           OverflowPolicy
	BlockTimeout       time.Duration
	ReservationTTL     time.Duration
	CommittedRetention time.Duration
	DeadRetention      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Overflow == "" {
		c.Overflow = OverflowReject
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.CommittedRetention <= 0 {
		c.CommittedRetention = DefaultCommittedRetention
	}
	if c.DeadRetention <= 0 {
		c.DeadRetention = DefaultDeadRetention
	}
	return c
}

// Option customises a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(logger pslog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.log = logger
		}
	}
}

// WithMetrics sets the instrumentation sink.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// Queue wraps a Store with capacity, idempotency, sealing and the item
// status machine. All methods are safe for concurrent use.
type Queue struct {
	store   store.Store
	codec   *codec.Codec
	clk     clock.Clock
	cfg     Config
	log     pslog.Logger
	metrics *Metrics

	wake  chan struct{}
	space chan struct{}

	mu           sync.Mutex
	shuttingDown bool
	degraded     bool
}

// New builds a Queue over st, sealing payloads with cdc and reading
// time from clk.
func New(st store.Store, cdc *codec.Codec, clk clock.Clock, cfg Config, opts ...Option) (*Queue, error) {
	if st == nil {
		return nil, errors.New("queue: store required")
	}
	if cdc == nil {
		return nil, errors.New("queue: codec required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	q := &Queue{
		store:   st,
		codec:   cdc,
		clk:     clk,
		cfg:     cfg.withDefaults(),
		log:     pslog.NoopLogger(),
		metrics: NewMetrics(nil),
		wake:    make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("svc", "queue")
	return q, nil
}

// EnqueueRequest describes one item to persist.
type EnqueueRequest struct {
	Payload        []byte
	Priority       store.Priority
	IdempotencyKey string
	// Delay postpones the first delivery attempt.
	Delay time.Duration
}

// Enqueue seals the payload and persists it as a pending item,
// returning the item id. A request whose idempotency key matches a live
// item returns that item's id without mutation.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := q.gate(); err != nil {
		return "", err
	}
	if req.IdempotencyKey != "" {
		existing, err := q.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			q.log.Debug("queue.enqueue.dedup", "id", existing.ID, "key", req.IdempotencyKey)
			return existing.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	if err := q.admit(ctx, req.Priority); err != nil {
		return "", err
	}

	id := uuidv7.NewString()
	blob, tag, err := q.codec.Encode(codec.PayloadContext(id), req.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	tagBytes, err := tag.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}

	now := q.clk.Now()
	item := &store.Item{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Payload:        blob,
		PayloadCodec:   tagBytes,
		Status:         store.StatusPending,
		EnqueuedAt:     now,
		UpdatedAt:      now,
		NextAttemptAt:  now.Add(req.Delay),
	}
	err = q.store.Insert(ctx, item)
	if errors.Is(err, store.ErrDuplicate) && req.IdempotencyKey != "" {
		// A concurrent producer won the key between lookup and insert.
		existing, lookupErr := q.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if lookupErr == nil {
			return existing.ID, nil
		}
		return "", err
	}
	if err != nil {
		return "", err
	}

	q.metrics.EnqueueTotal.WithLabelValues(req.Priority.String()).Inc()
	q.log.Debug("queue.enqueue.accepted",
		"id", id, "priority", req.Priority.String(), "bytes", len(req.Payload))
	q.signal(q.wake)
	return id, nil
}

// admit enforces the capacity bound, applying the overflow policy when
// the queue is full. The depth check and the insert are not atomic; a
// racing producer can overshoot capacity by the number of concurrent
// enqueues, which the policy tolerates.
func (q *Queue) admit(ctx context.Context, priority store.Priority) error {
	depth, err := q.depth(ctx)
	if err != nil {
		return err
	}
	if depth < q.cfg.Capacity {
		return nil
	}

	switch q.cfg.Overflow {
	case OverflowDropOldest:
		evicted, err := q.store.EvictForOverflow(ctx, priority, overflowReason, q.clk.Now())
		if err != nil {
			return err
		}
		if !evicted {
			q.metrics.OverflowTotal.WithLabelValues("reject").Inc()
			return ErrQueueFull
		}
		q.metrics.OverflowTotal.WithLabelValues("evict").Inc()
		q.metrics.DeadLetterTotal.Inc()
		q.log.Warn("queue.enqueue.overflow_evict", "priority", priority.String())
		return nil
	case OverflowBlock:
		timeout := q.clk.After(q.cfg.BlockTimeout)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timeout:
				q.metrics.OverflowTotal.WithLabelValues("block_timeout").Inc()
				return ErrQueueFull
			case <-q.space:
			}
			depth, err = q.depth(ctx)
			if err != nil {
				return err
			}
			if depth < q.cfg.Capacity {
				q.metrics.OverflowTotal.WithLabelValues("block_admitted").Inc()
				return nil
			}
		}
	default:
		q.metrics.OverflowTotal.WithLabelValues("reject").Inc()
		return ErrQueueFull
	}
}

func (q *Queue) depth(ctx context.Context) (int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts.Depth(), nil
}

// Handle is the opaque acknowledgement ticket for one reserved item.
type Handle struct {
	ID    string
	token string
}

// Delivery is a reserved item with its payload unsealed.
type Delivery struct {
	Handle     Handle
	Payload    []byte
	Priority   store.Priority
	Attempts   int
	EnqueuedAt time.Time
}

// Reserve leases up to limit eligible items, highest priority first,
// and returns them decrypted. Items whose payloads can no longer be
// unsealed are dead-lettered in place and omitted from the result.
func (q *Queue) Reserve(ctx context.Context, limit int) ([]Delivery, error) {
	if q.isDegraded() {
		return nil, ErrDegraded
	}
	now := q.clk.Now()
	token := xid.New().String()
	items, err := q.store.Reserve(ctx, limit, now, token, now.Add(q.cfg.ReservationTTL))
	if err != nil {
		return nil, err
	}

	out := make([]Delivery, 0, len(items))
	for _, it := range items {
		plain, decodeErr := q.unseal(&it)
		if decodeErr != nil {
			if err := q.deadLetterUndecodable(ctx, &it, token, now, decodeErr); err != nil {
				return out, err
			}
			continue
		}
		out = append(out, Delivery{
			Handle:     Handle{ID: it.ID, token: token},
			Payload:    plain,
			Priority:   it.Priority,
			Attempts:   it.Attempts,
			EnqueuedAt: it.EnqueuedAt,
		})
	}
	return out, nil
}

func (q *Queue) unseal(it *store.Item) ([]byte, error) {
	var tag codec.Tag
	if err := tag.UnmarshalBinary(it.PayloadCodec); err != nil {
		return nil, err
	}
	return q.codec.Decode(codec.PayloadContext(it.ID), it.Payload, tag)
}

// deadLetterUndecodable retires an item whose key or blob is beyond
// recovery. Attempts stay untouched; no delivery was tried.
func (q *Queue) deadLetterUndecodable(ctx context.Context, it *store.Item, token string, now time.Time, cause error) error {
	q.log.Warn("queue.reserve.undecodable", "id", it.ID, "error", cause)
	err := q.store.Fail(ctx, store.FailUpdate{
		ID:                it.ID,
		Token:             token,
		NextStatus:        store.StatusDead,
		NextAttemptAt:     now,
		LastError:         "undecodable: " + cause.Error(),
		AttemptsIncrement: 0,
	}, now)
	if err != nil {
		return fmt.Errorf("queue: dead-letter undecodable %s: %w", it.ID, err)
	}
	q.metrics.DeadLetterTotal.Inc()
	return nil
}

// Commit acknowledges successful delivery of a reserved item.
func (q *Queue) Commit(ctx context.Context, h Handle) error {
	err := q.store.Commit(ctx, h.ID, h.token, q.clk.Now())
	if err != nil {
		return q.translateAckErr(ctx, h.ID, err)
	}
	q.metrics.CommitTotal.Inc()
	q.log.Debug("queue.commit", "id", h.ID)
	q.signal(q.space)
	return nil
}

// Fail records a delivery failure, applying the retry engine's
// directive: back to pending with a future next_attempt_at, or dead.
func (q *Queue) Fail(ctx context.Context, h Handle, d retry.Directive, reason string) error {
	now := q.clk.Now()
	upd := store.FailUpdate{
		ID:                h.ID,
		Token:             h.token,
		NextAttemptAt:     d.NextAttemptAt,
		LastError:         reason,
		AttemptsIncrement: 1,
	}
	switch d.Outcome {
	case retry.OutcomeDeadLetter:
		upd.NextStatus = store.StatusDead
		upd.NextAttemptAt = now
	default:
		upd.NextStatus = store.StatusPending
	}
	if err := q.store.Fail(ctx, upd, now); err != nil {
		return q.translateAckErr(ctx, h.ID, err)
	}
	q.metrics.FailTotal.WithLabelValues(d.Outcome.String()).Inc()
	if d.Outcome == retry.OutcomeDeadLetter {
		q.metrics.DeadLetterTotal.Inc()
		q.log.Warn("queue.fail.dead_letter", "id", h.ID, "reason", reason)
		q.signal(q.space)
		return nil
	}
	q.log.Debug("queue.fail.rescheduled",
		"id", h.ID, "outcome", d.Outcome.String(), "next_attempt_at", upd.NextAttemptAt, "reason", reason)
	return nil
}

// Release returns a reserved item to pending without counting an
// attempt, used when the breaker rejects a batch before any send.
func (q *Queue) Release(ctx context.Context, h Handle, at time.Time, reason string) error {
	now := q.clk.Now()
	err := q.store.Fail(ctx, store.FailUpdate{
		ID:                h.ID,
		Token:             h.token,
		NextStatus:        store.StatusPending,
		NextAttemptAt:     at,
		LastError:         reason,
		AttemptsIncrement: 0,
	}, now)
	if err != nil {
		return q.translateAckErr(ctx, h.ID, err)
	}
	q.log.Debug("queue.release", "id", h.ID, "next_attempt_at", at)
	return nil
}

// translateAckErr upgrades a stale-reservation error to
// ErrIllegalTransition when the item left the in-flight state entirely.
func (q *Queue) translateAckErr(ctx context.Context, id string, err error) error {
	if !errors.Is(err, store.ErrStaleReservation) {
		return err
	}
	it, getErr := q.store.Get(ctx, id)
	if getErr == nil && it.Status != store.StatusInFlight {
		return fmt.Errorf("%w: item %s is %s", ErrIllegalTransition, id, it.Status)
	}
	return err
}

// Reap returns expired reservations to pending and reports how many
// were recovered.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	n, err := q.store.Reap(ctx, q.clk.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.metrics.ReapedTotal.Add(float64(n))
		q.log.Info("queue.reap.recovered", "items", n)
		q.signal(q.wake)
	}
	return n, nil
}

// Prune deletes committed and dead items older than the configured
// retention horizons.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	now := q.clk.Now()
	n, err := q.store.Prune(ctx,
		now.Add(-q.cfg.CommittedRetention),
		now.Add(-q.cfg.DeadRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("queue.prune", "items", n)
		q.signal(q.space)
	}
	return n, nil
}

// Status reports the lifecycle state of one item.
func (q *Queue) Status(ctx context.Context, id string) (store.Status, error) {
	it, err := q.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return it.Status, nil
}

// DepthByStatus snapshots the per-status item counts.
func (q *Queue) DepthByStatus(ctx context.Context) (store.Counts, error) {
	return q.store.CountByStatus(ctx)
}

// Dead lists up to limit dead-lettered items, oldest first.
func (q *Queue) Dead(ctx context.Context, limit int) ([]store.Item, error) {
	return q.store.IterateDead(ctx, limit)
}

// Purge removes the identified items outright.
func (q *Queue) Purge(ctx context.Context, ids []string) (int, error) {
	n, err := q.store.Purge(ctx, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.signal(q.space)
	}
	return n, nil
}

// PublishGauges refreshes the depth and staleness gauges. The worker
// calls this from its maintenance tick.
func (q *Queue) PublishGauges(ctx context.Context) error {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	q.metrics.ObserveDepth(counts)

	oldest, err := q.store.OldestPendingByPriority(ctx)
	if err != nil {
		return err
	}
	now := q.clk.Now()
	for _, p := range store.Priorities() {
		age := 0.0
		if at, ok := oldest[p]; ok {
			age = now.Sub(at).Seconds()
		}
		q.metrics.OldestPendingAge.WithLabelValues(p.String()).Set(age)
	}
	return nil
}

// Wake delivers a coalesced signal whenever new work may be eligible.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// BeginShutdown stops accepting new enqueues. In-flight reservations
// and the worker drain are unaffected.
func (q *Queue) BeginShutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.shuttingDown {
		q.shuttingDown = true
		q.log.Info("queue.shutdown.begin")
	}
}

// MarkDegraded latches the queue into a state that refuses all new
// work after an irrecoverable store failure.
func (q *Queue) MarkDegraded(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.degraded {
		q.degraded = true
		q.log.Error("queue.degraded", "error", cause)
	}
}

// Degraded reports whether the queue has latched into degraded mode.
func (q *Queue) Degraded() bool {
	return q.isDegraded()
}

func (q *Queue) isDegraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

func (q *Queue) gate() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.degraded {
		return ErrDegraded
	}
	if q.shuttingDown {
		return ErrShuttingDown
	}
	return nil
}

func (q *Queue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
