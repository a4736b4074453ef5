// Package store persists queue items on an embedded SQLite database. It is
// the only package that touches durable storage; every mutation happens
// inside a transaction on the connection pool.
package store

import (
	"context"
	"errors"
	"time"
)

// Priority orders dispatch. Higher values reserve first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String returns the configuration name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a configuration string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, errors.New("store: unknown priority " + s)
	}
}

// Priorities lists all priorities from highest to lowest.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "inflight"
	StatusCommitted Status = "committed"
	StatusDead      Status = "dead"
)

// Statuses lists every status.
func Statuses() []Status {
	return []Status{StatusPending, StatusInFlight, StatusCommitted, StatusDead}
}

// MaxLastErrorLen bounds the diagnostic string persisted per item.
const MaxLastErrorLen = 512

var (
	// ErrDuplicate indicates an idempotency key collision with a live item.
	ErrDuplicate = errors.New("store: duplicate idempotency key")
	// ErrStaleReservation indicates a commit or fail with a token that no
	// longer matches the row.
	ErrStaleReservation = errors.New("store: stale reservation")
	// ErrNotFound indicates the item does not exist.
	ErrNotFound = errors.New("store: item not found")
)

// Item is a persisted unit of work. Payload holds ciphertext only; plaintext
// is never written to storage.
type Item struct {
	ID                  string
	IdempotencyKey      string
	Priority            Priority
	Payload             []byte
	PayloadCodec        []byte
	Status              Status
	Attempts            int
	LastError           string
	EnqueuedAt          time.Time
	UpdatedAt           time.Time
	NextAttemptAt       time.Time
	ReservationToken    string
	ReservationDeadline time.Time
}

// FailUpdate describes the outcome of a failed delivery attempt.
type FailUpdate struct {
	ID                string
	Token             string
	NextStatus        Status
	NextAttemptAt     time.Time
	LastError         string
	AttemptsIncrement int
}

// Counts maps statuses to row counts.
type Counts map[Status]int

// Depth returns the number of non-dead rows.
func (c Counts) Depth() int {
	return c[StatusPending] + c[StatusInFlight] + c[StatusCommitted]
}

// Store is the durable persistence contract consumed by the queue.
type Store interface {
	// Insert appends a new row, failing with ErrDuplicate when the
	// idempotency key collides with a non-dead row.
	Insert(ctx context.Context, item *Item) error
	// Get returns the item by id or ErrNotFound.
	Get(ctx context.Context, id string) (*Item, error)
	// FindByIdempotencyKey returns the live (non-dead) item holding key,
	// or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*Item, error)
	// Reserve atomically flips up to limit eligible pending rows to
	// in-flight, stamping the reservation token and deadline. Rows come
	// back ordered by (priority DESC, enqueued_at ASC, id ASC).
	Reserve(ctx context.Context, limit int, now time.Time, token string, deadline time.Time) ([]Item, error)
	// Commit finalises a reserved row iff token matches, counting the
	// successful attempt and releasing the idempotency key.
	Commit(ctx context.Context, id, token string, now time.Time) error
	// Fail applies a failure outcome to a reserved row iff token matches.
	Fail(ctx context.Context, upd FailUpdate, now time.Time) error
	// Reap returns expired in-flight reservations to pending with
	// next_attempt_at = now, leaving attempts untouched. It reports how
	// many rows were reaped.
	Reap(ctx context.Context, now time.Time) (int, error)
	// EvictForOverflow dead-letters the oldest pending row whose priority
	// is at or below maxPriority, recording reason. It reports whether a
	// row was evicted.
	EvictForOverflow(ctx context.Context, maxPriority Priority, reason string, now time.Time) (bool, error)
	// CountByStatus returns row counts per status.
	CountByStatus(ctx context.Context) (Counts, error)
	// OldestPendingByPriority returns the enqueue time of the oldest
	// pending row per priority; priorities with no pending rows are absent.
	OldestPendingByPriority(ctx context.Context) (map[Priority]time.Time, error)
	// IterateDead returns up to limit dead rows, oldest first.
	IterateDead(ctx context.Context, limit int) ([]Item, error)
	// Purge removes rows by id regardless of status and reports how many
	// were deleted.
	Purge(ctx context.Context, ids []string) (int, error)
	// Prune removes committed rows older than committedBefore and dead
	// rows older than deadBefore, reporting the number deleted.
	Prune(ctx context.Context, committedBefore, deadBefore time.Time) (int, error)
	// Close releases the underlying pool.
	Close() error
}
