package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
// Time ordering keeps same-priority reservations in enqueue order when ids
// break timestamp ties.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Parse parses a canonical UUID string.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
