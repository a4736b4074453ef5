package worker

import (
	"context"
	"fmt"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/store"
)

// ResultKind classifies the transport outcome for one forwarded item.
type ResultKind int

const (
	ResultOk ResultKind = iota
	ResultRetryable
	ResultNonRetryable
	ResultAuth
	ResultTimeout
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "Ok"
	case ResultRetryable:
		return "Retryable"
	case ResultNonRetryable:
		return "NonRetryable"
	case ResultAuth:
		return "Auth"
	case ResultTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the per-item outcome of a batch send.
type Result struct {
	Kind   ResultKind
	Reason string
}

// Describe renders the outcome in the form recorded as an item's
// last_error, e.g. "Retryable(503 service unavailable)".
func (r Result) Describe() string {
	return r.Kind.String() + "(" + r.Reason + ")"
}

// BatchItem is one unsealed item handed to the transport.
type BatchItem struct {
	ID       string
	Payload  []byte
	Attempts int
	Priority store.Priority
}

// Forwarder delivers batches upstream. Implementations must return one
// Result per input item, in input order. A transport-level error (or a
// mismatched result length) is treated as a retryable failure for the
// whole batch.
type Forwarder interface {
	SendBatch(ctx context.Context, items []BatchItem) ([]Result, error)
}
