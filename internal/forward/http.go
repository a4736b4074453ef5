// Package forward ships sealed-queue batches to the PulseArc ingest API
// over HTTP. It implements the worker's Forwarder contract: one result
// per item, in order, with transport failures surfaced as errors for
// the worker to classify.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/pslog"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/worker"
)

// maxErrorBody bounds how much of an error response is read for the
// diagnostic.
const maxErrorBody = 2048

// Config parameterises the HTTP forwarder.
type Config struct {
	// Endpoint is the full URL of the batch ingest route.
	Endpoint string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
	// UserAgent overrides the default agent string.
	UserAgent string
	// Client overrides the default http.Client. Request deadlines come
	// from the caller's context, not the client.
	Client *http.Client
}

// Option customises an HTTPForwarder.
type Option func(*HTTPForwarder)

// WithLogger sets the structured logger.
func WithLogger(logger pslog.Logger) Option {
	return func(f *HTTPForwarder) {
		if logger != nil {
			f.log = logger
		}
	}
}

// HTTPForwarder posts JSON batches to a single ingest endpoint.
type HTTPForwarder struct {
	cfg    Config
	client *http.Client
	log    pslog.Logger
}

// New builds an HTTPForwarder for cfg.Endpoint.
func New(cfg Config, opts ...Option) (*HTTPForwarder, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("forward: endpoint required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pulsearc-syncd"
	}
	f := &HTTPForwarder{cfg: cfg, client: cfg.Client, log: pslog.NoopLogger()}
	if f.client == nil {
		f.client = &http.Client{}
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("svc", "forward")
	return f, nil
}

type wireItem struct {
	ID       string `json:"id"`
	Payload  []byte `json:"payload"`
	Attempts int    `json:"attempts"`
	Priority string `json:"priority"`
}

type wireBatch struct {
	Items []wireItem `json:"items"`
}

type wireResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type wireResponse struct {
	Results []wireResult `json:"results"`
}

// SendBatch posts items as one JSON document and maps the per-item
// response statuses onto worker results. Whole-batch HTTP failures are
// mapped uniformly: auth statuses to Auth, everything else retryable.
func (f *HTTPForwarder) SendBatch(ctx context.Context, items []worker.BatchItem) ([]worker.Result, error) {
	batch := wireBatch{Items: make([]wireItem, len(items))}
	for i, it := range items {
		batch.Items[i] = wireItem{
			ID:       it.ID,
			Payload:  it.Payload,
			Attempts: it.Attempts,
			Priority: it.Priority.String(),
		}
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("forward: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forward: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if f.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.AuthToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("forward: post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return f.statusResults(resp, len(items)), nil
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("forward: decode response: %w", err)
	}
	if len(decoded.Results) != len(items) {
		return nil, fmt.Errorf("forward: got %d results for %d items", len(decoded.Results), len(items))
	}

	out := make([]worker.Result, len(items))
	for i, res := range decoded.Results {
		out[i] = mapStatus(res)
	}
	return out, nil
}

// statusResults maps a non-200 response onto a uniform per-item result.
func (f *HTTPForwarder) statusResults(resp *http.Response, n int) []worker.Result {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(snippet))

	kind := worker.ResultRetryable
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = worker.ResultAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = worker.ResultTimeout
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		kind = worker.ResultNonRetryable
	}
	f.log.Warn("forward.batch.http_error", "status", resp.Status, "kind", kind.String())

	out := make([]worker.Result, n)
	for i := range out {
		out[i] = worker.Result{Kind: kind, Reason: reason}
	}
	return out
}

func mapStatus(res wireResult) worker.Result {
	switch res.Status {
	case "ok":
		return worker.Result{Kind: worker.ResultOk}
	case "non_retryable":
		return worker.Result{Kind: worker.ResultNonRetryable, Reason: res.Reason}
	case "auth":
		return worker.Result{Kind: worker.ResultAuth, Reason: res.Reason}
	case "timeout":
		return worker.Result{Kind: worker.ResultTimeout, Reason: res.Reason}
	case "retryable":
		return worker.Result{Kind: worker.ResultRetryable, Reason: res.Reason}
	default:
		return worker.Result{
			Kind:   worker.ResultRetryable,
			Reason: fmt.Sprintf("unknown status %q: %s", res.Status, res.Reason),
		}
	}
}
