package syncd

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/queue"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/store"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/worker"
)

// okForwarder acknowledges everything and counts deliveries.
type okForwarder struct {
	mu    sync.Mutex
	items []string
}

func (f *okForwarder) SendBatch(_ context.Context, items []worker.BatchItem) ([]worker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		f.items = append(f.items, it.ID)
	}
	return make([]worker.Result, len(items)), nil
}

func (f *okForwarder) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		StorePath:    filepath.Join(dir, "queue.db"),
		KeyPath:      filepath.Join(dir, "keys.pem"),
		Endpoint:     "https://ingest.pulsearc.test/v1/batch",
		PollInterval: 10 * time.Millisecond,
		RetryJitter:  "none",
	}
}

func TestServiceDeliversEnqueuedItems(t *testing.T) {
	fwd := &okForwarder{}
	svc, err := New(context.Background(), testConfig(t), WithForwarder(fwd))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	id, err := svc.Queue().Enqueue(context.Background(), queue.EnqueueRequest{
		Payload:  []byte(`{"kind":"focus","app":"editor"}`),
		Priority: store.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := svc.Queue().Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st == store.StatusCommitted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item never committed, status %s", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fwd.delivered() != 1 {
		t.Fatalf("delivered: got %d want 1", fwd.delivered())
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The drain closed the store; the queue rejects further work.
	_, err = svc.Queue().Enqueue(context.Background(), queue.EnqueueRequest{Payload: []byte("late")})
	if !errors.Is(err, queue.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestServicePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	// First process: enqueue and stop before anything is delivered.
	blocked := &okForwarder{}
	svc, err := New(context.Background(), cfg, WithForwarder(blocked))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := svc.Queue().Enqueue(context.Background(), queue.EnqueueRequest{
		Payload: []byte("survives restart"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := svc.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Second process over the same files decrypts and delivers it.
	fwd := &okForwarder{}
	svc2, err := New(context.Background(), cfg, WithForwarder(fwd))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- svc2.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for fwd.delivered() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("restarted service never delivered the item")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, err := svc2.Queue().Status(context.Background(), id)
	if err != nil || st != store.StatusCommitted {
		t.Fatalf("status after restart: %s err=%v", st, err)
	}
	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
