package forward

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/store"
	"github.com/PHiBBeRR/pulsearc-syncd/internal/worker"
)

func testBatch() []worker.BatchItem {
	return []worker.BatchItem{
		{ID: "a", Payload: []byte("one"), Attempts: 0, Priority: store.PriorityHigh},
		{ID: "b", Payload: []byte("two"), Attempts: 2, Priority: store.PriorityLow},
	}
}

func TestSendBatchMapsPerItemResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("auth header: %q", got)
		}
		var batch wireBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(batch.Items) != 2 || batch.Items[0].ID != "a" || batch.Items[0].Priority != "high" {
			t.Errorf("request batch: %+v", batch)
		}
		if string(batch.Items[0].Payload) != "one" {
			t.Errorf("payload round trip: %q", batch.Items[0].Payload)
		}
		_ = json.NewEncoder(w).Encode(wireResponse{Results: []wireResult{
			{ID: "a", Status: "ok"},
			{ID: "b", Status: "non_retryable", Reason: "payload rejected"},
		}})
	}))
	defer srv.Close()

	f, err := New(Config{Endpoint: srv.URL, AuthToken: "sekrit"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results, err := f.SendBatch(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if results[0].Kind != worker.ResultOk {
		t.Fatalf("result[0]: %+v", results[0])
	}
	if results[1].Kind != worker.ResultNonRetryable || results[1].Reason != "payload rejected" {
		t.Fatalf("result[1]: %+v", results[1])
	}
}

func TestSendBatchMapsHTTPStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   worker.ResultKind
	}{
		{"unauthorized", http.StatusUnauthorized, worker.ResultAuth},
		{"forbidden", http.StatusForbidden, worker.ResultAuth},
		{"gateway timeout", http.StatusGatewayTimeout, worker.ResultTimeout},
		{"bad request", http.StatusBadRequest, worker.ResultNonRetryable},
		{"service unavailable", http.StatusServiceUnavailable, worker.ResultRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			f, err := New(Config{Endpoint: srv.URL})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			results, err := f.SendBatch(context.Background(), testBatch())
			if err != nil {
				t.Fatalf("SendBatch: %v", err)
			}
			for i, res := range results {
				if res.Kind != tc.want {
					t.Fatalf("result[%d]: got %s want %s", i, res.Kind, tc.want)
				}
			}
		})
	}
}

func TestSendBatchRejectsResultCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(wireResponse{Results: []wireResult{{ID: "a", Status: "ok"}}})
	}))
	defer srv.Close()

	f, err := New(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := f.SendBatch(context.Background(), testBatch()); err == nil {
		t.Fatal("expected an error on short result vector")
	}
}

func TestSendBatchSurfacesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	f, err := New(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := f.SendBatch(context.Background(), testBatch()); err == nil {
		t.Fatal("expected a transport error")
	}
}
