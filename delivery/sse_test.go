package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func sseServer(t *testing.T, frames string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, frames)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
}

func TestSSESubscriberDispatchesCompletedFrame(t *testing.T) {
	srv := sseServer(t, "event: status_update\ndata: {\"status\":\"paid\"}\n\nevent: completed\ndata: {\"content_hash\":\"abc\"}\n\n")
	defer srv.Close()

	sub := NewSSESubscriber(srv.Client())

	var mu sync.Mutex
	var statusSeen, completedSeen bool
	unsubscribe, done := sub.Subscribe(context.Background(), "ivxp-1", srv.URL, SSEHandlers{
		OnStatusUpdate: func(_ json.RawMessage) { mu.Lock(); statusSeen = true; mu.Unlock() },
		OnCompleted:    func(_ json.RawMessage) { mu.Lock(); completedSeen = true; mu.Unlock() },
	})
	defer unsubscribe()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean completion, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription to complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if !statusSeen {
		t.Error("expected OnStatusUpdate to fire")
	}
	if !completedSeen {
		t.Error("expected OnCompleted to fire")
	}
}

func TestSSESubscriberDispatchesFailedFrame(t *testing.T) {
	srv := sseServer(t, "event: failed\ndata: {\"reason\":\"boom\"}\n\n")
	defer srv.Close()

	sub := NewSSESubscriber(srv.Client())
	unsubscribe, done := sub.Subscribe(context.Background(), "ivxp-1", srv.URL, SSEHandlers{})
	defer unsubscribe()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("a dispatched failed frame ends the subscription cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription to complete")
	}
}

func TestSSESubscriberExhaustsRetryBudget(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := NewSSESubscriber(srv.Client())
	sub.retryBaseMs = time.Millisecond

	unsubscribe, done := sub.Subscribe(context.Background(), "ivxp-1", srv.URL, SSEHandlers{})
	defer unsubscribe()

	select {
	case err := <-done:
		if _, ok := err.(*SSEExhaustedError); !ok {
			t.Fatalf("expected *SSEExhaustedError, got %T: %v", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != sub.maxRetries {
		t.Errorf("expected %d connection attempts, got %d", sub.maxRetries, attempts)
	}
}
