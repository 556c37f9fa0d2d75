package horde

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aipowergrid/gridbridge/internal/stats"
)

func TestPop_NoWorkReturnsZeroSleep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": nil})
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "key", stats.New())
	resp, sleep := c.Pop(context.Background(), PopRequest{Name: "w1", Models: []string{"m1"}})
	if resp != nil {
		t.Fatal("expected nil response for no-work")
	}
	if sleep != 0 {
		t.Fatalf("sleep = %v, want 0", sleep)
	}
}

func TestPop_SuccessReturnsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("horde-node", "node-7")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "job-123",
			"payload": map[string]any{"prompt": "hello"},
		})
	}))
	defer srv.Close()

	st := stats.New()
	c := New(srv.Client(), srv.URL, "key", st)
	resp, sleep := c.Pop(context.Background(), PopRequest{Name: "w1", Models: []string{"m1"}})
	if resp == nil || resp.ID == nil || *resp.ID != "job-123" {
		t.Fatalf("resp = %+v", resp)
	}
	if sleep != 0 {
		t.Fatalf("sleep = %v, want 0", sleep)
	}
	if st.Snapshot().NodeLatency["node-7"].Count != 1 {
		t.Fatal("expected pop latency recorded against node-7")
	}
}

func TestPop_ErrorStatusSleeps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "key", stats.New())
	resp, sleep := c.Pop(context.Background(), PopRequest{})
	if resp != nil {
		t.Fatal("expected nil response on server error")
	}
	if sleep != 2*time.Second {
		t.Fatalf("sleep = %v, want 2s", sleep)
	}
}

func TestSubmit_RetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"reward": 5.0})
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "key", stats.New())
	outcome, err := c.Submit(context.Background(), SubmitRequest{ID: "job-1", Generation: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Success || outcome.Reward != 5.0 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestSubmit_404TreatedAsAlreadyKnownSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "key", stats.New())
	outcome, err := c.Submit(context.Background(), SubmitRequest{ID: "job-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Success || !outcome.AlreadyKnown {
		t.Fatalf("outcome = %+v, want Success+AlreadyKnown", outcome)
	}
}
