package koboldai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aipowergrid/gridbridge/internal/bridge"
	"github.com/aipowergrid/gridbridge/internal/job"
)

func newFakeKoboldServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/latest/model":
			json.NewEncoder(w).Encode(map[string]any{"result": "gpt2_large"})
		case "/api/latest/config/soft_prompts_list":
			json.NewEncoder(w).Encode(map[string]any{"values": []map[string]any{{"value": "sp1"}}})
		case "/api/latest/config/soft_prompt":
			json.NewEncoder(w).Encode(map[string]any{"value": ""})
		case "/api/latest/generate":
			json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{{"text": "generated"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestValidate_NormalizesModelIDAndCachesSoftprompts(t *testing.T) {
	srv := newFakeKoboldServer(t)
	defer srv.Close()

	c := New(srv.Client())
	bd := &bridge.Data{BackendURL: srv.URL}
	if err := c.Validate(context.Background(), bd); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if bd.UpstreamModelID != "gpt2/large" {
		t.Errorf("UpstreamModelID = %q, want gpt2/large", bd.UpstreamModelID)
	}
	if !bd.Available {
		t.Fatal("expected Available = true")
	}
	if len(bd.Softprompts["gpt2/large"]) != 1 || bd.Softprompts["gpt2/large"][0] != "sp1" {
		t.Errorf("Softprompts = %v", bd.Softprompts)
	}
}

func TestGenerate_ReturnsResultText(t *testing.T) {
	srv := newFakeKoboldServer(t)
	defer srv.Close()

	c := New(srv.Client())
	bd := &bridge.Data{BackendURL: srv.URL, CurrentSoftprompt: ""}
	result, err := c.Generate(context.Background(), bd, job.Payload{Prompt: "hi", MaxLength: 10, Softprompt: ""})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "generated" {
		t.Errorf("Text = %q", result.Text)
	}
}

func TestValidate_MarksUnavailableWhenModelEndpointFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client())
	bd := &bridge.Data{BackendURL: srv.URL}
	if err := c.Validate(context.Background(), bd); err == nil {
		t.Fatal("expected an error when /api/latest/model fails")
	}
	if bd.Available {
		t.Fatal("expected Available = false")
	}
}
