package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridgeData.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_CanonicalEndpointsFormat(t *testing.T) {
	path := writeTempConfig(t, `
horde_url: https://aihorde.net
api_key: abc123
endpoints:
  - type: koboldai
    url: http://localhost:5000
    models:
      - name: my-model
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HordeURL != "https://aihorde.net" {
		t.Errorf("HordeURL = %q", cfg.HordeURL)
	}
	if len(cfg.Endpoints) != 1 || len(cfg.Endpoints[0].Models) != 1 {
		t.Fatalf("endpoints = %+v", cfg.Endpoints)
	}
	model := cfg.Endpoints[0].Models[0]
	if model.MaxThreads != 1 || model.MaxLength != 512 || model.MaxContextLength != 4096 {
		t.Errorf("defaults not applied: %+v", model)
	}
}

func TestLoad_LegacyWorkersListUpconverts(t *testing.T) {
	path := writeTempConfig(t, `
horde_url: https://aihorde.net
api_key: abc123
workers:
  - name: legacy-model
    api_type: koboldai
    kai_url: http://localhost:5001
    max_threads: 2
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Endpoints) != 1 {
		t.Fatalf("endpoints = %+v", cfg.Endpoints)
	}
	ep := cfg.Endpoints[0]
	if ep.Type != EndpointKoboldAI || ep.URL != "http://localhost:5001" {
		t.Errorf("endpoint = %+v", ep)
	}
	if len(ep.Models) != 1 || ep.Models[0].Name != "legacy-model" || ep.Models[0].MaxThreads != 2 {
		t.Errorf("models = %+v", ep.Models)
	}
}

func TestLoad_LegacyFlatDocumentUpconverts(t *testing.T) {
	path := writeTempConfig(t, `
horde_url: https://aihorde.net
api_key: abc123
worker_name: flat-model
api_type: openai
openai_api_key: sk-test
openai_url: https://api.openai.com/v1
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Type != EndpointOpenAI {
		t.Fatalf("endpoints = %+v", cfg.Endpoints)
	}
	if cfg.Endpoints[0].APIKey != "sk-test" {
		t.Errorf("api_key = %q", cfg.Endpoints[0].APIKey)
	}
}

func TestLoad_MissingAPIKeyForOpenAIFailsValidation(t *testing.T) {
	path := writeTempConfig(t, `
horde_url: https://aihorde.net
endpoints:
  - type: openai
    url: https://api.openai.com/v1
    models:
      - name: gpt
`)
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected a validation error for an openai endpoint missing api_key")
	}
}

func TestLoad_EnvOverridesQueueSize(t *testing.T) {
	path := writeTempConfig(t, `
horde_url: https://aihorde.net
api_key: abc123
endpoints:
  - type: koboldai
    url: http://localhost:5000
    models:
      - name: my-model
`)
	t.Setenv("QUEUE_SIZE", "4")
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueSize != 4 {
		t.Errorf("QueueSize = %d, want 4 from env override", cfg.QueueSize)
	}
}

func TestLoad_EnvBlacklistParsesCommaList(t *testing.T) {
	path := writeTempConfig(t, `
horde_url: https://aihorde.net
api_key: abc123
endpoints:
  - type: koboldai
    url: http://localhost:5000
    models:
      - name: my-model
`)
	t.Setenv("HORDE_BLACKLIST", "badword, other")
	_, overrides, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"badword", "other"}
	if len(overrides.Blacklist) != len(want) {
		t.Fatalf("Blacklist = %v, want %v", overrides.Blacklist, want)
	}
	for i := range want {
		if overrides.Blacklist[i] != want[i] {
			t.Errorf("Blacklist[%d] = %q, want %q", i, overrides.Blacklist[i], want[i])
		}
	}
}
