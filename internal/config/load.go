package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var structValidate = validator.New()

// Load reads the bridge worker config from path, upconverting any legacy
// format, applying environment overrides and defaults, and validating the
// result. It mirrors the three-step shape of the teacher's
// LoadRunConfigFile (decode, apply defaults, validate), adapted to this
// domain's two-stage validation: a JSON Schema pass over the upconverted
// document followed by struct-tag validation over the decoded Config.
//
// A ".env" file in the current working directory, if present, is loaded
// first via godotenv so that
// HORDE_URL/API_KEY/etc. can live outside the YAML file, matching
// start_worker.py's practice of reading .env before bridgeData.yml.
func Load(path string) (*Config, EnvOverrides, error) {
	_ = godotenv.Load(".env")

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, EnvOverrides{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, EnvOverrides{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	canonical := upconvertLegacy(doc)

	if err := validateSchema(canonical); err != nil {
		return nil, EnvOverrides{}, err
	}

	canonicalYAML, err := yaml.Marshal(canonical)
	if err != nil {
		return nil, EnvOverrides{}, fmt.Errorf("config: re-encoding canonical document: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(canonicalYAML))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, EnvOverrides{}, fmt.Errorf("config: decoding canonical document: %w", err)
	}

	applyDefaults(&cfg)
	overrides := applyEnvOverrides(&cfg)

	if err := structValidate.Struct(&cfg); err != nil {
		return nil, EnvOverrides{}, fmt.Errorf("config: %w", err)
	}
	return &cfg, overrides, nil
}

// applyDefaults fills in the same defaults original_source applies in
// load_configuration when fields are absent from the document. queue_size
// has no default to apply here: its zero value is 0, which is also the
// documented default (original_source/start_worker.py's
// config.get('queue_size', 0)) and a first-class "pre-queueing disabled"
// mode (spec.md §3/§8) — an absent field and an explicit 0 decode
// identically, so clobbering it here would make that mode unreachable
// from the config file.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for e := range cfg.Endpoints {
		if cfg.Endpoints[e].Name == "" {
			cfg.Endpoints[e].Name = fmt.Sprintf("endpoint-%d", e)
		}
		for m := range cfg.Endpoints[e].Models {
			model := &cfg.Endpoints[e].Models[m]
			if model.MaxThreads == 0 {
				model.MaxThreads = 1
			}
			if model.MaxLength == 0 {
				model.MaxLength = 512
			}
			if model.MaxContextLength == 0 {
				model.MaxContextLength = 4096
			}
		}
	}
}
