package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides layers recognized environment variables (spec §6)
// on top of the decoded Config. Environment wins over file values,
// matching original_source/start_worker.py's precedence of explicit
// env vars over bridgeData.yml.
//
// HORDE_BRANDED_MODEL, HORDE_NSFW and HORDE_BLACKLIST are consumed by
// the bridge snapshot (internal/bridge), not Config, since they affect
// per-worker advertising rather than dispatcher connection settings;
// they are returned here as a side channel for the caller to thread
// through to bridge.Data construction.
type EnvOverrides struct {
	BrandedModel bool
	NSFW         bool
	Blacklist    []string
}

func applyEnvOverrides(cfg *Config) EnvOverrides {
	if v := os.Getenv("HORDE_URL"); v != "" {
		cfg.HordeURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.QueueSize = n
		}
	}

	maxLength, hasMaxLength := envInt("HORDE_MAX_LENGTH")
	maxContext, hasMaxContext := envInt("HORDE_MAX_CONTEXT_LENGTH")
	if hasMaxLength || hasMaxContext {
		for e := range cfg.Endpoints {
			for m := range cfg.Endpoints[e].Models {
				if hasMaxLength {
					cfg.Endpoints[e].Models[m].MaxLength = maxLength
				}
				if hasMaxContext {
					cfg.Endpoints[e].Models[m].MaxContextLength = maxContext
				}
			}
		}
	}

	overrides := EnvOverrides{NSFW: true}
	if v, ok := os.LookupEnv("HORDE_BRANDED_MODEL"); ok {
		overrides.BrandedModel = v == "true"
	}
	if v, ok := os.LookupEnv("HORDE_NSFW"); ok {
		overrides.NSFW = v == "true"
	}
	if v := os.Getenv("HORDE_BLACKLIST"); v != "" {
		for _, w := range strings.Split(v, ",") {
			if w = strings.TrimSpace(w); w != "" {
				overrides.Blacklist = append(overrides.Blacklist, w)
			}
		}
	}
	return overrides
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
