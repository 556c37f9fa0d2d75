package config

import "strings"

// upconvertLegacy rewrites the older "workers:" list format and the
// oldest flat top-level format into the canonical "endpoints:" shape,
// matching original_source's load_configuration: new-format "endpoints"
// wins if present, then "workers", then the bare flat document.
//
// raw is the document decoded into a generic map (as produced by
// yaml.v3 for arbitrary YAML). The return value is always in canonical
// shape: a map with an "endpoints" key holding a list of endpoint maps.
func upconvertLegacy(raw map[string]any) map[string]any {
	if endpoints, ok := raw["endpoints"].([]any); ok && len(endpoints) > 0 {
		return raw
	}

	out := map[string]any{
		"horde_url":    raw["horde_url"],
		"api_key":      raw["api_key"],
		"queue_size":   raw["queue_size"],
		"log_level":    raw["log_level"],
		"metrics_addr": raw["metrics_addr"],
	}

	if workers, ok := raw["workers"].([]any); ok && len(workers) > 0 {
		out["endpoints"] = upconvertWorkersList(workers)
		return out
	}

	out["endpoints"] = []any{upconvertFlatDocument(raw)}
	return out
}

func upconvertWorkersList(workers []any) []any {
	endpoints := make([]any, 0, len(workers))
	for _, w := range workers {
		wm, ok := w.(map[string]any)
		if !ok {
			continue
		}
		apiType := strings.ToLower(stringOr(wm["api_type"], "koboldai"))
		name := stringOr(wm["name"], "unnamed-model")
		model := map[string]any{
			"name":               name,
			"max_threads":        wm["max_threads"],
			"max_length":         wm["max_length"],
			"max_context_length": wm["max_context_length"],
		}
		var endpoint map[string]any
		if apiType == "openai" {
			model["model"] = stringOr(wm["openai_model"], "gpt-3.5-turbo")
			endpoint = map[string]any{
				"type":    "openai",
				"name":    name + "-endpoint",
				"api_key": wm["openai_api_key"],
				"url":     stringOr(wm["openai_url"], "https://api.openai.com/v1"),
				"models":  []any{model},
			}
		} else {
			endpoint = map[string]any{
				"type":   "koboldai",
				"name":   name + "-endpoint",
				"url":    stringOr(wm["kai_url"], "http://localhost:5000"),
				"models": []any{model},
			}
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

func upconvertFlatDocument(raw map[string]any) map[string]any {
	apiType := strings.ToLower(stringOr(raw["api_type"], "koboldai"))
	workerName := stringOr(raw["worker_name"], stringOr(raw["scribe_name"], "DefaultWorker"))
	model := map[string]any{
		"name":               workerName,
		"max_threads":        orDefault(raw["max_threads"], 1),
		"max_length":         orDefault(raw["max_length"], 512),
		"max_context_length": orDefault(raw["max_context_length"], 4096),
	}
	if apiType == "openai" {
		model["model"] = stringOr(raw["openai_model"], "gpt-3.5-turbo")
		return map[string]any{
			"type":    "openai",
			"name":    "legacy-openai-endpoint",
			"api_key": raw["openai_api_key"],
			"url":     stringOr(raw["openai_url"], "https://api.openai.com/v1"),
			"models":  []any{model},
		}
	}
	return map[string]any{
		"type":   "koboldai",
		"name":   "legacy-koboldai-endpoint",
		"url":    stringOr(raw["kai_url"], "http://localhost:5000"),
		"models": []any{model},
	}
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func orDefault(v any, def int) any {
	if v == nil {
		return def
	}
	return v
}
