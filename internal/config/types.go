// Package config loads and validates the bridge worker's configuration:
// the global dispatcher settings plus the ordered list of backend
// endpoints and the models each endpoint serves.
package config

// Config is the top-level configuration document (spec data model §3).
type Config struct {
	HordeURL  string     `yaml:"horde_url" json:"horde_url" validate:"required,url"`
	APIKey    string     `yaml:"api_key" json:"api_key"`
	QueueSize int        `yaml:"queue_size" json:"queue_size" validate:"gte=0"`
	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints" validate:"required,min=1,dive"`

	// Ambient fields, not part of the core data model but needed to run
	// the process: log verbosity and optional Prometheus listener.
	LogLevel    string `yaml:"log_level" json:"log_level"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// EndpointType enumerates the two backend wire protocols this worker speaks.
type EndpointType string

const (
	EndpointOpenAI   EndpointType = "openai"
	EndpointKoboldAI EndpointType = "koboldai"
)

// Endpoint is a single backend language-model server, possibly hosting
// several models.
type Endpoint struct {
	Type   EndpointType `yaml:"type" json:"type" validate:"required,oneof=openai koboldai"`
	Name   string       `yaml:"name" json:"name"`
	URL    string       `yaml:"url" json:"url" validate:"required"`
	APIKey string       `yaml:"api_key" json:"api_key" validate:"required_if=Type openai"`
	Models []ModelEntry `yaml:"models" json:"models" validate:"required,min=1,dive"`
}

// ModelEntry describes one worker (one poll/execute/submit loop) hosted
// behind an Endpoint.
type ModelEntry struct {
	Name             string `yaml:"name" json:"name" validate:"required"`
	Model            string `yaml:"model" json:"model"`
	MaxThreads       int    `yaml:"max_threads" json:"max_threads" validate:"gte=1"`
	MaxLength        int    `yaml:"max_length" json:"max_length" validate:"gte=1"`
	MaxContextLength int    `yaml:"max_context_length" json:"max_context_length" validate:"gte=1"`
}
