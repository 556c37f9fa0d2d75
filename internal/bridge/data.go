// Package bridge holds the per-worker runtime snapshot derived from an
// (Endpoint, ModelEntry) pair: the Bridge Data record of the data model.
// It is owned by exactly one Worker goroutine; only that goroutine's
// reload path mutates it.
package bridge

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// APIType mirrors config.EndpointType but lives here too so this package
// has no import-time dependency on internal/config beyond the few fields
// Supervisor copies in at construction.
type APIType string

const (
	APIOpenAI   APIType = "openai"
	APIKoboldAI APIType = "koboldai"
)

// Data is the Bridge Data record (spec data model §3). Field names follow
// the Go convention rather than the YAML snake_case used in internal/config.
type Data struct {
	WorkerName       string
	APIType          APIType
	HordeURL         string
	HordeAPIKey      string
	MaxThreads       int
	MaxLength        int
	MaxContextLength int

	BackendURL    string
	BackendAPIKey string
	Model         string // requested/advertised backend model id

	Available       bool   // set by the last Validate call
	UpstreamModelID string // last-known model id reported by the backend
	ModelName       string // advertised model_name (§4.1), fixed between reloads

	Softprompts       map[string][]string // KoboldAI only, keyed by UpstreamModelID
	CurrentSoftprompt string

	PriorityUsernames []string
	Username          string // learned from dispatcher responses

	BrandedModel bool
	NSFW         bool
	Blacklist    []string
}

// ipv4Pattern matches a bare IPv4 host without a port (DomainPrefix splits
// any port off before matching), the same shape
// original_source/worker/bridge_data/scribe.py's parse_domain_from_url
// checks for with its regex.
var ipv4Pattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// DomainPrefix derives the advertised-model-name domain prefix from a
// backend URL, per spec.md §4.1: empty/localhost/IPv4 -> "gridbridge";
// otherwise host with www./api. stripped, .com suffix stripped, leftmost
// remaining label kept; "openai" is kept verbatim.
func DomainPrefix(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "gridbridge"
	}

	host := hostOf(rawURL)
	if host == "" {
		return "gridbridge"
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if host == "localhost" || ipv4Pattern.MatchString(host) {
		return "gridbridge"
	}

	if strings.HasPrefix(host, "api.") {
		parts := strings.SplitN(host, ".", 3)
		if len(parts) >= 2 {
			host = parts[1]
		}
	}
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimSuffix(host, ".com")
	host = strings.SplitN(host, ".", 2)[0]

	if host == "openai" {
		return "openai"
	}
	if host == "" {
		return "gridbridge"
	}
	return host
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	// No scheme: url.Parse treats the whole string as a path. Fall back to
	// the first path segment, matching the Python implementation's
	// url.split('/')[0] fallback.
	return strings.SplitN(rawURL, "/", 2)[0]
}

// AdvertisedModelName builds the "{prefix}/{model}" name advertised to the
// dispatcher. backendURL and model are whichever of (BackendURL, Model) or
// (UpstreamModelID) apply for the active backend type.
func AdvertisedModelName(backendURL, model string) string {
	return DomainPrefix(backendURL) + "/" + model
}

// NormalizeKoboldModelID replaces the first underscore with a slash when the
// upstream KoboldAI model id lacks a namespace separator, matching
// validate_kai's huggingface-style normalization ("gpt2_large" -> "gpt2/large").
func NormalizeKoboldModelID(id string) string {
	if strings.Contains(id, "/") {
		return id
	}
	return strings.Replace(id, "_", "/", 1)
}
