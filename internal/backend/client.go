package backend

import (
	"context"

	"github.com/aipowergrid/gridbridge/internal/bridge"
	"github.com/aipowergrid/gridbridge/internal/job"
)

// Client is the shared capability both backend protocols implement: given
// a generation payload, return text or a classified failure (spec.md
// §4.1). Bridge Data pins exactly one backend per Worker for its
// lifetime, so unlike the teacher's multi-provider llm.Client registry
// this package never needs to pick a Client at request time — Supervisor
// picks one per (Endpoint, ModelEntry) at construction.
type Client interface {
	// Validate runs the readiness probe, refreshing bd.Available,
	// bd.UpstreamModelID, and (KoboldAI only) bd.Softprompts /
	// bd.CurrentSoftprompt in place.
	Validate(ctx context.Context, bd *bridge.Data) error

	// Generate fulfills one job's payload against the backend, applying
	// the per-job retry cap (spec.md §4.1) internally via internal/retry.
	Generate(ctx context.Context, bd *bridge.Data, payload job.Payload) (job.Result, error)

	// AdvertisedModelName derives the dispatcher-facing model name from
	// bd's current backend URL and model id (spec.md §4.1).
	AdvertisedModelName(bd *bridge.Data) string
}
