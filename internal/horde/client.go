// Package horde implements the Dispatcher Client (spec.md §4.2, C2): pop
// jobs from and submit completions to the central horde, grounded in
// original_source/worker/jobs/poppers.py's JobPopper.horde_pop and
// original_source/worker/jobs/framework.py's HordeJobFramework.submit_job.
package horde

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aipowergrid/gridbridge/internal/job"
	"github.com/aipowergrid/gridbridge/internal/retry"
	"github.com/aipowergrid/gridbridge/internal/stats"
	"github.com/aipowergrid/gridbridge/internal/telemetry"
)

const (
	popTimeout    = 40 * time.Second
	submitTimeout = 30 * time.Second
)

// Client talks to the horde dispatcher's text-generation endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	stats      *stats.Stats
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

// New constructs a Client. httpClient may be nil for http.DefaultClient's
// zero-value semantics (per-call timeouts are set via context, matching
// spec.md §5's per-request timeout list). The client logs nowhere until
// SetLogger is called.
func New(httpClient *http.Client, baseURL, apiKey string, st *stats.Stats) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey, stats: st, logger: zerolog.Nop()}
}

// SetLogger attaches a logger for the pop/submit outcome lines (spec.md
// §4.2: non-2xx pop responses log their message/errors fields).
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// SetMetrics attaches the process metrics set so pop latency is exported
// per responding horde-node, alongside the in-process stats.Stats sample.
func (c *Client) SetMetrics(m *telemetry.Metrics) {
	c.metrics = m
}

// PopRequest is the wire shape POSTed to /api/v2/generate/text/pop.
type PopRequest struct {
	Name              string   `json:"name"`
	Models            []string `json:"models"`
	MaxLength         int      `json:"max_length"`
	MaxContextLength  int      `json:"max_context_length"`
	PriorityUsernames []string `json:"priority_usernames,omitempty"`
	Threads           int      `json:"threads"`
	BridgeAgent       string   `json:"bridge_agent"`
	Softprompts       []string `json:"softprompts,omitempty"`
}

// PopResponse is the decoded 2xx response body.
type PopResponse struct {
	ID      *string        `json:"id"`
	Payload map[string]any `json:"payload"`
	Message string         `json:"message"`
	Errors  any            `json:"errors"`
}

// Pop issues one pop request. A nil *PopResponse means
// "no work" or a transient failure the caller should sleep-and-retry on,
// per spec.md §4.2's outcome table; the returned duration is how long the
// caller should sleep before trying again.
func (c *Client) Pop(ctx context.Context, req PopRequest) (*PopResponse, time.Duration) {
	reqCtx, cancel := context.WithTimeout(ctx, popTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 2 * time.Second
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/v2/generate/text/pop", bytes.NewReader(body))
	if err != nil {
		return nil, 2 * time.Second
	}
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, 2 * time.Second
		}
		return nil, 10 * time.Second
	}
	defer resp.Body.Close()

	node := resp.Header.Get("horde-node")
	if node == "" {
		node = "unknown"
	}
	latency := time.Since(start)
	if c.stats != nil {
		c.stats.RecordPop(node, latency)
	}
	if c.metrics != nil {
		c.metrics.PopLatency.WithLabelValues(node).Observe(latency.Seconds())
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 2 * time.Second
	}

	var parsed PopResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, 2 * time.Second
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("message", parsed.Message).Interface("errors", parsed.Errors).Msg("pop request rejected")
		return nil, 2 * time.Second
	}
	if parsed.ID == nil || *parsed.ID == "" {
		return nil, 0 // "no work"; caller decides its own idle pacing
	}
	return &parsed, 0
}

// SubmitRequest is the wire shape POSTed to /api/v2/generate/text/submit.
type SubmitRequest struct {
	ID         string `json:"id"`
	Generation string `json:"generation"`
	Seed       int    `json:"seed"`
	State      string `json:"state,omitempty"`
}

// SubmitOutcome reports how a submit attempt resolved.
type SubmitOutcome struct {
	Success      bool
	AlreadyKnown bool // 404: the dispatcher already had this job
	Reward       float64
}

// retryableSubmitStatus mirrors spec.md §4.2's submit retry set.
func retryableSubmitStatus(code int) bool {
	switch code {
	case 408, 500, 502, 503:
		return true
	default:
		return false
	}
}

// Submit posts a job's result, retrying up to 3 attempts with a 1s
// interval on transport errors or the retryable status set, per spec.md
// §4.2, expressed as a retry.Plan per the DESIGN NOTE in spec.md §9.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SubmitOutcome{}, err
	}

	var outcome SubmitOutcome
	plan := retry.Plan{Interval: time.Second, MaxAttempts: 3, Classify: classifySubmit}
	err = plan.Run(ctx, func() error {
		o, submitErr := c.doSubmit(ctx, body)
		if submitErr != nil {
			return submitErr
		}
		outcome = o
		return nil
	})
	if err != nil {
		return SubmitOutcome{}, err
	}
	return outcome, nil
}

type submitStatusError struct {
	code int
}

func (e *submitStatusError) Error() string { return "submit failed" }

func classifySubmit(err error) (bool, time.Duration) {
	var se *submitStatusError
	if errors.As(err, &se) {
		return retryableSubmitStatus(se.code), time.Second
	}
	return true, time.Second // transport errors are always retryable here
}

func (c *Client) doSubmit(ctx context.Context, body []byte) (SubmitOutcome, error) {
	reqCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/v2/generate/text/submit", bytes.NewReader(body))
	if err != nil {
		return SubmitOutcome{}, err
	}
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SubmitOutcome{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == 404 {
		return SubmitOutcome{Success: true, AlreadyKnown: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SubmitOutcome{}, &submitStatusError{code: resp.StatusCode}
	}

	var parsed struct {
		Reward float64 `json:"reward"`
	}
	_ = json.Unmarshal(respBody, &parsed)
	return SubmitOutcome{Success: true, Reward: parsed.Reward}, nil
}

// SubmitPayloadFromJob adapts a job.SubmitPayload to this package's wire
// shape; the two are structurally identical but kept as separate types so
// internal/job has no dependency on internal/horde.
func SubmitPayloadFromJob(p job.SubmitPayload) SubmitRequest {
	return SubmitRequest{ID: p.ID, Generation: p.Generation, Seed: p.Seed, State: p.State}
}
