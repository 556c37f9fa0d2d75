// Package koboldai implements the Backend Client (spec.md §4.1) for
// KoboldAI-compatible text generation endpoints, grounded in
// original_source/worker/bridge_data/scribe.py's validate_kai and
// original_source/worker/jobs/scribe.py's handle_koboldai_generation.
package koboldai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aipowergrid/gridbridge/internal/backend"
	"github.com/aipowergrid/gridbridge/internal/bridge"
	"github.com/aipowergrid/gridbridge/internal/job"
	"github.com/aipowergrid/gridbridge/internal/retry"
)

// Client calls a KoboldAI-compatible REST API.
type Client struct {
	httpClient *http.Client
}

// New constructs a koboldai Client.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

func (c *Client) authHeader(bd *bridge.Data) http.Header {
	h := http.Header{}
	if bd.BackendAPIKey != "" {
		h.Set("Authorization", "Bearer "+bd.BackendAPIKey)
	}
	return h
}

func (c *Client) getJSON(ctx context.Context, url string, headers http.Header, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backend.NewTransportError(err.Error())
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, backend.NewTransportError(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, backend.ClassifyHTTPStatus(resp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, backend.NewProtocolError("decoding response from " + url + ": " + err.Error())
		}
	}
	return resp.StatusCode, nil
}

// Validate probes /api/latest/model, normalizes the returned model id,
// then caches the soft prompt list and current soft prompt, per spec.md
// §4.1's KoboldAI readiness probe.
func (c *Client) Validate(ctx context.Context, bd *bridge.Data) error {
	headers := c.authHeader(bd)

	var modelResp struct {
		Result string `json:"result"`
	}
	if _, err := c.getJSON(ctx, bd.BackendURL+"/api/latest/model", headers, &modelResp); err != nil {
		bd.Available = false
		return err
	}
	if modelResp.Result == "" {
		bd.Available = false
		return backend.NewProtocolError("missing 'result' field in /api/latest/model response")
	}

	bd.UpstreamModelID = bridge.NormalizeKoboldModelID(modelResp.Result)
	bd.ModelName = c.AdvertisedModelName(bd)

	if bd.Softprompts == nil {
		bd.Softprompts = map[string][]string{}
	}
	if _, cached := bd.Softprompts[bd.UpstreamModelID]; !cached {
		var listResp struct {
			Values []struct {
				Value string `json:"value"`
			} `json:"values"`
		}
		if _, err := c.getJSON(ctx, bd.BackendURL+"/api/latest/config/soft_prompts_list", headers, &listResp); err != nil {
			bd.Available = false
			return err
		}
		values := make([]string, 0, len(listResp.Values))
		for _, v := range listResp.Values {
			values = append(values, v.Value)
		}
		bd.Softprompts[bd.UpstreamModelID] = values
	}

	var currentResp struct {
		Value string `json:"value"`
	}
	if _, err := c.getJSON(ctx, bd.BackendURL+"/api/latest/config/soft_prompt", headers, &currentResp); err != nil {
		bd.Available = false
		return err
	}
	bd.CurrentSoftprompt = currentResp.Value

	bd.Available = true
	return nil
}

// AdvertisedModelName derives "{domain-prefix}/{upstream model id}".
func (c *Client) AdvertisedModelName(bd *bridge.Data) string {
	return bridge.AdvertisedModelName(bd.BackendURL, bd.UpstreamModelID)
}

type generateRequest struct {
	Prompt     string `json:"prompt"`
	MaxLength  int    `json:"max_length,omitempty"`
	Quiet      bool   `json:"quiet"`
	Softprompt string `json:"softprompt,omitempty"`
}

// Generate swaps the soft prompt if the payload requests a different one,
// then POSTs to /api/latest/generate, retrying per spec.md §4.1's
// classification table (429/5xx/503-busy all retryable, 422 a fault).
func (c *Client) Generate(ctx context.Context, bd *bridge.Data, payload job.Payload) (job.Result, error) {
	if payload.Softprompt != bd.CurrentSoftprompt {
		c.swapSoftprompt(ctx, bd, payload.Softprompt)
	}

	deadline := time.Duration(float64(payload.MaxLength)/2+10) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var reqBody any = generateRequest{
		Prompt:     payload.Prompt,
		MaxLength:  payload.MaxLength,
		Quiet:      true,
		Softprompt: payload.Softprompt,
	}
	if payload.Raw != nil {
		reqBody = payload.Raw // forward the dispatcher's payload as is
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return job.Result{}, backend.NewProtocolError("encoding request: " + err.Error())
	}

	var result job.Result
	plan := retry.Plan{
		Interval:    3 * time.Second,
		MaxAttempts: 5,
		Classify:    classify,
	}
	err = plan.Run(reqCtx, func() error {
		text, genErr := c.doGenerate(reqCtx, bd, body)
		if genErr != nil {
			return genErr
		}
		result = job.Result{Text: text}
		return nil
	})
	if err != nil {
		return job.Result{}, err
	}
	return result, nil
}

func (c *Client) swapSoftprompt(ctx context.Context, bd *bridge.Data, softprompt string) {
	body, _ := json.Marshal(struct {
		Value string `json:"value"`
	}{Value: softprompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, bd.BackendURL+"/api/latest/config/soft_prompt", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	bd.CurrentSoftprompt = softprompt
	time.Sleep(time.Second) // the backend needs a moment to unload the prior softprompt
}

func (c *Client) doGenerate(ctx context.Context, bd *bridge.Data, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bd.BackendURL+"/api/latest/generate", bytes.NewReader(body))
	if err != nil {
		return "", backend.NewTransportError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", backend.NewTransportError(err.Error())
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == 503 {
		return "", backend.ClassifyHTTPStatus(503, "KoboldAI instance busy")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", backend.ClassifyHTTPStatus(resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Results []struct {
			Text string `json:"text"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", backend.NewProtocolError("decoding generate response: " + err.Error())
	}
	if len(parsed.Results) == 0 {
		return "", backend.NewProtocolError("no results returned")
	}
	return parsed.Results[0].Text, nil
}

func classify(err error) (bool, time.Duration) {
	berr, ok := err.(backend.Error)
	if !ok {
		return false, 0
	}
	if !berr.Retryable() {
		return false, 0
	}
	return true, berr.RetryAfter()
}
