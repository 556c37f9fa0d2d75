// Package openaicompat implements the Backend Client (spec.md §4.1) for
// OpenAI-compatible chat completion endpoints, following the request/parse
// shape of internal/llm/providers/openaicompat/adapter.go in the teacher.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aipowergrid/gridbridge/internal/backend"
	"github.com/aipowergrid/gridbridge/internal/bridge"
	"github.com/aipowergrid/gridbridge/internal/job"
	"github.com/aipowergrid/gridbridge/internal/retry"
)

// Client calls an OpenAI-compatible /v1/chat/completions endpoint.
type Client struct {
	httpClient *http.Client
}

// New constructs an openaicompat Client. httpClient may be nil, in which
// case a client with no fixed timeout is used — per-request deadlines are
// set via context instead (spec.md §5), matching the teacher's adapter.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// Validate issues an authenticated GET {url}/models, per spec.md §4.1: if
// 2xx and the body parses, the backend is marked available. The returned
// list is decoded but not searched for the configured model: the backend is
// marked available whether or not the model is listed, and no warning is
// logged.
func (c *Client) Validate(ctx context.Context, bd *bridge.Data) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bd.BackendURL+"/models", nil)
	if err != nil {
		bd.Available = false
		return backend.NewTransportError(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+bd.BackendAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		bd.Available = false
		return backend.NewTransportError(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bd.Available = false
		return backend.ClassifyHTTPStatus(resp.StatusCode, string(body))
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		bd.Available = false
		return backend.NewProtocolError("decoding /models response: " + err.Error())
	}

	bd.Available = true
	bd.UpstreamModelID = bd.Model
	bd.ModelName = c.AdvertisedModelName(bd)
	return nil
}

// AdvertisedModelName derives "{domain-prefix}/{model}" from bd's backend
// URL and configured model id.
func (c *Client) AdvertisedModelName(bd *bridge.Data) string {
	return bridge.AdvertisedModelName(bd.BackendURL, bd.Model)
}

// o1 family models use max_completion_tokens and require a leading system
// message, per spec.md §4.1's o1-mini special case.
func usesCompletionTokenBudget(model string) bool {
	return strings.HasPrefix(model, "o1-")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Temperature         float64       `json:"temperature"`
	TopP                float64       `json:"top_p"`
	Stop                []string      `json:"stop,omitempty"`
	FrequencyPenalty    *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64      `json:"presence_penalty,omitempty"`
}

func buildRequestBody(model string, p job.Payload) chatCompletionsRequest {
	messages := make([]chatMessage, 0, 2)
	if usesCompletionTokenBudget(model) {
		messages = append(messages, chatMessage{Role: "system", Content: "You are a helpful assistant."})
	}
	messages = append(messages, chatMessage{Role: "user", Content: p.Prompt})

	req := chatCompletionsRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		Stop:             p.StopSequence,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
	}
	if usesCompletionTokenBudget(model) {
		req.MaxCompletionTokens = p.MaxLength
	} else {
		req.MaxTokens = p.MaxLength
	}
	return req
}

// Generate fulfills a job payload, retrying per spec.md §4.1's
// classification table up to 5 attempts via internal/retry.
func (c *Client) Generate(ctx context.Context, bd *bridge.Data, payload job.Payload) (job.Result, error) {
	deadline := time.Duration(float64(payload.MaxLength)/2+10) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(buildRequestBody(bd.Model, payload))
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

func (c *Client) doGenerate(ctx context.Context, bd *bridge.Data, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, bd.BackendURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backend.NewTransportError(err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+bd.BackendAPIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", backend.NewTransportError(err.Error())
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", backend.ClassifyHTTPStatus(resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", backend.NewProtocolError("decoding chat completion response: " + err.Error())
	}
	if len(parsed.Choices) == 0 {
		return "", backend.NewProtocolError("no choices returned")
	}
	return parsed.Choices[0].Message.Content, nil
}

// classify maps a backend.Error to the retry/after decision internal/retry
// needs; non-backend errors (shouldn't occur here) are treated as
// non-retryable to fail closed.
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
