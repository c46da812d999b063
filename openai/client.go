// Package openai generates completions through an OpenAI-compatible
// /v1/completions endpoint, such as the one served by vLLM.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nano-vllm-batch/nanovllm"
)

// Client sends one completions request per batch of prompts.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// New creates a client. baseURL includes the API version prefix, e.g.
// http://localhost:8000/v1.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type completionsRequest struct {
	Model       string   `json:"model"`
	Prompt      []string `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature"`
	N           int      `json:"n,omitempty"`
	IgnoreEOS   bool     `json:"ignore_eos,omitempty"`
}

type completionsResponse struct {
	Choices []choice  `json:"choices"`
	Error   *apiError `json:"error,omitempty"`
}

type choice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Generate returns one RequestOutput per prompt. The server numbers choices
// prompt-major: choice i belongs to prompt i/n, sample i%n.
func (c *Client) Generate(ctx context.Context, prompts []string, sp *nanovllm.SamplingParams) ([]nanovllm.RequestOutput, error) {
	if err := sp.ValidateLimits(); err != nil {
		return nil, err
	}
	if len(prompts) == 0 {
		return []nanovllm.RequestOutput{}, nil
	}

	reqBody := completionsRequest{
		Model:       c.model,
		Prompt:      prompts,
		MaxTokens:   sp.MaxTokens,
		Temperature: sp.Temperature,
		N:           sp.N,
		IgnoreEOS:   sp.IgnoreEOS,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result completionsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w (body: %s)", err, string(body))
	}
	if result.Error != nil {
		return nil, fmt.Errorf("API error: %s", result.Error.Message)
	}

	return group(prompts, sp.N, result.Choices)
}

func group(prompts []string, n int, choices []choice) ([]nanovllm.RequestOutput, error) {
	if len(choices) != len(prompts)*n {
		return nil, fmt.Errorf("expected %d choices, got %d", len(prompts)*n, len(choices))
	}

	outputs := make([]nanovllm.RequestOutput, len(prompts))
	seen := make([][]bool, len(prompts))
	for i, p := range prompts {
		outputs[i] = nanovllm.RequestOutput{RequestID: i, Prompt: p, Outputs: make([]nanovllm.CompletionOutput, n)}
		seen[i] = make([]bool, n)
	}

	for _, ch := range choices {
		if ch.Index < 0 || ch.Index >= len(choices) {
			return nil, fmt.Errorf("choice index %d out of range", ch.Index)
		}
		p, j := ch.Index/n, ch.Index%n
		if seen[p][j] {
			return nil, fmt.Errorf("duplicate choice index %d", ch.Index)
		}
		seen[p][j] = true
		outputs[p].Outputs[j] = nanovllm.CompletionOutput{
			Index:        j,
			Text:         ch.Text,
			FinishReason: ch.FinishReason,
		}
	}
	return outputs, nil
}
