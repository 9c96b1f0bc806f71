package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/metrics"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 30 * time.Second

// Request is the completion request body.
type Request struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative.
type Choice struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// Response is the completion response body. Choices flow to the caller
// for artifact synthesis and are never persisted; only Usage enters the
// store.
type Response struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Client calls an LLM completion endpoint and keeps the token ledger.
type Client struct {
	endpoint string
	store    storage.Store
	http     *http.Client
	logger   zerolog.Logger
}

// NewClient creates a client for the endpoint with the default timeout.
func NewClient(endpoint string, store storage.Store) *Client {
	return &Client{
		endpoint: endpoint,
		store:    store,
		http:     &http.Client{Timeout: DefaultTimeout},
		logger:   log.WithComponent("llm"),
	}
}

// WithTimeout overrides the per-call timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.http.Timeout = timeout
	return c
}

// Complete performs one completion call and records an LLMCall row for
// the run. The ledger row carries counts and timing only; prompt and
// response text never reach the store.
func (c *Client) Complete(ctx context.Context, runID string, req *Request) (*Response, error) {
	start := time.Now()

	resp, err := c.do(ctx, req)

	call := &types.LLMCall{
		ID:         uuid.New().String(),
		RunID:      runID,
		Endpoint:   c.endpoint,
		ModelID:    req.Model,
		DurationMS: time.Since(start).Milliseconds(),
		Success:    err == nil,
		CreatedAt:  time.Now(),
	}
	if resp != nil {
		call.Tokens = types.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		metrics.TokensUsed.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.TokensUsed.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
	}
	if lerr := c.store.CreateLLMCall(ctx, call); lerr != nil {
		c.logger.Error().Err(lerr).Str("run_id", runID).Msg("failed to record llm call")
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm endpoint unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		// Drain without logging; error bodies may echo the prompt.
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("llm endpoint returned %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	return &resp, nil
}
