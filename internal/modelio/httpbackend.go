package modelio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nyxbot/fabric/pkg/httpclient"
)

// wireRequest is the OpenAI-compatible chat-completions request body, per
// spec §6's LLM wire contract.
type wireRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  any              `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Thinking    *thinkingBlock   `json:"thinking,omitempty"`
}

type thinkingBlock struct {
	Enabled bool `json:"enabled"`
}

type wireResponse struct {
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage"`
}

// HTTPBackend is an OpenAI-compatible chat-completions client, one instance
// per purpose (chat, vision, security, agent, embedding, rerank), each
// potentially pointed at a different base URL/model.
type HTTPBackend struct {
	client *httpclient.Client
}

// NewHTTPBackend builds a retrying HTTP backend. Retry/backoff behavior is
// the teacher's pkg/httpclient defaults, tuned toward OpenAI-style rate
// limit headers.
func NewHTTPBackend() *HTTPBackend {
	c := httpclient.New(
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		httpclient.WithRetryStrategy(httpclient.DefaultStrategy),
	)
	return &HTTPBackend{client: c}
}

func (b *HTTPBackend) Do(ctx context.Context, cfg ModelConfig, messages []Message, maxTokens int, tools []ToolDefinition, toolChoice ToolChoice) (*Response, error) {
	reqBody := wireRequest{
		Model:       cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Tools:       tools,
		Temperature: cfg.Temperature,
	}
	if toolChoice != "" {
		reqBody.ToolChoice = toolChoice
	}
	if cfg.Thinking {
		reqBody.Thinking = &thinkingBlock{Enabled: true}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrDecoding, err)
	}

	url := cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}

	out := &Response{Choices: wire.Choices}
	if wire.Usage != nil {
		out.Usage = *wire.Usage
	}
	return out, nil
}
