// Package llm is the chat-completion client used by the agentic search
// pipeline. It speaks the OpenAI-compatible wire format, which covers
// OpenAI, Azure OpenAI deployments, and Cerebras.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airweave/airweave/internal/breaker"
	"github.com/airweave/airweave/pkg/contracts"
)

// Client calls a chat-completions endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	// DefaultModel is used when the request does not name one.
	DefaultModel string
	HTTPClient   *http.Client
	Breaker      *breaker.Breaker
}

// New wires a client for an OpenAI-compatible endpoint.
func New(baseURL, apiKey, defaultModel string) *Client {
	return &Client{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		DefaultModel: defaultModel,
		HTTPClient:   &http.Client{Timeout: 120 * time.Second},
		Breaker:      breaker.New("llm", breaker.DefaultOptions()),
	}
}

type wireRequest struct {
	Model          string                  `json:"model"`
	Messages       []contracts.ChatMessage `json:"messages"`
	MaxTokens      int                     `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat         `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete runs one chat completion and returns the assistant message.
func (c *Client) Complete(ctx context.Context, req contracts.ChatRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.DefaultModel
	}
	wire := wireRequest{Model: model, Messages: req.Messages, MaxTokens: req.MaxTokens}
	if req.JSONSchema != nil {
		wire.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: "response", Strict: true, Schema: req.JSONSchema},
		}
	}

	var content string
	err := c.Breaker.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(wire)
		if err != nil {
			return err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &breaker.RemoteError{StatusCode: resp.StatusCode, Message: string(msg)}
		}
		var parsed wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return err
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		content = parsed.Choices[0].Message.Content
		return nil
	})
	return content, err
}

var _ contracts.ChatModel = (*Client)(nil)
