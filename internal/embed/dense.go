// Package embed produces the dense, sparse, and packed vector
// representations of chunk text.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/breaker"
)

// BatchOptions bound one embedding request.
type BatchOptions struct {
	MaxTexts  int
	MaxTokens int
}

// DefaultBatchOptions match the provider limits of the default models.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{MaxTexts: 200, MaxTokens: 250_000}
}

// splitBatches packs texts into request batches respecting both the text
// count and the total token budget. A single text over the token budget
// still goes out alone; the provider truncates or rejects it.
func splitBatches(texts []string, opts BatchOptions, count func(string) int) [][]string {
	var batches [][]string
	var cur []string
	curTokens := 0
	for _, t := range texts {
		n := count(t)
		if len(cur) > 0 && (len(cur) >= opts.MaxTexts || curTokens+n > opts.MaxTokens) {
			batches = append(batches, cur)
			cur = nil
			curTokens = 0
		}
		cur = append(cur, t)
		curTokens += n
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

var denseTokenizer *tiktoken.Tiktoken

func init() {
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		denseTokenizer = enc
	}
}

func countTokens(text string) int {
	if denseTokenizer != nil {
		return len(denseTokenizer.Encode(text, nil, nil))
	}
	// Rough heuristic when encodings are unavailable.
	return len(text) / 4
}

// ── OpenAI ──────────────────────────────────────────────────

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIEmbedder struct {
	APIKey  string
	Model   string
	BaseURL string
	Dim     int
	Batch   BatchOptions
	Client  *http.Client
	Breaker *breaker.Breaker
}

// NewOpenAIEmbedder wires the default text-embedding-3-small configuration.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com",
		Dim:     1536,
		Batch:   DefaultBatchOptions(),
		Client:  &http.Client{Timeout: 60 * time.Second},
		Breaker: breaker.New("openai-embeddings", breaker.DefaultOptions()),
	}
}

func (e *OpenAIEmbedder) ModelName() string { return e.Model }
func (e *OpenAIEmbedder) Dimensions() int   { return e.Dim }

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range splitBatches(texts, e.Batch, countTokens) {
		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vectors [][]float32
	err := e.Breaker.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(openAIEmbeddingRequest{Model: e.Model, Input: batch})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &breaker.RemoteError{StatusCode: resp.StatusCode, Message: string(msg)}
		}
		var parsed openAIEmbeddingResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return err
		}
		if len(parsed.Data) != len(batch) {
			return fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(batch), len(parsed.Data))
		}
		vectors = make([][]float32, len(batch))
		for _, d := range parsed.Data {
			if len(d.Embedding) != e.Dim {
				return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(d.Embedding), e.Dim)
			}
			vectors[d.Index] = d.Embedding
		}
		return nil
	})
	return vectors, err
}

// ── Local MiniLM ────────────────────────────────────────────

// MiniLMEmbedder calls a local text2vec inference container. Preferred over
// OpenAI when configured: no per-token cost, data stays on the box.
type MiniLMEmbedder struct {
	BaseURL string
	Dim     int
	Batch   BatchOptions
	Client  *http.Client
	Breaker *breaker.Breaker
}

// NewMiniLMEmbedder wires the all-MiniLM-L6-v2 defaults.
func NewMiniLMEmbedder(baseURL string) *MiniLMEmbedder {
	return &MiniLMEmbedder{
		BaseURL: baseURL,
		Dim:     384,
		Batch:   BatchOptions{MaxTexts: 64, MaxTokens: 100_000},
		Client:  &http.Client{Timeout: 120 * time.Second},
		Breaker: breaker.New("minilm-embeddings", breaker.DefaultOptions()),
	}
}

func (e *MiniLMEmbedder) ModelName() string { return "sentence-transformers/all-MiniLM-L6-v2" }
func (e *MiniLMEmbedder) Dimensions() int   { return e.Dim }

func (e *MiniLMEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range splitBatches(texts, e.Batch, countTokens) {
		var vectors [][]float32
		err := e.Breaker.Do(ctx, func(ctx context.Context) error {
			body, err := json.Marshal(map[string]any{"texts": batch})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/vectors", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := e.Client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return &breaker.RemoteError{StatusCode: resp.StatusCode}
			}
			var parsed struct {
				Vectors [][]float32 `json:"vectors"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				return err
			}
			if len(parsed.Vectors) != len(batch) {
				return fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(batch), len(parsed.Vectors))
			}
			for _, v := range parsed.Vectors {
				if len(v) != e.Dim {
					return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(v), e.Dim)
				}
			}
			vectors = parsed.Vectors
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// LogChoice records which dense model a deployment resolved to.
func LogChoice(model string, dim int) {
	log.Info().Str("model", model).Int("dimensions", dim).Msg("dense embedding model selected")
}
