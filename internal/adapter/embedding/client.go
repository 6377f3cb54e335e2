// Package embedding calls an OpenAI- or Ollama-compatible embeddings API.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	defaultTimeout    = 120 * time.Second
	ollamaConcurrency = 4
)

type Config struct {
	Provider string
	APIURL   string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type Client struct {
	http     *http.Client
	apiURL   string
	apiKey   string
	model    string
	provider string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	provider := strings.ToLower(cfg.Provider)
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	switch provider {
	case ProviderOpenAI, "":
		provider = ProviderOpenAI
		if apiURL == "" {
			apiURL = "https://api.openai.com/v1"
		}
	case ProviderOllama:
		if apiURL == "" {
			apiURL = "http://localhost:11434"
		}
	default:
		return nil, fmt.Errorf("embedding provider %q is not supported", cfg.Provider)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		http:     &http.Client{Timeout: timeout},
		apiURL:   apiURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		provider: provider,
	}, nil
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, errors.New("inputs are required")
	}
	if c.provider == ProviderOllama {
		return c.embedOllama(ctx, inputs)
	}
	return c.embedOpenAI(ctx, inputs)
}

// Dimensions embeds a probe string and returns the model's vector length.
func (c *Client) Dimensions(ctx context.Context) (int, error) {
	vecs, err := c.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimensions: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, errors.New("probe returned empty embedding")
	}
	return len(vecs[0]), nil
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) embedOpenAI(ctx context.Context, inputs []string) ([][]float32, error) {
	var resp openAIResponse
	if err := c.post(ctx, c.apiURL+"/embeddings", openAIRequest{Model: c.model, Input: inputs}, &resp); err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai embed: got %d embeddings for %d inputs", len(resp.Data), len(inputs))
	}
	vectors := make([][]float32, len(inputs))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(inputs) || vectors[idx] != nil {
			idx = i
		}
		vectors[idx] = d.Embedding
	}
	return vectors, nil
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// embedOllama issues one request per input, a few at a time.
func (c *Client) embedOllama(ctx context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ollamaConcurrency)
	for i, input := range inputs {
		g.Go(func() error {
			var resp ollamaResponse
			if err := c.post(gctx, c.apiURL+"/api/embeddings", ollamaRequest{Model: c.model, Prompt: input}, &resp); err != nil {
				return fmt.Errorf("ollama embed input %d: %w", i, err)
			}
			if len(resp.Embedding) == 0 {
				return fmt.Errorf("ollama embed input %d: empty embedding", i)
			}
			vectors[i] = resp.Embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
