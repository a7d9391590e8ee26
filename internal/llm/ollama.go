// Package llm provides HTTP clients for text completion and embedding
// generation, plus the small vector math used across the memory layers.
//
// The wire format follows the Ollama API; any provider exposing the same
// endpoints works. All calls take a context with a caller-supplied deadline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

// Client handles completions and embeddings via an Ollama-compatible API.
type Client struct {
	baseURL         string
	embedModel      string
	generationModel string
	tiebreakerModel string
	client          *http.Client
}

// NewClient creates a new LLM client. Empty arguments fall back to local
// defaults (localhost Ollama, nomic-embed-text at 768 dims).
func NewClient(baseURL, embedModel, genModel string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	if genModel == "" {
		genModel = "llama3.2"
	}
	return &Client{
		baseURL:         baseURL,
		embedModel:      embedModel,
		generationModel: genModel,
		tiebreakerModel: genModel,
		client: &http.Client{
			Timeout: 60 * time.Second, // generation can take longer
		},
	}
}

// SetTiebreakerModel sets the small model used for binary routing decisions.
func (c *Client) SetTiebreakerModel(model string) {
	c.tiebreakerModel = model
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, types.Validationf("empty text")
	}

	var result embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.embedModel, Prompt: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, types.Validationf("empty embedding returned")
	}

	emb := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		emb[i] = float32(v)
	}
	return emb, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate creates a text completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.generateWith(ctx, c.generationModel, prompt)
}

// GenerateSmall creates a completion with the tiebreaker model.
func (c *Client) GenerateSmall(ctx context.Context, prompt string) (string, error) {
	return c.generateWith(ctx, c.tiebreakerModel, prompt)
}

func (c *Client) generateWith(ctx context.Context, model, prompt string) (string, error) {
	if prompt == "" {
		return "", types.Validationf("empty prompt")
	}
	var result generateResponse
	if err := c.post(ctx, "/api/generate", generateRequest{Model: model, Prompt: prompt, Stream: false}, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

// GenerateJSON runs a completion and unmarshals the response into out.
// Models sometimes wrap JSON in code fences or prose; the first balanced
// JSON object or array in the response is used.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out any) error {
	raw, err := c.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	payload := ExtractJSON(raw)
	if payload == "" {
		return types.Validationf("no JSON found in completion: %q", truncate(raw, 120))
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return types.Validationf("malformed completion JSON: %v", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.Transient(fmt.Errorf("llm request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("llm error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
		if resp.StatusCode >= 500 {
			return types.Transient(err)
		}
		return types.Validationf("%v", err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.Validationf("decode response: %v", err)
	}
	return nil
}

// ExtractJSON returns the first balanced JSON object or array in s, or ""
// if none is found.
func ExtractJSON(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// Retry runs fn up to attempts times with exponential backoff, retrying
// only transient errors. The context deadline bounds the whole sequence.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 250 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || types.KindOf(err) != types.ErrTransient {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
