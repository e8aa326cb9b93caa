package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivlev/giffusion/internal/tensor"
)

// HTTPConfig configures an HTTPEncoder.
type HTTPConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// HTTPEncoder calls POST {base}/v1/embed.
type HTTPEncoder struct {
	client  *http.Client
	baseURL string
	model   string
	logger  *zap.Logger
}

type embedRequest struct {
	Model   string   `json:"model"`
	Prompts []string `json:"prompts"`
}

type embedResponse struct {
	Embeddings []*tensor.Tensor `json:"embeddings"`
}

// NewHTTPEncoder creates an encoder client.
func NewHTTPEncoder(cfg HTTPConfig, logger *zap.Logger) *HTTPEncoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEncoder{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		logger:  logger.With(zap.String("component", "encoder")),
	}
}

// Model returns the configured model name.
func (e *HTTPEncoder) Model() string { return e.model }

func (e *HTTPEncoder) Encode(ctx context.Context, prompts []string) ([]*tensor.Tensor, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Prompts: prompts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embed request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out embedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Embeddings) != len(prompts) {
		return nil, fmt.Errorf("encoder returned %d embeddings for %d prompts", len(out.Embeddings), len(prompts))
	}
	for i, t := range out.Embeddings {
		if t == nil {
			return nil, fmt.Errorf("encoder returned no embedding for prompt %d", i)
		}
		if _, err := tensor.FromData(t.Shape, t.Data); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}

	e.logger.Debug("encoded prompts",
		zap.Int("count", len(prompts)),
		zap.Duration("latency", time.Since(start)))
	return out.Embeddings, nil
}
