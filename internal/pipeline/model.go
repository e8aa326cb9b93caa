package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Model is the external image model. It returns one image per batch row.
type Model interface {
	Generate(ctx context.Context, variant Variant, args Args) ([]image.Image, error)
}

// HTTPConfig configures an HTTPModel.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	// RPS caps requests per second. Zero disables limiting.
	RPS   float64
	Burst int
}

// HTTPModel calls POST {base}/v1/generate.
type HTTPModel struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  *zap.Logger
}

type generateRequest struct {
	Variant Variant `json:"variant"`
	Args    Args    `json:"args"`
}

type generateResponse struct {
	Images []string `json:"images"`
}

// NewHTTPModel creates a model client.
func NewHTTPModel(cfg HTTPConfig, logger *zap.Logger) *HTTPModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &HTTPModel{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limiter: limiter,
		logger:  logger.With(zap.String("component", "model")),
	}
}

func (m *HTTPModel) Generate(ctx context.Context, variant Variant, args Args) ([]image.Image, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{Variant: variant, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("generate request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	images := make([]image.Image, len(out.Images))
	for i, s := range out.Images {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		img, err := png.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images[i] = img
	}

	m.logger.Debug("generated",
		zap.String("variant", string(variant)),
		zap.Int("images", len(images)),
		zap.Int("request_bytes", len(body)),
		zap.Duration("latency", time.Since(start)))
	return images, nil
}
