package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/retry"
)

// APITimer receives external call durations, best-effort.
type APITimer interface {
	RecordAPI(endpoint string, duration time.Duration)
}

// AIClient talks to the external embedding and vision services. It
// satisfies Embedder and Captioner; failures map onto retry.StatusError
// so the orchestrator classifies 5xx/429 as transient.
type AIClient struct {
	cfg    config.AIConfig
	client *http.Client
	timer  APITimer
}

// NewAIClient returns a client bound to the configured endpoints.
// timer may be nil.
func NewAIClient(cfg config.AIConfig, timer APITimer) *AIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		timer:  timer,
	}
}

// ModelName implements Embedder.
func (c *AIClient) ModelName() string { return c.cfg.EmbeddingModel }

// Dimension implements Embedder.
func (c *AIClient) Dimension() int { return c.cfg.EmbeddingDim }

type embedRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Embedder over the embedding service.
func (c *AIClient) Embed(ctx context.Context, texts []string) ([]db.Vector, error) {
	if c.cfg.EmbeddingURL == "" {
		return nil, retry.Permanent(fmt.Errorf("embedding service not configured"))
	}

	payload := embedRequest{Model: c.cfg.EmbeddingModel, Inputs: texts}
	var parsed embedResponse
	if err := c.post(ctx, "embedding_service", c.cfg.EmbeddingURL+"/embed", payload, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs", len(parsed.Embeddings), len(texts))
	}

	vectors := make([]db.Vector, 0, len(parsed.Embeddings))
	for i, raw := range parsed.Embeddings {
		if c.cfg.EmbeddingDim > 0 && len(raw) != c.cfg.EmbeddingDim {
			return nil, retry.Permanent(fmt.Errorf("vector %d has dimension %d, expected %d", i, len(raw), c.cfg.EmbeddingDim))
		}
		vectors = append(vectors, db.Vector(raw))
	}
	return vectors, nil
}

type captionRequest struct {
	StorageKey string `json:"storage_key"`
}

type captionResponse struct {
	Caption string `json:"caption"`
}

// Caption implements Captioner over the vision service.
func (c *AIClient) Caption(ctx context.Context, storageKey string) (string, error) {
	if c.cfg.VisionURL == "" {
		return "", retry.Permanent(fmt.Errorf("vision service not configured"))
	}
	var parsed captionResponse
	if err := c.post(ctx, "vision_service", c.cfg.VisionURL+"/caption", captionRequest{StorageKey: storageKey}, &parsed); err != nil {
		return "", err
	}
	return parsed.Caption, nil
}

func (c *AIClient) post(ctx context.Context, endpoint, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if c.timer != nil {
		c.timer.RecordAPI(endpoint, time.Since(start))
	}
	if err != nil {
		return retry.Transient(fmt.Errorf("%s unreachable: %w", endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &retry.StatusError{Status: resp.StatusCode, Message: string(msg)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
