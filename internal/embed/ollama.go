package embed

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
	ollamaDefaultURL   = "http://localhost:11434"
	ollamaDefaultModel = "nomic-embed-text"
	ollamaDefaultDims  = 768
	ollamaTimeout      = 30 * time.Second
	ollamaRetries      = 3
	ollamaRetryDelay   = 500 * time.Millisecond

	// Ollama has no batch endpoint, so batches fan out as single requests
	// capped at this many in flight.
	ollamaConcurrency = 32
)

// OllamaConfig configures the Ollama backend. Zero fields take defaults.
type OllamaConfig struct {
	URL        string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Retries    int
}

// OllamaProvider generates embeddings through a local Ollama daemon.
type OllamaProvider struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllamaProvider creates a provider for cfg, filling in defaults.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.URL == "" {
		cfg.URL = ollamaDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = ollamaDefaultDims
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = ollamaTimeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = ollamaRetries
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &OllamaProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: ollamaConcurrency,
			},
		},
	}
}

// Embed requests one embedding, retrying transient failures with a linear
// backoff. A missing model or a canceled context fails immediately.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ollamaRetryDelay * time.Duration(attempt)):
			}
		}

		vec, err := p.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		if errors.Is(err, ErrModelMissing) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("ollama embed: %w", lastErr)
}

func (p *OllamaProvider) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"model": p.cfg.Model, "prompt": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp.StatusCode, data)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned no embedding")
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	if p.cfg.Dimensions > 0 && len(vec) != p.cfg.Dimensions {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrBadDimension, p.cfg.Dimensions, len(vec))
	}
	return vec, nil
}

// apiError maps an Ollama error body onto the package sentinels.
func (p *OllamaProvider) apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if strings.Contains(e.Error, "not found") {
			return fmt.Errorf("%w: %s", ErrModelMissing, p.cfg.Model)
		}
		return fmt.Errorf("ollama: %s", e.Error)
	}
	return fmt.Errorf("ollama: unexpected status %d", status)
}

// EmbedBatch embeds texts concurrently, preserving input order.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ollamaConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (p *OllamaProvider) Model() string {
	return p.cfg.Model
}

func (p *OllamaProvider) Dimensions() int {
	return p.cfg.Dimensions
}

// Ping verifies the daemon answers and the configured model is pulled.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := json.Marshal(map[string]string{"name": p.cfg.Model})
	if err != nil {
		return err
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err = p.client.Do(req)
	if err != nil {
		return fmt.Errorf("check model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrModelMissing, p.cfg.Model)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return p.apiError(resp.StatusCode, data)
	}
	return nil
}
