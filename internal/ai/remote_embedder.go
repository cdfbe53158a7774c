package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWarmupBackoff = 10 * time.Second

// RemoteEmbedder calls a hosted inference API (Hugging Face style endpoint:
// POST {base}/models/{model} with {"inputs": ...}).
//
// Retry discipline: a 503 means the model is still warming up, so the call
// waits one fixed backoff and retries exactly once. A 410 means the endpoint
// is gone for good and retrying would only burn latency, so it fails
// immediately with an actionable error.
type RemoteEmbedder struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int

	httpClient    *http.Client
	warmupBackoff time.Duration
}

func NewRemoteEmbedder(baseURL, apiKey, model string, dimension int) *RemoteEmbedder {
	return &RemoteEmbedder{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		model:         model,
		dimension:     dimension,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		warmupBackoff: defaultWarmupBackoff,
	}
}

func (e *RemoteEmbedder) Dimension() int {
	return e.dimension
}

func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty input", ErrEmbeddingRejected)
	}

	raw, err := e.post(ctx, map[string]interface{}{"inputs": text})
	if err != nil {
		return nil, err
	}
	vec, err := normalizeVector(raw)
	if err != nil {
		return nil, err
	}
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbeddingRejected, len(vec), e.dimension)
	}
	return vec, nil
}

func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	raw, err := e.post(ctx, map[string]interface{}{"inputs": texts})
	if err != nil {
		return nil, err
	}
	vecs, err := normalizeBatch(raw, len(texts))
	if err != nil {
		return nil, err
	}
	if e.dimension > 0 {
		for i, v := range vecs {
			if v != nil && len(v) != e.dimension {
				vecs[i] = nil
			}
		}
	}
	return vecs, nil
}

func (e *RemoteEmbedder) post(ctx context.Context, body map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request failed: %w", err)
	}
	url := e.baseURL + "/models/" + e.model

	raw, status, err := e.doOnce(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusServiceUnavailable {
		// Model warming up: wait once and retry once.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.warmupBackoff):
		}
		raw, status, err = e.doOnce(ctx, url, payload)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case status == http.StatusGone:
		return nil, fmt.Errorf("%w: inference endpoint for %s is deprecated; switch to the local backend or another model", ErrEmbeddingUnavailable, e.model)
	case status == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("embedding model still warming up after retry: status %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, fmt.Errorf("%w: auth failed with status %d", ErrEmbeddingRejected, status)
	case status >= 400 && status < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingRejected, status, truncate(string(raw), 200))
	case status >= 300:
		return nil, fmt.Errorf("embedding response status %d: %s", status, truncate(string(raw), 200))
	}
	return raw, nil
}

func (e *RemoteEmbedder) doOnce(ctx context.Context, url string, payload []byte) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build embedding request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read embedding response failed: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
