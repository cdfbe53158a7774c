package ai

import (
	"context"
	"errors"
	"fmt"

	"alumniportal/internal/config"
)

var (
	// ErrEmbeddingUnavailable: the backend is unconfigured or permanently
	// gone (deprecated endpoint). Not retryable.
	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")
	// ErrEmbeddingRejected: the backend refused the input (auth failure,
	// malformed request). Not retryable.
	ErrEmbeddingRejected = errors.New("embedding request rejected")
)

// EmbeddingProvider maps text to fixed-dimension vectors. The remote and the
// local backend are interchangeable behind this interface.
//
// EmbedBatch returns one slot per input text, in input order. A slot is
// either a vector or nil; a nil slot means that text could not be embedded.
// Callers must check every slot. The error return is reserved for failures
// of the call as a whole.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// NewEmbeddingProvider builds the backend selected by configuration.
func NewEmbeddingProvider(cfg config.EmbeddingConfig) (EmbeddingProvider, error) {
	switch cfg.Backend {
	case "remote":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: remote backend requires an api key", ErrEmbeddingUnavailable)
		}
		return NewRemoteEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimension), nil
	case "local":
		return NewLocalEmbedder(cfg.ModelPath, cfg.VocabPath, cfg.ONNXLibPath, cfg.Dimension, cfg.LocalParallel), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding backend %q", ErrEmbeddingUnavailable, cfg.Backend)
	}
}
