// Package embedding turns text into vectors for fragment search.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

// Embedder embeds a batch of texts, returning one vector per input in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects and configures the embedding provider.
type Config struct {
	Provider   string `json:"provider" yaml:"provider"` // "openai" or "hash" (default)
	Model      string `json:"model" yaml:"model"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey     string `json:"-" yaml:"-"` // From OPENAI_API_KEY.
	Dimensions int    `json:"dimensions" yaml:"dimensions"`
	// QueryPrefix is prepended to search queries (asymmetric retrieval models).
	QueryPrefix string `json:"query_prefix,omitempty" yaml:"query_prefix,omitempty"`
}

// Model pairs an Embedder with the query instruction used for searches.
type Model struct {
	embedder    Embedder
	queryPrefix string
}

// NewModel wraps e. queryPrefix may be empty.
func NewModel(e Embedder, queryPrefix string) *Model {
	return &Model{embedder: e, queryPrefix: queryPrefix}
}

// New builds the configured embedding model.
func New(cfg Config, logger *slog.Logger) (*Model, error) {
	switch cfg.Provider {
	case "", ProviderHash:
		return NewModel(NewHashEmbedder(cfg.Dimensions), cfg.QueryPrefix), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedding provider %s requires an API key", cfg.Provider)
		}
		var opts []Option
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, WithDimensions(cfg.Dimensions))
		}
		return NewModel(NewClient(cfg.APIKey, cfg.Model, logger, opts...), cfg.QueryPrefix), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// EmbedQuery embeds a search query, applying the query prefix.
func (m *Model) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := m.embedder.Embed(ctx, []string{m.queryPrefix + query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors, want 1", len(vecs))
	}
	return vecs[0], nil
}

// EmbedDocuments embeds fragments for storage.
func (m *Model) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding documents: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
