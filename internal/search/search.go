// Package search answers fragment queries scoped to the uploads attached to a tool.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/storage"
)

const (
	// DefaultLimit is the result count when the caller does not ask for one.
	DefaultLimit = 10
	// MaxLimit caps the result count.
	MaxLimit = 200
)

// Fragment is one search hit as returned to scripts.
type Fragment struct {
	Fragment string `json:"fragment"`
	Metadata string `json:"metadata"`
}

// UploadScope lists the uploads attached to a tool. storage.ToolStore implements it.
type UploadScope interface {
	UploadIDs(ctx context.Context, toolID uuid.UUID) ([]uuid.UUID, error)
}

// UploadLister loads upload records. storage.UploadStore implements it.
type UploadLister interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Upload, error)
}

// FragmentIndex ranks and loads fragments. storage.FragmentStore implements it.
type FragmentIndex interface {
	SimilaritySearch(ctx context.Context, embedding []float32, uploadIDs []uuid.UUID, limit int) ([]storage.ScoredFragment, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Fragment, error)
}

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Adapter implements fragment search for tool scripts.
type Adapter struct {
	scope    UploadScope
	uploads  UploadLister
	index    FragmentIndex
	embedder QueryEmbedder
	logger   *slog.Logger
}

// NewAdapter creates an Adapter.
func NewAdapter(scope UploadScope, uploads UploadLister, index FragmentIndex, embedder QueryEmbedder, logger *slog.Logger) *Adapter {
	return &Adapter{
		scope:    scope,
		uploads:  uploads,
		index:    index,
		embedder: embedder,
		logger:   logger,
	}
}

// ClampLimit bounds limit to [1, MaxLimit]. It reports false for a
// non-positive limit, which means "return nothing".
func ClampLimit(limit int) (int, bool) {
	if limit <= 0 {
		return 0, false
	}
	if limit > MaxLimit {
		return MaxLimit, true
	}
	return limit, true
}

// Search returns up to limit fragments of the tool's uploads ranked by
// similarity to query. filenames, when non-empty, narrows the scope to uploads
// with those original filenames. Empty scopes and bad input yield an empty
// result, never an error.
func (a *Adapter) Search(ctx context.Context, toolID, query string, filenames []string, limit int) ([]Fragment, error) {
	limit, ok := ClampLimit(limit)
	if !ok {
		return []Fragment{}, nil
	}

	id, err := uuid.Parse(toolID)
	if err != nil {
		a.logger.DebugContext(ctx, "search without a valid tool id", slog.String("tool_id", toolID))
		return []Fragment{}, nil
	}

	scope, err := a.scopeFor(ctx, id, filenames)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return []Fragment{}, nil
	}

	vector, err := a.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits, err := a.index.SimilaritySearch(ctx, vector, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(hits) == 0 {
		return []Fragment{}, nil
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	stored, err := a.index.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	byID := make(map[uuid.UUID]domain.Fragment, len(stored))
	for _, f := range stored {
		byID[f.ID] = f
	}

	results := make([]Fragment, 0, len(hits))
	for _, h := range hits {
		f, ok := byID[h.ID]
		if !ok {
			continue
		}
		results = append(results, Fragment{Fragment: f.Fragment, Metadata: f.Metadata})
		if len(results) == limit {
			break
		}
	}

	a.logger.DebugContext(ctx, "fragment search",
		slog.String("tool_id", toolID),
		slog.Int("scope", len(scope)),
		slog.Int("hits", len(hits)),
		slog.Int("results", len(results)),
	)
	return results, nil
}

func (a *Adapter) scopeFor(ctx context.Context, toolID uuid.UUID, filenames []string) ([]uuid.UUID, error) {
	ids, err := a.scope.UploadIDs(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(ids) == 0 || len(filenames) == 0 {
		return ids, nil
	}

	wanted := make(map[string]struct{}, len(filenames))
	for _, name := range filenames {
		wanted[name] = struct{}{}
	}
	uploads, err := a.uploads.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	narrowed := make([]uuid.UUID, 0, len(uploads))
	for _, u := range uploads {
		if _, ok := wanted[u.OriginalFilename]; ok {
			narrowed = append(narrowed, u.ID)
		}
	}
	return narrowed, nil
}
