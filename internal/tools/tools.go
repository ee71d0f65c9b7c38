// Package tools manages the catalog of operator-authored script tools and
// runs them through the sandbox.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/ingest"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/search"
	"github.com/jkaninda/toolrun/internal/storage"
)

var (
	// ErrInvalid is returned (wrapped) when a tool definition fails validation.
	ErrInvalid = errors.New("invalid tool")
	// ErrInvalidParameters is returned (wrapped) when run parameters do not
	// match the tool's declaration.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrDisabled is returned when running a disabled tool.
	ErrDisabled = errors.New("tool is disabled")
	// ErrDuplicateName is returned when another tool already uses the tool_name.
	ErrDuplicateName = errors.New("tool_name already in use")
)

var toolNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const userIDKey contextKey = iota

// ContextWithUserID returns a new context carrying the user ID.
// The API sets it after authentication; the service records it as the actor.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from context, or "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Uploader stores uploaded files.
type Uploader interface {
	Create(ctx context.Context, filename string, content []byte, actorID string) (*domain.Upload, error)
}

// Indexer splits and embeds an upload's content.
type Indexer interface {
	Ingest(ctx context.Context, uploadID uuid.UUID, chunkTokens, overlapTokens int) (int, error)
}

// Searcher answers fragment queries scoped to a tool.
type Searcher interface {
	Search(ctx context.Context, toolID, query string, filenames []string, limit int) ([]search.Fragment, error)
}

// Service is the tool catalog.
type Service struct {
	tools       storage.ToolStore
	invocations storage.InvocationStore
	runner      sandbox.Runner
	uploader    Uploader
	indexer     Indexer
	searcher    Searcher
	timeout     time.Duration
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout sets the script budget used for every run.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithDocuments enables uploads, indexing and search.
func WithDocuments(uploader Uploader, indexer Indexer, searcher Searcher) Option {
	return func(s *Service) {
		s.uploader = uploader
		s.indexer = indexer
		s.searcher = searcher
	}
}

// NewService creates a tool catalog backed by store and executing through runner.
func NewService(store storage.Store, runner sandbox.Runner, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		tools:       store.Tools(),
		invocations: store.Invocations(),
		runner:      runner,
		timeout:     sandbox.DefaultTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Catalog ---

// Create validates and stores a new tool.
func (s *Service) Create(ctx context.Context, t *domain.Tool) error {
	applyDefaults(t)
	if err := Validate(t); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := s.checkUnique(ctx, t); err != nil {
		return err
	}
	if t.CreatedBy == "" {
		t.CreatedBy = UserIDFromContext(ctx)
	}
	if err := s.tools.Create(ctx, t); err != nil {
		return fmt.Errorf("creating tool: %w", err)
	}
	s.logger.InfoContext(ctx, "tool created",
		slog.String("tool_id", t.ID.String()),
		slog.String("tool_name", t.ToolName),
	)
	return nil
}

// Update validates and replaces an existing tool.
func (s *Service) Update(ctx context.Context, t *domain.Tool) error {
	applyDefaults(t)
	if err := Validate(t); err != nil {
		return err
	}
	if err := s.checkUnique(ctx, t); err != nil {
		return err
	}
	if err := s.tools.Update(ctx, t); err != nil {
		return fmt.Errorf("updating tool: %w", err)
	}
	s.logger.InfoContext(ctx, "tool updated", slog.String("tool_id", t.ID.String()))
	return nil
}

func (s *Service) checkUnique(ctx context.Context, t *domain.Tool) error {
	existing, err := s.tools.GetByToolName(ctx, t.ToolName)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("checking tool_name: %w", err)
	case existing.ID != t.ID:
		return fmt.Errorf("%w: %s", ErrDuplicateName, t.ToolName)
	}
	return nil
}

// Get returns a tool by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Tool, error) {
	return s.tools.Get(ctx, id)
}

// GetByToolName returns a tool by its tool_name.
func (s *Service) GetByToolName(ctx context.Context, name string) (*domain.Tool, error) {
	return s.tools.GetByToolName(ctx, name)
}

// List returns every tool.
func (s *Service) List(ctx context.Context) ([]domain.Tool, error) {
	return s.tools.List(ctx)
}

// Delete removes a tool and its upload links.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.tools.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting tool: %w", err)
	}
	s.logger.InfoContext(ctx, "tool deleted", slog.String("tool_id", id.String()))
	return nil
}

// --- Documents ---

// AddUpload stores content, attaches it to the tool and indexes it with the
// tool's chunking settings. It returns the upload and its fragment count.
func (s *Service) AddUpload(ctx context.Context, toolID uuid.UUID, filename string, content []byte) (*domain.Upload, int, error) {
	if s.uploader == nil {
		return nil, 0, errors.New("uploads are not configured")
	}
	t, err := s.tools.Get(ctx, toolID)
	if err != nil {
		return nil, 0, err
	}
	up, err := s.uploader.Create(ctx, filename, content, UserIDFromContext(ctx))
	if err != nil {
		return nil, 0, err
	}
	n, err := s.attach(ctx, t, up.ID)
	if err != nil {
		return up, 0, err
	}
	return up, n, nil
}

// AttachUpload links an existing upload to a tool and indexes it.
func (s *Service) AttachUpload(ctx context.Context, toolID, uploadID uuid.UUID) (int, error) {
	t, err := s.tools.Get(ctx, toolID)
	if err != nil {
		return 0, err
	}
	return s.attach(ctx, t, uploadID)
}

func (s *Service) attach(ctx context.Context, t *domain.Tool, uploadID uuid.UUID) (int, error) {
	if err := s.tools.AttachUpload(ctx, t.ID, uploadID); err != nil {
		return 0, fmt.Errorf("attaching upload: %w", err)
	}
	if s.indexer == nil {
		return 0, nil
	}
	n, err := s.indexer.Ingest(ctx, uploadID, t.RAGChunkTokens, t.RAGOverlapTokens)
	if err != nil {
		return 0, fmt.Errorf("indexing upload: %w", err)
	}
	return n, nil
}

// Search queries the fragments of the tool's uploads.
func (s *Service) Search(ctx context.Context, toolID uuid.UUID, query string, filenames []string, limit int) ([]search.Fragment, error) {
	if s.searcher == nil {
		return []search.Fragment{}, nil
	}
	if _, err := s.tools.Get(ctx, toolID); err != nil {
		return nil, err
	}
	return s.searcher.Search(ctx, toolID.String(), query, filenames, limit)
}

// --- Execution ---

// Run executes the tool with params on behalf of the user in ctx and records
// the outcome in the invocation log.
func (s *Service) Run(ctx context.Context, id uuid.UUID, params map[string]any) (*sandbox.Result, error) {
	t, err := s.tools.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, t.ToolName)
	}
	prepared, err := PrepareParameters(t.Parameters, params)
	if err != nil {
		return nil, err
	}

	actor := UserIDFromContext(ctx)
	res, runErr := s.runner.Run(ctx, sandbox.Invocation{
		Script:     t.Script,
		Parameters: prepared,
		ToolID:     t.ID.String(),
		ActorID:    actor,
		Timeout:    s.timeout,
	})
	s.record(ctx, t.ID, actor, res, runErr)
	return res, runErr
}

// Details returns the tool's details() output.
func (s *Service) Details(ctx context.Context, id uuid.UUID) (string, error) {
	t, err := s.tools.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.runner.Details(ctx, sandbox.Invocation{
		Script:  t.Script,
		ToolID:  t.ID.String(),
		ActorID: UserIDFromContext(ctx),
		Timeout: s.timeout,
	})
}

// Invocations returns the most recent invocation records of a tool.
func (s *Service) Invocations(ctx context.Context, id uuid.UUID, limit int) ([]domain.InvocationRecord, error) {
	return s.invocations.ListForTool(ctx, id, limit)
}

func (s *Service) record(ctx context.Context, toolID uuid.UUID, actor string, res *sandbox.Result, runErr error) {
	rec := &domain.InvocationRecord{
		ID:        uuid.New(),
		ToolID:    toolID,
		ActorID:   actor,
		Status:    Status(res, runErr),
		CreatedAt: time.Now().UTC(),
	}
	if res != nil {
		rec.HTTPCalls = res.HTTPCalls
		rec.DurationMS = res.Duration.Milliseconds()
		rec.Error = res.Error
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := s.invocations.Record(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "recording invocation failed",
			slog.String("tool_id", toolID.String()),
			slog.Any("error", err),
		)
	}
}

// Status classifies a run outcome for the invocation log.
func Status(res *sandbox.Result, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTooManyRequests):
		return domain.InvocationQuota
	case err != nil:
		return domain.InvocationError
	case res != nil && res.TimedOut:
		return domain.InvocationTimeout
	default:
		return domain.InvocationOK
	}
}

// --- Validation ---

func applyDefaults(t *domain.Tool) {
	t.Name = strings.TrimSpace(t.Name)
	t.ToolName = strings.TrimSpace(t.ToolName)
	if t.RAGChunkTokens <= 0 {
		t.RAGChunkTokens = ingest.DefaultChunkTokens
	}
	if t.RAGOverlapTokens < 0 {
		t.RAGOverlapTokens = 0
	}
}

// Validate checks a tool definition.
func Validate(t *domain.Tool) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !toolNamePattern.MatchString(t.ToolName) {
		return fmt.Errorf("%w: tool_name must match %s", ErrInvalid, toolNamePattern)
	}
	if t.RAGOverlapTokens >= t.RAGChunkTokens {
		return fmt.Errorf("%w: rag_overlap_tokens must be smaller than rag_chunk_tokens", ErrInvalid)
	}
	seen := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter name is required", ErrInvalid)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case domain.ParamString, domain.ParamInteger, domain.ParamNumber, domain.ParamBoolean, domain.ParamArray:
		default:
			return fmt.Errorf("%w: parameter %q has unsupported type %q", ErrInvalid, p.Name, p.Type)
		}
	}
	if err := sandbox.Validate(t.Script); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// InputSchema returns a JSON Schema object describing the tool's parameters.
func InputSchema(t *domain.Tool) map[string]any {
	props := make(map[string]any, len(t.Parameters))
	required := []string{}
	for _, p := range t.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == domain.ParamArray {
			prop["items"] = map[string]any{"type": "string"}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
