package httpapi

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/search"
)

const (
	defaultInvocationLimit = 50
	maxInvocationLimit     = 500
)

// **** Tool request/response types ****

type ToolRequest struct {
	Name             string                 `json:"name"`
	ToolName         string                 `json:"tool_name"`
	Description      string                 `json:"description"`
	Summary          string                 `json:"summary,omitempty"`
	Parameters       []domain.ToolParameter `json:"parameters"`
	Script           string                 `json:"script"`
	RAGChunkTokens   int                    `json:"rag_chunk_tokens,omitempty"`
	RAGOverlapTokens int                    `json:"rag_overlap_tokens,omitempty"`
	Enabled          *bool                  `json:"enabled,omitempty"`
}

type ToolResponse struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	ToolName         string                 `json:"tool_name"`
	Description      string                 `json:"description"`
	Summary          string                 `json:"summary,omitempty"`
	Parameters       []domain.ToolParameter `json:"parameters"`
	Script           string                 `json:"script"`
	RAGChunkTokens   int                    `json:"rag_chunk_tokens"`
	RAGOverlapTokens int                    `json:"rag_overlap_tokens"`
	Enabled          bool                   `json:"enabled"`
	CreatedBy        string                 `json:"created_by"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func toToolResponse(t *domain.Tool) ToolResponse {
	params := t.Parameters
	if params == nil {
		params = []domain.ToolParameter{}
	}
	return ToolResponse{
		ID:               t.ID.String(),
		Name:             t.Name,
		ToolName:         t.ToolName,
		Description:      t.Description,
		Summary:          t.Summary,
		Parameters:       params,
		Script:           t.Script,
		RAGChunkTokens:   t.RAGChunkTokens,
		RAGOverlapTokens: t.RAGOverlapTokens,
		Enabled:          t.Enabled,
		CreatedBy:        t.CreatedBy,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// apply copies the request onto t. Enabled defaults to true for new tools.
func (r *ToolRequest) apply(t *domain.Tool) {
	t.Name = r.Name
	t.ToolName = r.ToolName
	t.Description = r.Description
	t.Summary = r.Summary
	t.Parameters = r.Parameters
	t.Script = r.Script
	t.RAGChunkTokens = r.RAGChunkTokens
	t.RAGOverlapTokens = r.RAGOverlapTokens
	if r.Enabled != nil {
		t.Enabled = *r.Enabled
	}
}

// **** Execution request/response types ****

// RunRequest is the JSON body for POST /v1/tools/{id}/run.
type RunRequest struct {
	Parameters map[string]any `json:"parameters"`
}

// RunResponse is the outcome of a run. A timeout is a 200 with Error set.
type RunResponse struct {
	Result     any     `json:"result"`
	Error      string  `json:"error,omitempty"`
	TimedOut   bool    `json:"timed_out,omitempty"`
	CustomRaw  *string `json:"custom_raw,omitempty"`
	HTTPCalls  int     `json:"http_calls"`
	DurationMS int64   `json:"duration_ms"`
}

type DetailsResponse struct {
	Details string `json:"details"`
}

type InvocationResponse struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	HTTPCalls  int       `json:"http_calls"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// **** Document request/response types ****

// UploadRequest is the JSON body for POST /v1/tools/{id}/uploads.
type UploadRequest struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
}

type UploadResponse struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	SHA1             string    `json:"sha1"`
	Extension        string    `json:"extension"`
	Filesize         int64     `json:"filesize"`
	URL              string    `json:"url"`
	ShortURL         string    `json:"short_url"`
	Fragments        int       `json:"fragments"`
	CreatedAt        time.Time `json:"created_at"`
}

type AttachResponse struct {
	UploadID  string `json:"upload_id"`
	Fragments int    `json:"fragments"`
}

// SearchRequest is the JSON body for POST /v1/tools/{id}/search.
type SearchRequest struct {
	Query     string   `json:"query"`
	Filenames []string `json:"filenames,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

type SearchResponse struct {
	Fragments []search.Fragment `json:"fragments"`
}

// --- Tool Handlers ---

func (g *Gateway) handleToolCreate(c *okapi.Context) error {
	var req ToolRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	t := &domain.Tool{Enabled: true}
	req.apply(t)
	if err := g.tools.Create(requestContext(c), t); err != nil {
		return g.toolError(c, err)
	}

	g.logger.Info("tool created via api",
		slog.String("tool_id", t.ID.String()),
		slog.String("user_id", c.GetString("userID")),
	)
	return c.JSON(http.StatusCreated, toToolResponse(t))
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	list, err := g.tools.List(requestContext(c))
	if err != nil {
		return g.toolError(c, err)
	}
	resp := make([]ToolResponse, len(list))
	for i := range list {
		resp[i] = toToolResponse(&list[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleToolGet(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	t, err := g.tools.Get(requestContext(c), id)
	if err != nil {
		return g.toolError(c, err)
	}
	return c.OK(toToolResponse(t))
}

func (g *Gateway) handleToolUpdate(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	ctx := requestContext(c)
	t, err := g.tools.Get(ctx, id)
	if err != nil {
		return g.toolError(c, err)
	}

	var req ToolRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	req.apply(t)
	if err := g.tools.Update(ctx, t); err != nil {
		return g.toolError(c, err)
	}
	return c.OK(toToolResponse(t))
}

func (g *Gateway) handleToolDelete(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	if err := g.tools.Delete(requestContext(c), id); err != nil {
		return g.toolError(c, err)
	}
	return c.OK(okapi.M{"status": "deleted"})
}

// --- Execution Handlers ---

func (g *Gateway) handleToolRun(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	res, err := g.tools.Run(requestContext(c), id, req.Parameters)
	if err != nil {
		return g.toolError(c, err)
	}
	return c.OK(RunResponse{
		Result:     res.Value,
		Error:      res.Error,
		TimedOut:   res.TimedOut,
		CustomRaw:  res.CustomRaw,
		HTTPCalls:  res.HTTPCalls,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (g *Gateway) handleToolDetails(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	out, err := g.tools.Details(requestContext(c), id)
	if err != nil {
		return g.toolError(c, err)
	}
	return c.OK(DetailsResponse{Details: out})
}

func (g *Gateway) handleToolInvocations(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	limit := defaultInvocationLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxInvocationLimit)
	}

	recs, err := g.tools.Invocations(requestContext(c), id, limit)
	if err != nil {
		return g.toolError(c, err)
	}
	resp := make([]InvocationResponse, len(recs))
	for i, r := range recs {
		resp[i] = InvocationResponse{
			ID:         r.ID.String(),
			ActorID:    r.ActorID,
			Status:     r.Status,
			Error:      r.Error,
			HTTPCalls:  r.HTTPCalls,
			DurationMS: r.DurationMS,
			CreatedAt:  r.CreatedAt,
		}
	}
	return c.OK(resp)
}

// --- Document Handlers ---

func (g *Gateway) handleUploadCreate(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	var req UploadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return c.AbortBadRequest("content_base64 is not valid base64")
	}

	up, n, err := g.tools.AddUpload(requestContext(c), id, req.Filename, content)
	if err != nil {
		return g.toolError(c, err)
	}

	g.logger.Info("upload indexed",
		slog.String("tool_id", id.String()),
		slog.String("upload_id", up.ID.String()),
		slog.Int("fragments", n),
	)
	return c.JSON(http.StatusCreated, UploadResponse{
		ID:               up.ID.String(),
		OriginalFilename: up.OriginalFilename,
		SHA1:             up.SHA1,
		Extension:        up.Extension,
		Filesize:         up.Filesize,
		URL:              up.URL,
		ShortURL:         up.ShortURL,
		Fragments:        n,
		CreatedAt:        up.CreatedAt,
	})
}

func (g *Gateway) handleUploadAttach(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	uploadID, ok := parseID(c, "upload_id")
	if !ok {
		return c.AbortBadRequest("invalid upload ID")
	}
	n, err := g.tools.AttachUpload(requestContext(c), id, uploadID)
	if err != nil {
		return g.toolError(c, err)
	}
	return c.OK(AttachResponse{UploadID: uploadID.String(), Fragments: n})
}

func (g *Gateway) handleSearch(c *okapi.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.AbortBadRequest("invalid tool ID")
	}
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Limit == 0 {
		req.Limit = search.DefaultLimit
	}

	hits, err := g.tools.Search(requestContext(c), id, req.Query, req.Filenames, req.Limit)
	if err != nil {
		return g.toolError(c, err)
	}
	if hits == nil {
		hits = []search.Fragment{}
	}
	return c.OK(SearchResponse{Fragments: hits})
}
