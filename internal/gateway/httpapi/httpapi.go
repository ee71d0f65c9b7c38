// Package httpapi implements the HTTP API for toolrun.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 16 MB)
//   - Per-user rate limiting via token bucket
//   - Stored upload files served read-only under /uploads/original/
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/observability"
	"github.com/jkaninda/toolrun/internal/ratelimit"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/search"
	"github.com/jkaninda/toolrun/internal/storage"
	"github.com/jkaninda/toolrun/internal/tools"
	"github.com/jkaninda/toolrun/internal/upload"
)

const defaultMaxRequestSize = 16 << 20 // 16 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool              // Serve OpenAPI docs.
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 16 MB default.
	UploadsDir     string            // Root of stored uploads. Empty disables file serving.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// ToolService is the catalog the API drives. *tools.Service implements it.
type ToolService interface {
	Create(ctx context.Context, t *domain.Tool) error
	Update(ctx context.Context, t *domain.Tool) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Tool, error)
	List(ctx context.Context) ([]domain.Tool, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Run(ctx context.Context, id uuid.UUID, params map[string]any) (*sandbox.Result, error)
	Details(ctx context.Context, id uuid.UUID) (string, error)
	Invocations(ctx context.Context, id uuid.UUID, limit int) ([]domain.InvocationRecord, error)
	AddUpload(ctx context.Context, toolID uuid.UUID, filename string, content []byte) (*domain.Upload, int, error)
	AttachUpload(ctx context.Context, toolID, uploadID uuid.UUID) (int, error)
	Search(ctx context.Context, toolID uuid.UUID, query string, filenames []string, limit int) ([]search.Fragment, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	tools   ToolService
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	setupOnce sync.Once
	okapi     *okapi.Okapi
	group     *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc ToolService, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		tools:   svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "toolrun",
			Version: "v1",
		},
	)
	return g
}

// Handler returns the fully routed handler. Useful for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	g.setupOnce.Do(g.setup)
	return g.okapi
}

func (g *Gateway) setup() {
	// Body limit and metrics/tracing middleware (applied globally).
	maxBody := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/tools", g.handleToolCreate,
		okapi.DocSummary("Create a tool"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(ToolRequest{}),
		okapi.DocResponse(http.StatusCreated, ToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolResponse{}),
	)
	g.group.Get("/tools/{id}", g.handleToolGet,
		okapi.DocSummary("Get a tool by ID"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocResponse(ToolResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/tools/{id}", g.handleToolUpdate,
		okapi.DocSummary("Replace a tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocRequestBody(ToolRequest{}),
		okapi.DocResponse(ToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/tools/{id}", g.handleToolDelete,
		okapi.DocSummary("Delete a tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/tools/{id}/run", g.handleToolRun,
		okapi.DocSummary("Run a tool with parameters"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Get("/tools/{id}/details", g.handleToolDetails,
		okapi.DocSummary("Evaluate the tool's details() function"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocResponse(DetailsResponse{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Get("/tools/{id}/invocations", g.handleToolInvocations,
		okapi.DocSummary("List recent invocations of a tool"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocResponse([]InvocationResponse{}),
	)
	g.group.Post("/tools/{id}/uploads", g.handleUploadCreate,
		okapi.DocSummary("Upload a document, attach it to the tool and index it"),
		okapi.DocTags("Documents"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocRequestBody(UploadRequest{}),
		okapi.DocResponse(http.StatusCreated, UploadResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
	)
	g.group.Post("/tools/{id}/uploads/{upload_id}", g.handleUploadAttach,
		okapi.DocSummary("Attach an existing upload to the tool and index it"),
		okapi.DocTags("Documents"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocPathParam("upload_id", "string", "Upload ID (UUID)"),
		okapi.DocResponse(AttachResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/tools/{id}/search", g.handleSearch,
		okapi.DocSummary("Search the tool's indexed documents"),
		okapi.DocTags("Documents"),
		okapi.DocPathParam("id", "string", "Tool ID (UUID)"),
		okapi.DocRequestBody(SearchRequest{}),
		okapi.DocResponse(SearchResponse{}),
	)

	// Stored files (unauthenticated, content addressed).
	if g.config.UploadsDir != "" {
		g.okapi.HandleStd("GET", "/uploads/original/{shard}/{file}", g.serveUpload)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		p := g.config.MetricsPath
		if p == "" {
			p = "/metrics"
		}
		g.okapi.HandleStd("GET", p, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.setupOnce.Do(g.setup)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Files ---

// serveUpload serves a stored upload file. Only the two-level content path
// under the original directory is accepted.
func (g *Gateway) serveUpload(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/uploads/")
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || parts[0] != "original" || strings.HasPrefix(parts[2], ".") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, filepath.Join(g.config.UploadsDir, filepath.FromSlash(rel)))
}

// --- Middleware ---

// authenticate resolves the bearer key to a user and applies the per-user rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = id
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}

		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}

		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// requestContext returns the request context carrying the authenticated user.
func requestContext(c *okapi.Context) context.Context {
	return tools.ContextWithUserID(c.Context(), c.GetString("userID"))
}

// toolError maps catalog and sandbox errors to HTTP responses.
func (g *Gateway) toolError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "not found"})
	case errors.Is(err, tools.ErrInvalid),
		errors.Is(err, tools.ErrInvalidParameters),
		errors.Is(err, upload.ErrInvalidFilename):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	case errors.Is(err, tools.ErrDuplicateName), errors.Is(err, tools.ErrDisabled):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	case errors.Is(err, upload.ErrTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: err.Error()})
	case errors.Is(err, sandbox.ErrScript),
		errors.Is(err, sandbox.ErrTooManyRequests),
		errors.Is(err, sandbox.ErrMemoryLimit):
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: err.Error()})
	case errors.Is(err, sandbox.ErrTimeout):
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: sandbox.TimeoutMessage})
	default:
		g.logger.Error("request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("internal error")
	}
}

func parseID(c *okapi.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	return id, err == nil
}
