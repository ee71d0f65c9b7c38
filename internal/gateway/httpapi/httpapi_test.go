package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/observability"
	"github.com/jkaninda/toolrun/internal/ratelimit"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/search"
	"github.com/jkaninda/toolrun/internal/storage/sqlite"
	"github.com/jkaninda/toolrun/internal/tools"
)

const testKey = "test-key"

type fakeRunner struct {
	result  *sandbox.Result
	err     error
	details string
	last    sandbox.Invocation
}

func (f *fakeRunner) Run(_ context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
	f.last = inv
	if f.result == nil {
		return &sandbox.Result{Value: "ok"}, f.err
	}
	return f.result, f.err
}

func (f *fakeRunner) Details(_ context.Context, inv sandbox.Invocation) (string, error) {
	f.last = inv
	return f.details, f.err
}

type fakeUploader struct{}

func (fakeUploader) Create(_ context.Context, filename string, content []byte, actorID string) (*domain.Upload, error) {
	return &domain.Upload{
		ID: uuid.New(), OriginalFilename: filename, SHA1: "abc", Extension: filepath.Ext(filename),
		Filesize: int64(len(content)), URL: "/uploads/original/ab/abc.txt", CreatedBy: actorID,
	}, nil
}

type fakeIndexer struct{}

func (fakeIndexer) Ingest(context.Context, uuid.UUID, int, int) (int, error) { return 2, nil }

type fakeSearcher struct{ query string }

func (f *fakeSearcher) Search(_ context.Context, _, query string, _ []string, _ int) ([]search.Fragment, error) {
	f.query = query
	return []search.Fragment{{Fragment: "the answer", Metadata: "doc.txt"}}, nil
}

type testEnv struct {
	handler  http.Handler
	runner   *fakeRunner
	searcher *fakeSearcher
}

func newTestEnv(t *testing.T, cfg Config, rl *ratelimit.Limiter) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(sqlite.Config{Path: sqlite.MemoryPath}, logger)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	runner := &fakeRunner{details: "usage notes"}
	searcher := &fakeSearcher{}
	svc := tools.NewService(store, runner, logger,
		tools.WithDocuments(fakeUploader{}, fakeIndexer{}, searcher))

	if cfg.APIKeys == nil {
		cfg.APIKeys = map[string]string{testKey: "alice"}
	}
	g := NewGateway(cfg, svc, rl, logger)
	return &testEnv{handler: g.Handler(), runner: runner, searcher: searcher}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func weatherTool() ToolRequest {
	return ToolRequest{
		Name:        "Weather",
		ToolName:    "weather_lookup",
		Description: "Current weather",
		Parameters:  []domain.ToolParameter{{Name: "city", Type: domain.ParamString, Required: true}},
		Script:      `function invoke(p) { return p.city; }`,
	}
}

func (e *testEnv) createTool(t *testing.T) ToolResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/tools", weatherTool())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	return decode[ToolResponse](t, rec)
}

// --- Authentication ---

func TestGateway_RejectsMissingKey(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	for _, header := range []string{"", "Bearer wrong", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Authorization %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestGateway_RateLimitsPerUser(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	env := newTestEnv(t, Config{}, rl)

	if rec := env.do(t, http.MethodGet, "/v1/tools", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/tools", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}

// --- Catalog ---

func TestGateway_ToolLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	created := env.createTool(t)
	if created.CreatedBy != "alice" || !created.Enabled || created.RAGChunkTokens == 0 {
		t.Errorf("created = %+v", created)
	}

	rec := env.do(t, http.MethodGet, "/v1/tools/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decode[ToolResponse](t, rec); got.ToolName != "weather_lookup" || len(got.Parameters) != 1 {
		t.Errorf("get = %+v", got)
	}

	update := weatherTool()
	update.Description = "Forecast"
	disabled := false
	update.Enabled = &disabled
	rec = env.do(t, http.MethodPut, "/v1/tools/"+created.ID, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body = %s", rec.Code, rec.Body.String())
	}
	updated := decode[ToolResponse](t, rec)
	if updated.Description != "Forecast" || updated.Enabled || updated.CreatedBy != "alice" {
		t.Errorf("updated = %+v", updated)
	}

	rec = env.do(t, http.MethodGet, "/v1/tools", nil)
	if list := decode[[]ToolResponse](t, rec); len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/tools/"+created.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/tools/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestGateway_CreateErrors(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	env.createTool(t)

	bad := weatherTool()
	bad.ToolName = "Not Valid"
	if rec := env.do(t, http.MethodPost, "/v1/tools", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid tool_name status = %d, want 400", rec.Code)
	}

	noInvoke := weatherTool()
	noInvoke.ToolName = "other"
	noInvoke.Script = `function run() {}`
	if rec := env.do(t, http.MethodPost, "/v1/tools", noInvoke); rec.Code != http.StatusBadRequest {
		t.Errorf("script without invoke status = %d, want 400", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/v1/tools", weatherTool()); rec.Code != http.StatusConflict {
		t.Errorf("duplicate tool_name status = %d, want 409", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/v1/tools/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

// --- Execution ---

func TestGateway_RunTool(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	tool := env.createTool(t)
	raw := "<b>Paris</b>"
	env.runner.result = &sandbox.Result{Value: map[string]any{"temp": 21.5}, CustomRaw: &raw, HTTPCalls: 2}

	rec := env.do(t, http.MethodPost, "/v1/tools/"+tool.ID+"/run", RunRequest{Parameters: map[string]any{"city": "Paris", "extra": 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("run status = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[RunResponse](t, rec)
	if resp.HTTPCalls != 2 || resp.CustomRaw == nil || *resp.CustomRaw != raw {
		t.Errorf("run response = %+v", resp)
	}
	if _, ok := env.runner.last.Parameters["extra"]; ok {
		t.Error("undeclared parameter reached the script")
	}
	if env.runner.last.ActorID != "alice" {
		t.Errorf("actor = %q, want alice", env.runner.last.ActorID)
	}

	rec = env.do(t, http.MethodGet, "/v1/tools/"+tool.ID+"/invocations?limit=5", nil)
	invs := decode[[]InvocationResponse](t, rec)
	if len(invs) != 1 || invs[0].Status != domain.InvocationOK || invs[0].HTTPCalls != 2 {
		t.Errorf("invocations = %+v", invs)
	}
	if rec := env.do(t, http.MethodGet, "/v1/tools/"+tool.ID+"/invocations?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestGateway_RunTimeoutIsReportedInBody(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	tool := env.createTool(t)
	env.runner.result = &sandbox.Result{TimedOut: true, Error: sandbox.TimeoutMessage}

	rec := env.do(t, http.MethodPost, "/v1/tools/"+tool.ID+"/run", RunRequest{Parameters: map[string]any{"city": "x"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode[RunResponse](t, rec); !resp.TimedOut || resp.Error != sandbox.TimeoutMessage {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGateway_RunErrors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		err    error
		want   int
	}{
		{"missing required", map[string]any{}, nil, http.StatusBadRequest},
		{"script error", map[string]any{"city": "x"}, &sandbox.ScriptError{Message: "boom"}, http.StatusUnprocessableEntity},
		{"quota", map[string]any{"city": "x"}, sandbox.ErrTooManyRequests, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, nil)
			tool := env.createTool(t)
			env.runner.err = tt.err
			rec := env.do(t, http.MethodPost, "/v1/tools/"+tool.ID+"/run", RunRequest{Parameters: tt.params})
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGateway_Details(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	tool := env.createTool(t)

	rec := env.do(t, http.MethodGet, "/v1/tools/"+tool.ID+"/details", nil)
	if got := decode[DetailsResponse](t, rec); got.Details != "usage notes" {
		t.Errorf("details = %+v", got)
	}

	env.runner.err = sandbox.ErrTimeout
	rec = env.do(t, http.MethodGet, "/v1/tools/"+tool.ID+"/details", nil)
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), sandbox.TimeoutMessage) {
		t.Errorf("timeout details: status = %d body = %s", rec.Code, rec.Body.String())
	}
}

// --- Documents ---

func TestGateway_UploadAndSearch(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	tool := env.createTool(t)

	rec := env.do(t, http.MethodPost, "/v1/tools/"+tool.ID+"/uploads", UploadRequest{
		Filename:      "notes.txt",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("hello world")),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body = %s", rec.Code, rec.Body.String())
	}
	up := decode[UploadResponse](t, rec)
	if up.Fragments != 2 || up.Filesize != 11 || up.OriginalFilename != "notes.txt" {
		t.Errorf("upload = %+v", up)
	}

	rec = env.do(t, http.MethodPost, "/v1/tools/"+tool.ID+"/uploads", UploadRequest{Filename: "x.txt", ContentBase64: "%%%"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad base64 status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/tools/"+tool.ID+"/search", SearchRequest{Query: "answer"})
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	if got := decode[SearchResponse](t, rec); len(got.Fragments) != 1 || got.Fragments[0].Fragment != "the answer" {
		t.Errorf("search = %+v", got)
	}
	if env.searcher.query != "answer" {
		t.Errorf("query = %q", env.searcher.query)
	}
}

func TestGateway_ServeUpload(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "original", "ab"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "original", "ab", "abc.txt"), []byte("stored"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, Config{UploadsDir: dir}, nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/original/ab/abc.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "stored" {
		t.Errorf("serve: status = %d body = %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/original/ab/.hidden", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("dotfile status = %d, want 404", rec.Code)
	}
}

// --- Observability ---

func TestGateway_HealthAndMetrics(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	env := newTestEnv(t, Config{MetricsRegistry: metrics.Registry, Metrics: metrics}, nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d", rec.Code)
	}

	env.do(t, http.MethodGet, "/v1/tools", nil)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "toolrun_http_requests_total") {
		t.Errorf("metrics status = %d, missing http counter", rec.Code)
	}
}
