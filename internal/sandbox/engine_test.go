package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/fetch"
	"github.com/jkaninda/toolrun/internal/search"
)

// --- Fakes ---

type fakeHTTP struct {
	mu       sync.Mutex
	delay    time.Duration
	requests []fetch.Request
}

func (f *fakeHTTP) Do(_ context.Context, req fetch.Request) (*fetch.Response, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return &fetch.Response{Status: 200, Body: "ok " + req.Method}, nil
}

func (f *fakeHTTP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// allocatingHTTP retains memory from another goroutine while the script is
// blocked in the call, the way a concurrent upload or invocation would.
type allocatingHTTP struct {
	delay    time.Duration
	retained []byte
}

func (f *allocatingHTTP) Do(_ context.Context, req fetch.Request) (*fetch.Response, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.retained = make([]byte, 6*MaxHeapBytes)
		for i := range f.retained {
			f.retained[i] = byte(i)
		}
		runtime.GC()
	}()
	<-done
	time.Sleep(f.delay)
	return &fetch.Response{Status: 200, Body: "ok " + req.Method}, nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) Truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	if maxTokens < len(words) {
		words = words[:maxTokens]
	}
	return strings.Join(words, " ")
}

type fakeSearcher struct {
	toolID    string
	query     string
	filenames []string
	limit     int
}

func (f *fakeSearcher) Search(_ context.Context, toolID, query string, filenames []string, limit int) ([]search.Fragment, error) {
	f.toolID, f.query, f.filenames, f.limit = toolID, query, filenames, limit
	return []search.Fragment{{Fragment: "first", Metadata: "m1"}, {Fragment: "second"}}, nil
}

var testUploadID = uuid.MustParse("6f1c2b9e-8d4a-4f5e-9b3c-2a1d0e7f6c5b")

type fakeUploader struct {
	filename string
	content  []byte
	actorID  string
}

func (f *fakeUploader) Create(_ context.Context, filename string, content []byte, actorID string) (*domain.Upload, error) {
	f.filename, f.content, f.actorID = filename, content, actorID
	return &domain.Upload{ID: testUploadID, ShortURL: "upload://abc.txt", URL: "/uploads/original/ab/abc.txt"}, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	labels []string
}

func (o *recordingObserver) ObserveCapability(name string, _ time.Duration, _ error) {
	o.mu.Lock()
	o.labels = append(o.labels, name)
	o.mu.Unlock()
}

func newTestEngine(caps Capabilities, opts ...Option) *Engine {
	return NewEngine(caps, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func run(t *testing.T, e *Engine, inv Invocation) *Result {
	t.Helper()
	result, err := e.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return result
}

// --- Invoke ---

func TestEngine_RunReturnsInvokeValue(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{
		Script:     `function invoke(p) { return { sum: p.a + p.b, name: p.name }; }`,
		Parameters: map[string]any{"a": 1, "b": 2, "name": "x"},
	})

	got, ok := result.Value.(map[string]any)
	if !ok {
		t.Fatalf("value type = %T, want map", result.Value)
	}
	if got["sum"] != int64(3) {
		t.Errorf("sum = %v (%T), want 3", got["sum"], got["sum"])
	}
	if got["name"] != "x" {
		t.Errorf("name = %v, want x", got["name"])
	}
	if result.Error != "" || result.CustomRaw != nil {
		t.Errorf("unexpected error/custom raw: %q %v", result.Error, result.CustomRaw)
	}
}

func TestEngine_NilParametersBecomeEmptyObject(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{
		Script: `function invoke(p) { return typeof p === "object" && p !== null && Object.keys(p).length === 0; }`,
	})
	if result.Value != true {
		t.Errorf("value = %v, want true", result.Value)
	}
}

func TestEngine_UndefinedResultIsNil(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{Script: `function invoke() {}`})
	if result.Value != nil {
		t.Errorf("value = %v, want nil", result.Value)
	}
}

// --- Timeout ---

func TestEngine_InfiniteLoopTimesOut(t *testing.T) {
	e := newTestEngine(Capabilities{})
	start := time.Now()
	result := run(t, e, Invocation{
		Script:  `function invoke() { while (true) {} }`,
		Timeout: 50 * time.Millisecond,
	})
	if result.Error != TimeoutMessage {
		t.Errorf("error = %q, want %q", result.Error, TimeoutMessage)
	}
	if !result.TimedOut {
		t.Error("TimedOut should be set")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("run took %s, want under timeout + 100ms", elapsed)
	}
}

func TestEngine_TopLevelLoopTimesOut(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{
		Script:  `while (true) {} function invoke() { return 1; }`,
		Timeout: 30 * time.Millisecond,
	})
	if result.Error != TimeoutMessage {
		t.Errorf("error = %q, want %q", result.Error, TimeoutMessage)
	}
}

func TestEngine_TryCatchCannotSwallowTimeout(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{
		Script: `function invoke() {
			for (;;) { try { while (true) {} } catch (e) {} }
		}`,
		Timeout: 30 * time.Millisecond,
	})
	if result.Error != TimeoutMessage {
		t.Errorf("error = %q, want %q", result.Error, TimeoutMessage)
	}
}

func TestEngine_CapabilityTimeNotCounted(t *testing.T) {
	doer := &fakeHTTP{delay: 30 * time.Millisecond}
	e := newTestEngine(Capabilities{HTTP: doer})
	result := run(t, e, Invocation{
		Script: `function invoke() {
			let out = [];
			for (let i = 0; i < 5; i++) { out.push(http.get("https://example.com/" + i).status); }
			return out.length;
		}`,
		Timeout: 50 * time.Millisecond,
	})
	if result.Error != "" {
		t.Fatalf("error = %q, capability time should not count toward the timeout", result.Error)
	}
	if result.Value != int64(5) {
		t.Errorf("value = %v, want 5", result.Value)
	}
	if doer.count() != 5 {
		t.Errorf("requests = %d, want 5", doer.count())
	}
}

func TestEngine_HostAllocationDuringCapabilityNotCharged(t *testing.T) {
	doer := &allocatingHTTP{delay: 400 * time.Millisecond}
	e := newTestEngine(Capabilities{HTTP: doer})
	result, err := e.Run(context.Background(), Invocation{
		Script: `function invoke() {
			const r = http.get("https://example.com/slow");
			let n = 0;
			for (let i = 0; i < 200000; i++) { n += i; }
			return r.status;
		}`,
		Timeout: 2 * time.Second,
	})
	runtime.KeepAlive(doer.retained)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Value != int64(200) {
		t.Errorf("value = %v, want 200", result.Value)
	}
}

func TestEngine_CustomRawDroppedOnTimeout(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{
		Script:  `function invoke() { chain.setCustomRaw("partial"); while (true) {} }`,
		Timeout: 30 * time.Millisecond,
	})
	if result.CustomRaw != nil {
		t.Errorf("custom raw = %q, want nil after timeout", *result.CustomRaw)
	}
}

func TestEngine_ContextCancellationStopsScript(t *testing.T) {
	e := newTestEngine(Capabilities{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, Invocation{
		Script:  `function invoke() { while (true) {} }`,
		Timeout: 5 * time.Second,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

// --- HTTP quota ---

func TestEngine_HTTPQuotaAllowsTwentyCalls(t *testing.T) {
	doer := &fakeHTTP{}
	e := newTestEngine(Capabilities{HTTP: doer})
	result := run(t, e, Invocation{
		Script: `function invoke() {
			for (let i = 0; i < 20; i++) { http.get("https://example.com"); }
			return "done";
		}`,
	})
	if result.Value != "done" {
		t.Errorf("value = %v, want done", result.Value)
	}
	if result.HTTPCalls != 20 {
		t.Errorf("http calls = %d, want 20", result.HTTPCalls)
	}
}

func TestEngine_HTTPQuotaExceeded(t *testing.T) {
	doer := &fakeHTTP{}
	e := newTestEngine(Capabilities{HTTP: doer})
	result, err := e.Run(context.Background(), Invocation{
		Script: `function invoke() {
			for (let i = 0; i < 21; i++) {
				try { http.post("https://example.com", { body: "x" }); } catch (e) {}
			}
			return "swallowed";
		}`,
	})
	if !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("error = %v, want ErrTooManyRequests", err)
	}
	if doer.count() != MaxHTTPCalls {
		t.Errorf("performed requests = %d, want %d", doer.count(), MaxHTTPCalls)
	}
	if result == nil || result.HTTPCalls != MaxHTTPCalls+1 {
		t.Errorf("result = %+v, want %d attempted calls", result, MaxHTTPCalls+1)
	}
}

func TestEngine_HTTPVerbsAndOptions(t *testing.T) {
	doer := &fakeHTTP{}
	e := newTestEngine(Capabilities{HTTP: doer})
	result := run(t, e, Invocation{
		Script: `function invoke() {
			const r = http.put("https://example.com/a", { headers: { "X-Key": "v" }, body: { a: 1 } });
			http.get("https://example.com/b", { body: "ignored" });
			http.patch("https://example.com/c");
			http.delete("https://example.com/d");
			return r;
		}`,
	})

	got := result.Value.(map[string]any)
	if got["status"] != int64(200) || got["body"] != "ok PUT" {
		t.Errorf("response = %v", got)
	}

	wantMethods := []string{"PUT", "GET", "PATCH", "DELETE"}
	if len(doer.requests) != len(wantMethods) {
		t.Fatalf("requests = %d, want %d", len(doer.requests), len(wantMethods))
	}
	for i, want := range wantMethods {
		if doer.requests[i].Method != want {
			t.Errorf("request %d method = %s, want %s", i, doer.requests[i].Method, want)
		}
	}
	put := doer.requests[0]
	if put.Headers["X-Key"] != "v" {
		t.Errorf("headers = %v", put.Headers)
	}
	if put.Body != `{"a":1}` {
		t.Errorf("body = %q, want JSON object", put.Body)
	}
	if doer.requests[1].Body != "" {
		t.Errorf("GET body = %q, want empty", doer.requests[1].Body)
	}
}

// --- Other capabilities ---

func TestEngine_CustomRaw(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{
		Script: `function invoke() { chain.setCustomRaw("first"); chain.setCustomRaw("final"); return "value"; }`,
	})
	if result.CustomRaw == nil || *result.CustomRaw != "final" {
		t.Errorf("custom raw = %v, want final", result.CustomRaw)
	}
	if result.Value != "value" {
		t.Errorf("value = %v, want value", result.Value)
	}
}

func TestEngine_Truncate(t *testing.T) {
	e := newTestEngine(Capabilities{Tokenizer: fakeTokenizer{}})
	result := run(t, e, Invocation{
		Script: `function invoke() { return llm.truncate("one two three four", 2); }`,
	})
	if result.Value != "one two" {
		t.Errorf("value = %v, want %q", result.Value, "one two")
	}
}

func TestEngine_SearchPassesScopeAndLimit(t *testing.T) {
	searcher := &fakeSearcher{}
	e := newTestEngine(Capabilities{Search: searcher})
	result := run(t, e, Invocation{
		ToolID: "tool-1",
		Script: `function invoke() { return index.search("what", { filenames: ["a.txt"], limit: 5 }); }`,
	})

	if searcher.toolID != "tool-1" || searcher.query != "what" || searcher.limit != 5 {
		t.Errorf("searcher got tool=%q query=%q limit=%d", searcher.toolID, searcher.query, searcher.limit)
	}
	if len(searcher.filenames) != 1 || searcher.filenames[0] != "a.txt" {
		t.Errorf("filenames = %v", searcher.filenames)
	}

	list, ok := result.Value.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("value = %v, want two fragments", result.Value)
	}
	first := list[0].(map[string]any)
	if first["fragment"] != "first" || first["metadata"] != "m1" {
		t.Errorf("first fragment = %v", first)
	}
}

func TestEngine_SearchDefaultLimit(t *testing.T) {
	searcher := &fakeSearcher{}
	e := newTestEngine(Capabilities{Search: searcher})
	run(t, e, Invocation{Script: `function invoke() { return index.search("q"); }`})
	if searcher.limit != DefaultSearchLimit {
		t.Errorf("limit = %d, want %d", searcher.limit, DefaultSearchLimit)
	}
}

func TestEngine_UploadSanitizesFilename(t *testing.T) {
	uploader := &fakeUploader{}
	e := newTestEngine(Capabilities{Uploads: uploader})
	result := run(t, e, Invocation{
		ActorID: "user-7",
		Script:  `function invoke() { return upload.create("../../etc/passwd", "aGVsbG8="); }`,
	})

	if uploader.filename != "passwd" {
		t.Errorf("filename = %q, want passwd", uploader.filename)
	}
	if string(uploader.content) != "hello" {
		t.Errorf("content = %q, want hello", uploader.content)
	}
	if uploader.actorID != "user-7" {
		t.Errorf("actor = %q, want user-7", uploader.actorID)
	}
	got := result.Value.(map[string]any)
	if got["id"] != testUploadID.String() || got["short_url"] != "upload://abc.txt" || got["url"] != "/uploads/original/ab/abc.txt" {
		t.Errorf("upload result = %v", got)
	}
}

func TestEngine_UploadRejectsBadInput(t *testing.T) {
	e := newTestEngine(Capabilities{Uploads: &fakeUploader{}})
	result := run(t, e, Invocation{
		Script: `function invoke() {
			const errs = [];
			try { upload.create("..", "aGVsbG8="); } catch (e) { errs.push("name"); }
			try { upload.create("ok.txt", "%%%"); } catch (e) { errs.push("content"); }
			return errs.join(",");
		}`,
	})
	if result.Value != "name,content" {
		t.Errorf("value = %v, want name,content", result.Value)
	}
}

func TestEngine_UnavailableCapabilityIsCatchable(t *testing.T) {
	e := newTestEngine(Capabilities{})
	result := run(t, e, Invocation{
		Script: `function invoke() { try { llm.truncate("a", 1); } catch (e) { return "caught"; } }`,
	})
	if result.Value != "caught" {
		t.Errorf("value = %v, want caught", result.Value)
	}
}

func TestEngine_ObserverSeesCapabilities(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestEngine(Capabilities{HTTP: &fakeHTTP{}, Tokenizer: fakeTokenizer{}}, WithObserver(obs))
	run(t, e, Invocation{
		Script: `function invoke() { http.get("https://example.com"); llm.truncate("a b", 1); chain.setCustomRaw("x"); }`,
	})

	want := []string{"http.get", "llm.truncate", "chain.setCustomRaw"}
	if strings.Join(obs.labels, ",") != strings.Join(want, ",") {
		t.Errorf("observed = %v, want %v", obs.labels, want)
	}
}

// --- Script errors ---

func TestEngine_ScriptErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantMsg string
	}{
		{"throw", `function invoke() { throw new Error("boom"); }`, "boom"},
		{"syntax", `function invoke( {`, ""},
		{"missing invoke", `const x = 1;`, "invoke is not a function"},
		{"reference", `function invoke() { return nope.value; }`, "nope"},
	}

	e := newTestEngine(Capabilities{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(context.Background(), Invocation{Script: tt.script})
			if !errors.Is(err, ErrScript) {
				t.Fatalf("error = %v, want ErrScript", err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestEngine_ResultTooDeep(t *testing.T) {
	e := newTestEngine(Capabilities{})
	_, err := e.Run(context.Background(), Invocation{
		Script: `function invoke() {
			let v = {};
			for (let i = 0; i < 30; i++) { v = { next: v }; }
			return v;
		}`,
	})
	if !errors.Is(err, ErrScript) {
		t.Errorf("error = %v, want ErrScript for deeply nested result", err)
	}
}

func TestEngine_ParametersTooDeep(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i < MaxMarshalDepth+5; i++ {
		nested = map[string]any{"n": nested}
	}
	e := newTestEngine(Capabilities{})
	_, err := e.Run(context.Background(), Invocation{
		Script:     `function invoke(p) { return 1; }`,
		Parameters: map[string]any{"deep": nested},
	})
	if !errors.Is(err, ErrScript) {
		t.Errorf("error = %v, want ErrScript for deeply nested parameters", err)
	}
}

func TestEngine_InvocationsAreIsolated(t *testing.T) {
	e := newTestEngine(Capabilities{})
	run(t, e, Invocation{Script: `globalThis.leak = 42; function invoke() { return 1; }`})
	result := run(t, e, Invocation{Script: `function invoke() { return typeof leak; }`})
	if result.Value != "undefined" {
		t.Errorf("typeof leak = %v, want undefined", result.Value)
	}
}

// --- Details ---

func TestEngine_Details(t *testing.T) {
	e := newTestEngine(Capabilities{})

	got, err := e.Details(context.Background(), Invocation{Script: `function invoke() {}`})
	if err != nil {
		t.Fatalf("Details() error: %v", err)
	}
	if got != "" {
		t.Errorf("default details = %q, want empty", got)
	}

	got, err = e.Details(context.Background(), Invocation{
		Script: `function invoke() {} function details() { return "Fetched weather"; }`,
	})
	if err != nil {
		t.Fatalf("Details() error: %v", err)
	}
	if got != "Fetched weather" {
		t.Errorf("details = %q, want %q", got, "Fetched weather")
	}
}

func TestEngine_DetailsTimeout(t *testing.T) {
	e := newTestEngine(Capabilities{})
	_, err := e.Details(context.Background(), Invocation{
		Script:  `function invoke() {} function details() { while (true) {} }`,
		Timeout: 20 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}
