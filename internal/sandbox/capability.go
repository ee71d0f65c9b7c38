package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/fetch"
	"github.com/jkaninda/toolrun/internal/search"
)

// DefaultSearchLimit is used when index.search is called without a limit.
const DefaultSearchLimit = 10

// HTTPDoer performs outbound requests for the http namespace.
type HTTPDoer interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Tokenizer truncates text to a token budget for llm.truncate.
type Tokenizer interface {
	Truncate(text string, maxTokens int) string
}

// FragmentSearcher answers index.search.
type FragmentSearcher interface {
	Search(ctx context.Context, toolID, query string, filenames []string, limit int) ([]search.Fragment, error)
}

// Uploader persists files created through upload.create.
type Uploader interface {
	Create(ctx context.Context, filename string, content []byte, actorID string) (*domain.Upload, error)
}

// Observer receives one notification per completed capability call.
type Observer interface {
	ObserveCapability(name string, duration time.Duration, err error)
}

// Capabilities are the host collaborators reachable from scripts. A nil
// collaborator makes the matching capability throw when called.
type Capabilities struct {
	HTTP      HTTPDoer
	Tokenizer Tokenizer
	Search    FragmentSearcher
	Uploads   Uploader
}

// ErrCapabilityUnavailable is thrown into the script when the host has no
// collaborator wired for a capability.
var ErrCapabilityUnavailable = errors.New("capability not available")

// effect performs a capability's host side effect. Arguments are decoded
// before the effect is produced, so script code run during decoding (getters,
// valueOf) still counts against the timeout.
type effect func() (any, error)

type capability struct {
	// name is the raw global the prelude wraps, e.g. _http_get.
	name string
	// label identifies the capability in logs and metrics, e.g. http.get.
	label   string
	metered bool
	prepare func(call goja.FunctionCall) (effect, error)
}

type uploadResult struct {
	ID       string `json:"id"`
	ShortURL string `json:"short_url"`
	URL      string `json:"url"`
}

type httpResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// capabilities builds the capability table for one invocation.
func (s *session) capabilities() map[string]capability {
	table := make(map[string]capability)
	add := func(c capability) { table[c.name] = c }

	for _, verb := range httpVerbs {
		add(s.httpCapability(verb))
	}
	add(capability{name: "_llm_truncate", label: "llm.truncate", prepare: s.prepareTruncate})
	add(capability{name: "_index_search", label: "index.search", prepare: s.prepareSearch})
	add(capability{name: "_upload_create", label: "upload.create", prepare: s.prepareUpload})
	add(capability{name: "_chain_set_custom_raw", label: "chain.setCustomRaw", prepare: s.prepareCustomRaw})
	return table
}

// bind adapts a capability into a host function: quota check, argument
// decoding, guard enter, host effect, guard exit, result marshaling.
func (s *session) bind(c capability) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if c.metered {
			if err := s.quota.takeHTTP(); err != nil {
				s.fatal = err
				s.ectx.abort(err)
				s.ectx.throw(err)
			}
		}

		run, err := c.prepare(call)
		if err != nil {
			s.ectx.throw(err)
		}

		result, err := s.perform(c.label, run)
		if err != nil {
			s.ectx.throw(err)
		}

		value, err := s.ectx.toJS(result)
		if err != nil {
			s.ectx.throw(err)
		}
		return value
	}
}

func (s *session) perform(label string, run effect) (result any, err error) {
	release := s.guard.enter()
	defer release()

	start := time.Now()
	defer func() {
		if s.observer != nil {
			s.observer.ObserveCapability(label, time.Since(start), err)
		}
	}()
	return run()
}

func (s *session) httpCapability(verb string) capability {
	method := strings.ToUpper(verb)
	return capability{
		name:    "_http_" + verb,
		label:   "http." + verb,
		metered: true,
		prepare: func(call goja.FunctionCall) (effect, error) {
			req := fetch.Request{Method: method, URL: argString(call, 0)}
			opts := argObject(call, 1)
			req.Headers = stringMap(opts["headers"])
			if method != "GET" {
				body, err := bodyString(opts["body"])
				if err != nil {
					return nil, err
				}
				req.Body = body
			}

			return func() (any, error) {
				if s.caps.HTTP == nil {
					return nil, fmt.Errorf("http: %w", ErrCapabilityUnavailable)
				}
				resp, err := s.caps.HTTP.Do(s.ctx, req)
				if err != nil {
					return nil, err
				}
				return httpResult{Status: resp.Status, Body: resp.Body}, nil
			}, nil
		},
	}
}

func (s *session) prepareTruncate(call goja.FunctionCall) (effect, error) {
	text := argString(call, 0)
	length, ok := toInt(call.Argument(1).Export())
	if !ok {
		return nil, errors.New("llm.truncate: length must be a number")
	}
	return func() (any, error) {
		if s.caps.Tokenizer == nil {
			return nil, fmt.Errorf("llm.truncate: %w", ErrCapabilityUnavailable)
		}
		return s.caps.Tokenizer.Truncate(text, length), nil
	}, nil
}

func (s *session) prepareSearch(call goja.FunctionCall) (effect, error) {
	query := argString(call, 0)
	opts := argObject(call, 1)

	limit := DefaultSearchLimit
	if raw, present := opts["limit"]; present && raw != nil {
		n, ok := toInt(raw)
		if !ok {
			return nil, errors.New("index.search: limit must be a number")
		}
		limit = n
	}
	filenames := stringList(opts["filenames"])

	return func() (any, error) {
		if s.caps.Search == nil {
			return nil, fmt.Errorf("index.search: %w", ErrCapabilityUnavailable)
		}
		fragments, err := s.caps.Search.Search(s.ctx, s.inv.ToolID, query, filenames, limit)
		if err != nil {
			return nil, err
		}
		if fragments == nil {
			fragments = []search.Fragment{}
		}
		return fragments, nil
	}, nil
}

func (s *session) prepareUpload(call goja.FunctionCall) (effect, error) {
	filename, err := sanitizeFilename(argString(call, 0))
	if err != nil {
		return nil, err
	}
	content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(argString(call, 1)))
	if err != nil {
		return nil, fmt.Errorf("upload.create: invalid base64 content: %w", err)
	}

	return func() (any, error) {
		if s.caps.Uploads == nil {
			return nil, fmt.Errorf("upload.create: %w", ErrCapabilityUnavailable)
		}
		up, err := s.caps.Uploads.Create(s.ctx, filename, content, s.inv.ActorID)
		if err != nil {
			return nil, err
		}
		return uploadResult{ID: up.ID.String(), ShortURL: up.ShortURL, URL: up.URL}, nil
	}, nil
}

func (s *session) prepareCustomRaw(call goja.FunctionCall) (effect, error) {
	raw := argString(call, 0)
	return func() (any, error) {
		s.customRaw = &raw
		return true, nil
	}, nil
}

// sanitizeFilename keeps only the final path element of a script-supplied name.
func sanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := path.Base(name)
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("upload.create: invalid filename %q", name)
	}
	return base, nil
}

func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func argObject(call goja.FunctionCall, i int) map[string]any {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	m, _ := v.Export().(map[string]any)
	return m
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		if math.IsInf(n, 0) || n > math.MaxInt32 {
			return math.MaxInt32, true
		}
		if n < math.MinInt32 {
			return math.MinInt32, true
		}
		return int(n), true
	default:
		return 0, false
	}
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if val == nil {
			continue
		}
		out[k] = fmt.Sprint(val)
	}
	return out
}

func stringList(v any) []string {
	switch list := v.(type) {
	case string:
		if list == "" {
			return nil
		}
		return []string{list}
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// bodyString renders a request body. Strings pass through; other values are
// sent as JSON.
func bodyString(v any) (string, error) {
	switch b := v.(type) {
	case nil:
		return "", nil
	case string:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return "", fmt.Errorf("encoding request body: %w", err)
		}
		if err := checkJSONDepth(data); err != nil {
			return "", err
		}
		return string(data), nil
	}
}
