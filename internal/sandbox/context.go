package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

const (
	// MaxHeapBytes caps heap growth observed during one invocation.
	MaxHeapBytes = 10 << 20

	// MaxCallStackDepth caps interpreter call-stack depth.
	MaxCallStackDepth = 512

	// MaxMarshalDepth caps nesting of values crossing the sandbox boundary.
	MaxMarshalDepth = 20
)

// ExecutionContext is one isolated interpreter instance with fixed ceilings.
// It is created per invocation and never shared between invocations.
//
// Only the goroutine evaluating the script calls Eval and Call. Stop may be
// called from any goroutine.
type ExecutionContext struct {
	vm *goja.Runtime

	// mu guards done. The watchdog stops the context under the same lock the
	// evaluator uses to signal completion, so a stop never lands after a
	// normal finish.
	mu   sync.Mutex
	done bool
}

func newExecutionContext() *ExecutionContext {
	vm := goja.New()
	vm.SetMaxCallStackSize(MaxCallStackDepth)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &ExecutionContext{vm: vm}
}

// Define registers a host function under name in the global namespace.
func (c *ExecutionContext) Define(name string, fn func(goja.FunctionCall) goja.Value) error {
	if err := c.vm.Set(name, fn); err != nil {
		return fmt.Errorf("defining %s: %w", name, err)
	}
	return nil
}

// Eval evaluates source in the global scope.
func (c *ExecutionContext) Eval(name, source string) (goja.Value, error) {
	return c.vm.RunScript(name, source)
}

// Call invokes the global function fn with args. Arguments are passed through
// JSON so the script receives plain objects rather than host wrappers.
func (c *ExecutionContext) Call(fn string, args ...any) (goja.Value, error) {
	callable, ok := goja.AssertFunction(c.vm.Get(fn))
	if !ok {
		return nil, &ScriptError{Message: fmt.Sprintf("%s is not a function", fn)}
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		v, err := c.toJS(a)
		if err != nil {
			return nil, err
		}
		jsArgs[i] = v
	}
	return callable(goja.Undefined(), jsArgs...)
}

// Stop forces the running evaluation to terminate with reason unless the
// context already finished. It reports whether a stop was issued.
func (c *ExecutionContext) Stop(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.vm.Interrupt(reason)
	return true
}

// finish marks the evaluation complete; later Stop calls are no-ops.
func (c *ExecutionContext) finish() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

// abort stops the context from inside a host call. The evaluator goroutine
// is the caller, so the completion lock is not needed.
func (c *ExecutionContext) abort(reason error) {
	c.vm.Interrupt(reason)
}

// throw raises err as a script exception.
func (c *ExecutionContext) throw(err error) {
	panic(c.vm.NewGoError(err))
}

// toJS converts a Go value into a native script value through JSON.
func (c *ExecutionContext) toJS(v any) (goja.Value, error) {
	if v == nil {
		return goja.Null(), nil
	}
	if s, ok := v.(string); ok {
		return c.vm.ToValue(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value into sandbox: %w", err)
	}
	if err := checkJSONDepth(data); err != nil {
		return nil, err
	}
	parse, ok := goja.AssertFunction(c.vm.Get("JSON").ToObject(c.vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), c.vm.ToValue(string(data)))
}

// export converts a script value into JSON-compatible Go data, enforcing
// MaxMarshalDepth.
func export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return normalize(v.Export(), 0)
}

func normalize(v any, depth int) (any, error) {
	if depth > MaxMarshalDepth {
		return nil, &ScriptError{Message: fmt.Sprintf("value nested deeper than %d levels", MaxMarshalDepth)}
	}
	switch val := v.(type) {
	case nil, string, bool, int64, float64, int, int32, uint32:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case func(goja.FunctionCall) goja.Value:
		return nil, nil
	default:
		// Dates, typed arrays and host objects are reduced to their JSON form.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, &ScriptError{Message: fmt.Sprintf("unmarshalable value of type %T", val), Err: err}
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, &ScriptError{Message: "unmarshalable value", Err: err}
		}
		return out, nil
	}
}

// checkJSONDepth rejects encoded values nested deeper than MaxMarshalDepth.
func checkJSONDepth(data []byte) error {
	depth := 0
	inString := false
	escaped := false
	for _, b := range data {
		switch {
		case escaped:
			escaped = false
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{' || b == '[':
			depth++
			if depth > MaxMarshalDepth {
				return &ScriptError{Message: fmt.Sprintf("value nested deeper than %d levels", MaxMarshalDepth)}
			}
		case b == '}' || b == ']':
			depth--
		}
	}
	return nil
}
